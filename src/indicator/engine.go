package indicator

import (
	"fmt"
	"math"
	"sort"

	"github.com/tradiny/tradiny/src/helpers"
	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------
// Evaluation
// -----------------------------------------------------------------------------

// SeriesLookup resolves one cached series; ok is false when the cache holds
// nothing for the key.
type SeriesLookup func(models.MSeriesKey) (*models.MSeries, bool)

// Evaluate runs one indicator subscription against cached series. Source
// columns from different series are joined on their shared timestamps, so a
// cross-instrument indicator only produces rows where every input exists.
func Evaluate(reg *Registry, sub *models.MIndicatorSubscription, lookup SeriesLookup) ([]models.MRow, error) {
	ind, err := reg.Lookup(sub.Indicator)
	if err != nil {
		return nil, err
	}

	seriesByKey := make(map[models.MSeriesKey]map[int64]models.MRow)
	for _, entry := range sub.DataMap {
		key := entry.Key()
		if _, done := seriesByKey[key]; done {
			continue
		}
		series, ok := lookup(key)
		if !ok || series.Empty() {
			return nil, helpers.NewDependencyMissing(key)
		}
		byTS := make(map[int64]models.MRow, series.Len())
		for _, row := range series.Rows {
			byTS[row.Timestamp] = row
		}
		seriesByKey[key] = byTS
	}

	ts := sharedTimestamps(seriesByKey)
	if len(ts) == 0 {
		return nil, nil
	}

	cols := make(map[string][]float64, len(ind.Columns()))
	for _, colName := range ind.Columns() {
		entry, ok := sub.DataMap[colName]
		if !ok {
			return nil, fmt.Errorf("indicator %s: no data mapping for column %q", ind.Name(), colName)
		}
		byTS := seriesByKey[entry.Key()]
		values := make([]float64, len(ts))
		for i, t := range ts {
			values[i] = byTS[t].Fields[entry.Value]
		}
		cols[colName] = values
	}

	computed := ind.Compute(ts, cols, sub.Inputs)

	rows := make([]models.MRow, 0, len(ts))
	for i, t := range ts {
		fields := make(map[string]float64, len(computed))
		defined := true
		for name, values := range computed {
			if math.IsNaN(values[i]) {
				defined = false
				break
			}
			fields[name] = values[i]
		}
		if defined {
			rows = append(rows, models.MRow{Timestamp: t, Fields: fields})
		}
	}
	return rows, nil
}

// -----------------------------------------------------------------------------

// PrefixOutputs renames output columns to "<subscription id>-<output>" so a
// client can chart several instances of the same indicator side by side.
func PrefixOutputs(id string, rows []models.MRow) []models.MRow {
	out := make([]models.MRow, len(rows))
	for i, row := range rows {
		fields := make(map[string]float64, len(row.Fields))
		for name, v := range row.Fields {
			fields[id+"-"+name] = v
		}
		out[i] = models.MRow{Timestamp: row.Timestamp, Fields: fields}
	}
	return out
}

// -----------------------------------------------------------------------------

// sharedTimestamps intersects the timestamp sets of every input series,
// ascending.
func sharedTimestamps(seriesByKey map[models.MSeriesKey]map[int64]models.MRow) []int64 {
	var ts []int64
	first := true
	for _, byTS := range seriesByKey {
		if first {
			for t := range byTS {
				ts = append(ts, t)
			}
			first = false
			continue
		}
		kept := ts[:0]
		for _, t := range ts {
			if _, ok := byTS[t]; ok {
				kept = append(kept, t)
			}
		}
		ts = kept
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}
