package models

import (
	"encoding/json"
	"time"
)

// DateFormat is the wire format for row timestamps (second precision, UTC).
const DateFormat = "2006-01-02 15:04:05"

// -----------------------------------------------------------------------------
// Series Identity
// -----------------------------------------------------------------------------

// MSeriesKey is the identity of one cached time series. Equality is exact
// string equality; the cache layer performs no normalization.
type MSeriesKey struct {
	Source   string `json:"source"`
	Name     string `json:"name"`
	Interval string `json:"interval"`
}

// -----------------------------------------------------------------------------

func (k MSeriesKey) String() string {
	return k.Source + "-" + k.Name + "-" + k.Interval
}

// -----------------------------------------------------------------------------
// Row
// -----------------------------------------------------------------------------

// MRow is one timestamped data point. All rows of one series share the same
// field set (open/high/low/close/volume for candlestick sources, arbitrary
// named numeric columns for line sources).
type MRow struct {
	Timestamp int64              `json:"-"` // unix seconds, UTC
	Fields    map[string]float64 `json:"-"`
}

// -----------------------------------------------------------------------------

// Date returns the wire representation of the row timestamp.
func (r MRow) Date() string {
	return time.Unix(r.Timestamp, 0).UTC().Format(DateFormat)
}

// -----------------------------------------------------------------------------

// MarshalJSON flattens the row into {"date": ..., "<field>": ...} which is
// the shape chart consumers expect.
func (r MRow) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+1)
	out["date"] = r.Date()
	for name, v := range r.Fields {
		out[name] = v
	}
	return json.Marshal(out)
}

// -----------------------------------------------------------------------------

// ParseDate converts a wire timestamp back into unix seconds.
func ParseDate(s string) (int64, error) {
	t, err := time.Parse(DateFormat, s)
	if err != nil {
		return 0, err
	}
	return t.UTC().Unix(), nil
}

// -----------------------------------------------------------------------------
// Series
// -----------------------------------------------------------------------------

// MSeries is one cached time series: rows ascending by timestamp, unique per
// timestamp. Instances are owned by the TimeSeriesStore; callers treat the
// returned value as a snapshot.
type MSeries struct {
	Rows          []MRow
	LastFetchedAt time.Time
}

// -----------------------------------------------------------------------------

func (s *MSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Rows)
}

func (s *MSeries) Empty() bool {
	return s.Len() == 0
}

// -----------------------------------------------------------------------------

// FirstTimestamp and LastTimestamp return the series bounds; both are zero
// for an empty series.
func (s *MSeries) FirstTimestamp() int64 {
	if s.Empty() {
		return 0
	}
	return s.Rows[0].Timestamp
}

func (s *MSeries) LastTimestamp() int64 {
	if s.Empty() {
		return 0
	}
	return s.Rows[len(s.Rows)-1].Timestamp
}

// -----------------------------------------------------------------------------

// LastN returns up to n trailing rows.
func (s *MSeries) LastN(n int) []MRow {
	if s.Empty() || n <= 0 {
		return nil
	}
	if n > len(s.Rows) {
		n = len(s.Rows)
	}
	out := make([]MRow, n)
	copy(out, s.Rows[len(s.Rows)-n:])
	return out
}

// -----------------------------------------------------------------------------

// FilterRange returns the rows with start <= timestamp <= end.
func (s *MSeries) FilterRange(start, end int64) []MRow {
	if s.Empty() {
		return nil
	}
	var out []MRow
	for _, r := range s.Rows {
		if r.Timestamp < start {
			continue
		}
		if r.Timestamp > end {
			break
		}
		out = append(out, r)
	}
	return out
}
