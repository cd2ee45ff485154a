package store

import (
	"time"

	"github.com/tradiny/tradiny/src/models"
	"github.com/tradiny/tradiny/src/utils"
)

// -----------------------------------------------------------------------------
// RangeNeed Resolver
// -----------------------------------------------------------------------------

// Need is the minimal sub-range that must be fetched from a provider to
// satisfy a requested window. Nil bounds mean the cache already covers that
// side.
type Need struct {
	Start *time.Time
	End   *time.Time
}

func (n Need) Empty() bool {
	return n.Start == nil && n.End == nil
}

// -----------------------------------------------------------------------------

// DetermineNeeds compares a requested [start, end] window against what the
// cache holds. With no cached rows the full window is needed; otherwise only
// the parts extending past the cached bounds.
func DetermineNeeds(series *models.MSeries, start, end time.Time) Need {
	if series.Empty() {
		return Need{Start: &start, End: &end}
	}

	var need Need
	first := time.Unix(series.FirstTimestamp(), 0).UTC()
	last := time.Unix(series.LastTimestamp(), 0).UTC()

	if start.Before(first) {
		need.Start = &start
	}
	if end.After(last) {
		need.End = &end
	}
	return need
}

// -----------------------------------------------------------------------------

// SatisfiedLive reports whether a request ending at the live "now" marker is
// already fully served by the cache: the series has a row at the current
// bucket start for the interval and holds at least count rows. This keeps a
// still-open candle from being refetched on every poll.
func SatisfiedLive(series *models.MSeries, interval string, count int, now time.Time) bool {
	if series.Empty() || series.Len() < count {
		return false
	}
	bucket, err := utils.CurrentBucketStart(interval, now)
	if err != nil {
		return false
	}
	return series.LastTimestamp() == bucket.Unix()
}
