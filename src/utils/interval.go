package utils

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Interval Bucketing
// -----------------------------------------------------------------------------

// intervalMinutes maps an interval name to its bucket duration in minutes.
// 1M uses the average month length; calendar cases are handled separately.
var intervalMinutes = map[string]int{
	"1m":  1,
	"3m":  3,
	"5m":  5,
	"15m": 15,
	"30m": 30,
	"1h":  60,
	"2h":  120,
	"4h":  240,
	"6h":  360,
	"8h":  480,
	"12h": 720,
	"1d":  1440,
	"1w":  10080,
	"1M":  43800,
}

// -----------------------------------------------------------------------------

// IntervalDuration returns the fixed duration an interval maps to, or an
// error for unknown intervals.
func IntervalDuration(interval string) (time.Duration, error) {
	minutes, ok := intervalMinutes[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval: %s", interval)
	}
	return time.Duration(minutes) * time.Minute, nil
}

// -----------------------------------------------------------------------------

// CurrentBucketStart returns the start of the bucket containing now, floored
// to the interval duration. Weeks start Monday 00:00 UTC, months on day 1
// 00:00 UTC; other intervals floor against the epoch.
func CurrentBucketStart(interval string, now time.Time) (time.Time, error) {
	now = now.UTC()

	switch interval {
	case "1M":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case "1w":
		// time.Weekday has Sunday == 0; shift so Monday == 0.
		offset := (int(now.Weekday()) + 6) % 7
		day := now.AddDate(0, 0, -offset)
		return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC), nil
	}

	d, err := IntervalDuration(interval)
	if err != nil {
		return time.Time{}, err
	}
	return now.Truncate(d), nil
}

// -----------------------------------------------------------------------------

// LookbackStart returns the timestamp count buckets before end.
func LookbackStart(interval string, end time.Time, count int) (time.Time, error) {
	d, err := IntervalDuration(interval)
	if err != nil {
		return time.Time{}, err
	}
	return end.Add(-time.Duration(count) * d), nil
}

// -----------------------------------------------------------------------------

// KnownIntervals returns every interval name the bucketing layer supports.
func KnownIntervals() []string {
	return []string{
		"1m", "3m", "5m", "15m", "30m",
		"1h", "2h", "4h", "6h", "8h", "12h",
		"1d", "1w", "1M",
	}
}
