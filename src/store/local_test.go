package store

import (
	"testing"
	"time"

	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func testKey() models.MSeriesKey {
	return models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}
}

func row(ts int64, close float64) models.MRow {
	return models.MRow{
		Timestamp: ts,
		Fields:    map[string]float64{"Binance-BTCUSDT-1m-close": close},
	}
}

func testStore(idle time.Duration) *LocalStore {
	return NewLocalStore(idle, logger.NewLogger("CRITICAL", "test"))
}

// -----------------------------------------------------------------------------
// Merge
// -----------------------------------------------------------------------------

func TestMergeKeepsRowsSortedAndUnique(t *testing.T) {
	s := testStore(time.Hour)
	key := testKey()

	s.Merge(key, []models.MRow{row(120, 2), row(60, 1)})
	s.Merge(key, []models.MRow{row(180, 3), row(120, 2.5)})

	series, ok := s.Get(key)
	if !ok {
		t.Fatal("expected series after merge")
	}
	if series.Len() != 3 {
		t.Fatalf("expected 3 rows, got %d", series.Len())
	}
	for i := 1; i < series.Len(); i++ {
		if series.Rows[i].Timestamp <= series.Rows[i-1].Timestamp {
			t.Fatalf("rows not strictly ascending at %d", i)
		}
	}
	if got := series.Rows[1].Fields["Binance-BTCUSDT-1m-close"]; got != 2.5 {
		t.Fatalf("duplicate timestamp should keep the incoming row, got close=%v", got)
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	s := testStore(time.Hour)
	key := testKey()
	rows := []models.MRow{row(60, 1), row(120, 2)}

	s.Merge(key, rows)
	s.Merge(key, rows)

	series, _ := s.Get(key)
	if series.Len() != 2 {
		t.Fatalf("repeated merge must not duplicate rows, got %d", series.Len())
	}
}

func TestMergeRevisesOpenCandleInPlace(t *testing.T) {
	s := testStore(time.Hour)
	key := testKey()

	s.Merge(key, []models.MRow{row(60, 1), row(120, 2)})
	s.Merge(key, []models.MRow{row(120, 9)})

	series, _ := s.Get(key)
	if series.Len() != 2 {
		t.Fatalf("expected 2 rows, got %d", series.Len())
	}
	if got := series.Rows[1].Fields["Binance-BTCUSDT-1m-close"]; got != 9 {
		t.Fatalf("open candle revision lost, close=%v", got)
	}
}

func TestMergeEmptyIsNoop(t *testing.T) {
	s := testStore(time.Hour)
	s.Merge(testKey(), nil)

	if _, ok := s.Get(testKey()); ok {
		t.Fatal("empty merge must not create a series")
	}
}

// -----------------------------------------------------------------------------
// Get snapshots
// -----------------------------------------------------------------------------

func TestGetReturnsSnapshot(t *testing.T) {
	s := testStore(time.Hour)
	key := testKey()
	s.Merge(key, []models.MRow{row(60, 1)})

	snap, _ := s.Get(key)
	snap.Rows[0].Timestamp = 999

	fresh, _ := s.Get(key)
	if fresh.Rows[0].Timestamp != 60 {
		t.Fatal("mutating a snapshot must not affect the store")
	}
}

// -----------------------------------------------------------------------------
// ReleaseIdle
// -----------------------------------------------------------------------------

func TestReleaseIdleDropsOnlyAfterGrace(t *testing.T) {
	s := testStore(time.Minute)
	key := testKey()
	s.Merge(key, []models.MRow{row(60, 1)})

	now := time.Now().UTC()
	none := map[models.MSeriesKey]struct{}{}

	// First sweep only marks the series as unattended.
	if dropped := s.ReleaseIdle(none, now); len(dropped) != 0 {
		t.Fatalf("first sweep must not drop, got %v", dropped)
	}
	// Still inside the idle window.
	if dropped := s.ReleaseIdle(none, now.Add(30*time.Second)); len(dropped) != 0 {
		t.Fatalf("drop inside idle window: %v", dropped)
	}
	// Past the window the series goes.
	dropped := s.ReleaseIdle(none, now.Add(2*time.Minute))
	if len(dropped) != 1 || dropped[0] != key {
		t.Fatalf("expected %v dropped, got %v", key, dropped)
	}
	if _, ok := s.Get(key); ok {
		t.Fatal("series still cached after release")
	}
}

func TestReleaseIdleKeepsActiveSeries(t *testing.T) {
	s := testStore(time.Minute)
	key := testKey()
	s.Merge(key, []models.MRow{row(60, 1)})

	now := time.Now().UTC()
	active := map[models.MSeriesKey]struct{}{key: {}}

	s.ReleaseIdle(map[models.MSeriesKey]struct{}{}, now)
	// Interest returns before the window expires; the clock keeps moving.
	s.ReleaseIdle(active, now.Add(30*time.Second))
	if dropped := s.ReleaseIdle(active, now.Add(10*time.Minute)); len(dropped) != 0 {
		t.Fatalf("active series dropped: %v", dropped)
	}
	if _, ok := s.Get(key); !ok {
		t.Fatal("active series missing")
	}
}
