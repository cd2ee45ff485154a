package store

import (
	"sort"
	"sync"
	"time"

	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------
// LocalStore
// -----------------------------------------------------------------------------

// LocalStore keeps every series in process memory behind one lock. Merges are
// idempotent and de-duplicating: for an equal timestamp the incoming row wins.
type LocalStore struct {
	mu           sync.RWMutex
	series       map[models.MSeriesKey]*models.MSeries
	lastInterest map[models.MSeriesKey]time.Time
	idle         time.Duration
	Logger       *logger.Logger
}

// -----------------------------------------------------------------------------

func NewLocalStore(idle time.Duration, log *logger.Logger) *LocalStore {
	return &LocalStore{
		series:       make(map[models.MSeriesKey]*models.MSeries),
		lastInterest: make(map[models.MSeriesKey]time.Time),
		idle:         idle,
		Logger:       log,
	}
}

// -----------------------------------------------------------------------------

// Get returns a snapshot of the cached series. The row slice is copied so a
// concurrent merge cannot mutate what the caller holds.
func (s *LocalStore) Get(key models.MSeriesKey) (*models.MSeries, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cur, ok := s.series[key]
	if !ok {
		return nil, false
	}
	rows := make([]models.MRow, len(cur.Rows))
	copy(rows, cur.Rows)
	return &models.MSeries{Rows: rows, LastFetchedAt: cur.LastFetchedAt}, true
}

// -----------------------------------------------------------------------------

// Merge folds rows into the series for key under the store lock.
func (s *LocalStore) Merge(key models.MSeriesKey, rows []models.MRow) {
	if len(rows) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.series[key]
	if !ok {
		cur = &models.MSeries{}
		s.series[key] = cur
	}
	cur.LastFetchedAt = time.Now().UTC()

	// In-place correction of the still-open candle: one incoming row whose
	// timestamp equals the current last row.
	if len(rows) == 1 && len(cur.Rows) > 0 &&
		cur.Rows[len(cur.Rows)-1].Timestamp == rows[0].Timestamp {
		cur.Rows[len(cur.Rows)-1] = rows[0]
		return
	}

	cur.Rows = mergeRows(cur.Rows, rows)
}

// -----------------------------------------------------------------------------

// mergeRows concatenates existing and incoming rows, collapses duplicate
// timestamps keeping the later-inserted value, and re-sorts ascending.
// Incoming rows are not assumed deduplicated against each other.
func mergeRows(existing, incoming []models.MRow) []models.MRow {
	combined := make([]models.MRow, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)

	// Later entries overwrite earlier ones for the same timestamp.
	byTS := make(map[int64]models.MRow, len(combined))
	for _, r := range combined {
		byTS[r.Timestamp] = r
	}

	merged := make([]models.MRow, 0, len(byTS))
	for _, r := range byTS {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// -----------------------------------------------------------------------------

// ReleaseIdle drops series nobody has subscribed to for longer than the idle
// window and returns the dropped keys.
func (s *LocalStore) ReleaseIdle(active map[models.MSeriesKey]struct{}, now time.Time) []models.MSeriesKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []models.MSeriesKey
	for key := range s.series {
		if _, ok := active[key]; ok {
			s.lastInterest[key] = now
			continue
		}
		seen, ok := s.lastInterest[key]
		if !ok {
			s.lastInterest[key] = now
			continue
		}
		if now.Sub(seen) > s.idle {
			delete(s.series, key)
			delete(s.lastInterest, key)
			dropped = append(dropped, key)
		}
	}

	if len(dropped) > 0 && s.Logger != nil {
		s.Logger.Info("Released cache for %d idle series", len(dropped))
	}
	return dropped
}

// -----------------------------------------------------------------------------

func (s *LocalStore) Close() error {
	return nil
}
