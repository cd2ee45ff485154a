package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------
// SharedStore
// -----------------------------------------------------------------------------

// SharedStore implements the same contract as LocalStore on top of Redis so
// the cache can be shared by several processes. Rows live in one sorted set
// per series with the timestamp as score; removing the score before adding
// gives the same last-write-wins semantics as the local merge.
type SharedStore struct {
	rdb          *redis.Client
	ctx          context.Context
	mu           sync.Mutex
	lastInterest map[models.MSeriesKey]time.Time
	idle         time.Duration
	Logger       *logger.Logger
}

type sharedRow struct {
	TS     int64              `json:"ts"`
	Fields map[string]float64 `json:"fields"`
}

// -----------------------------------------------------------------------------

func NewSharedStore(ctx context.Context, addr, password string, db int, idle time.Duration, log *logger.Logger) (*SharedStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &SharedStore{
		rdb:          rdb,
		ctx:          ctx,
		lastInterest: make(map[models.MSeriesKey]time.Time),
		idle:         idle,
		Logger:       log,
	}, nil
}

// -----------------------------------------------------------------------------

func seriesKey(key models.MSeriesKey) string {
	return fmt.Sprintf("series:%s:%s:%s", key.Source, key.Name, key.Interval)
}

// -----------------------------------------------------------------------------

func (s *SharedStore) Get(key models.MSeriesKey) (*models.MSeries, bool) {
	members, err := s.rdb.ZRange(s.ctx, seriesKey(key), 0, -1).Result()
	if err != nil || len(members) == 0 {
		return nil, false
	}

	rows := make([]models.MRow, 0, len(members))
	for _, m := range members {
		var sr sharedRow
		if err := json.Unmarshal([]byte(m), &sr); err != nil {
			continue
		}
		rows = append(rows, models.MRow{Timestamp: sr.TS, Fields: sr.Fields})
	}
	if len(rows) == 0 {
		return nil, false
	}
	return &models.MSeries{Rows: rows}, true
}

// -----------------------------------------------------------------------------

func (s *SharedStore) Merge(key models.MSeriesKey, rows []models.MRow) {
	if len(rows) == 0 {
		return
	}

	pipe := s.rdb.TxPipeline()
	rkey := seriesKey(key)
	for _, r := range rows {
		b, err := json.Marshal(sharedRow{TS: r.Timestamp, Fields: r.Fields})
		if err != nil {
			continue
		}
		score := fmt.Sprintf("%d", r.Timestamp)
		// One row per timestamp: clear the score slot, then add.
		pipe.ZRemRangeByScore(s.ctx, rkey, score, score)
		pipe.ZAdd(s.ctx, rkey, redis.Z{Score: float64(r.Timestamp), Member: string(b)})
	}

	if _, err := pipe.Exec(s.ctx); err != nil && s.Logger != nil {
		s.Logger.Error("Redis merge failed for %s: %v", key, err)
	}
}

// -----------------------------------------------------------------------------

func (s *SharedStore) ReleaseIdle(active map[models.MSeriesKey]struct{}, now time.Time) []models.MSeriesKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dropped []models.MSeriesKey

	iter := s.rdb.Scan(s.ctx, 0, "series:*", 0).Iterator()
	for iter.Next(s.ctx) {
		key, ok := parseSeriesKey(iter.Val())
		if !ok {
			continue
		}
		if _, subscribed := active[key]; subscribed {
			s.lastInterest[key] = now
			continue
		}
		seen, tracked := s.lastInterest[key]
		if !tracked {
			s.lastInterest[key] = now
			continue
		}
		if now.Sub(seen) > s.idle {
			if err := s.rdb.Del(s.ctx, seriesKey(key)).Err(); err == nil {
				delete(s.lastInterest, key)
				dropped = append(dropped, key)
			}
		}
	}

	if len(dropped) > 0 && s.Logger != nil {
		s.Logger.Info("Released shared cache for %d idle series", len(dropped))
	}
	return dropped
}

// -----------------------------------------------------------------------------

func parseSeriesKey(raw string) (models.MSeriesKey, bool) {
	var key models.MSeriesKey
	rest, ok := strings.CutPrefix(raw, "series:")
	if !ok {
		return key, false
	}
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return key, false
	}
	key.Source, key.Name, key.Interval = parts[0], parts[1], parts[2]
	return key, true
}

// -----------------------------------------------------------------------------

func (s *SharedStore) Close() error {
	return s.rdb.Close()
}
