package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradiny/tradiny/src/fetcher"
	"github.com/tradiny/tradiny/src/indicator"
	"github.com/tradiny/tradiny/src/models"
	"github.com/tradiny/tradiny/src/provider"
	"github.com/tradiny/tradiny/src/store"
	"github.com/tradiny/tradiny/src/utils"
)

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

const (
	defaultCount   = 300
	historyTimeout = 30 * time.Second
	endNowUTC      = "now UTC"
)

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

// HandleClientMessage runs on the client's read goroutine; a slow history
// fetch therefore delays only that client's next message, never the hub.
func (s *Server) HandleClientMessage(client *Client, raw []byte) {
	if !s.limiter.Allow(client.ip) {
		client.Send(models.NewNotification("Rate limit exceeded, try again later"))
		return
	}

	msg, err := models.DecodeClientMessage(raw)
	if err != nil {
		s.Logger.Info("Client %s sent malformed message: %v", client.id, err)
		client.Send(models.NewNotification("Malformed request"))
		return
	}

	switch m := msg.(type) {
	case models.MDataRequest:
		s.handleData(client, m)
	case models.MDataHistoryRequest:
		s.handleDataHistory(client, m)
	case models.MIndicatorRequest:
		s.handleIndicator(client, m)
	case models.MIndicatorHistoryRequest:
		s.handleIndicatorHistory(client, m)
	case models.MUnsubscribeRequest:
		s.handleUnsubscribe(client, m)
	}
}

// -----------------------------------------------------------------------------
// Data
// -----------------------------------------------------------------------------

func (s *Server) handleData(client *Client, m models.MDataRequest) {
	if !s.dataLimiter.Allow(client.ip) {
		client.Send(models.NewNotification("Data request limit exceeded, try again later"))
		return
	}

	g, ok := s.gateways[m.Source]
	if !ok {
		client.Send(models.NewNotification(fmt.Sprintf("Unknown source: %s", m.Source)))
		return
	}

	key := models.MSeriesKey{Source: m.Source, Name: m.Name, Interval: m.Interval}
	count := normalizeCount(m.Count)

	// Subscribe before fetching so ticks arriving while the history request
	// is in flight are delivered rather than lost in the gap.
	if m.Stream == nil || *m.Stream {
		if first := s.Registry.AddDataSubscription(client.id, key); first {
			g.Acquire(key.Name, key.Interval)
		}
	}

	rows, err := s.fetchHistory(g, key, count, endNowUTC)
	if err != nil {
		s.Logger.Warning("Data request %s failed: %v", key, err)
		client.Send(models.NewNotification(fmt.Sprintf("No data for %s", key)))
		return
	}

	client.Send(models.MDataResponse{
		Type:     "data_init",
		Source:   key.Source,
		Name:     key.Name,
		Interval: key.Interval,
		Data:     rows,
		Metadata: s.metadataFor(g, key.Name),
	})
}

// -----------------------------------------------------------------------------

func (s *Server) handleDataHistory(client *Client, m models.MDataHistoryRequest) {
	if !s.dataLimiter.Allow(client.ip) {
		client.Send(models.NewNotification("Data request limit exceeded, try again later"))
		return
	}

	g, ok := s.gateways[m.Source]
	if !ok {
		client.Send(models.NewNotification(fmt.Sprintf("Unknown source: %s", m.Source)))
		return
	}

	key := models.MSeriesKey{Source: m.Source, Name: m.Name, Interval: m.Interval}
	rows, err := s.fetchHistory(g, key, normalizeCount(m.Count), m.End)
	if err != nil {
		s.Logger.Warning("History request %s failed: %v", key, err)
		client.Send(models.NewNotification(fmt.Sprintf("No data for %s", key)))
		return
	}

	client.Send(models.MDataResponse{
		Type:     "data_history",
		Source:   key.Source,
		Name:     key.Name,
		Interval: key.Interval,
		Data:     rows,
		Metadata: s.metadataFor(g, key.Name),
	})
}

// -----------------------------------------------------------------------------

// fetchHistory returns rows for the requested window, fetching what the
// cache is missing. Identical concurrent requests coalesce onto one
// provider fetch; everyone waits on the same future.
func (s *Server) fetchHistory(g *provider.Gateway, key models.MSeriesKey, count int, end string) ([]models.MRow, error) {
	now := time.Now().UTC()
	live := end == "" || end == endNowUTC

	endTime := now
	if !live {
		ts, err := models.ParseDate(end)
		if err != nil {
			return nil, fmt.Errorf("bad end date %q: %w", end, err)
		}
		endTime = time.Unix(ts, 0).UTC()
	}

	series, ok := s.Store.Get(key)
	if !ok {
		series = &models.MSeries{}
	}

	// A live request whose current bucket is already cached never touches
	// the provider.
	if live && store.SatisfiedLive(series, key.Interval, count, now) {
		return series.LastN(count), nil
	}

	startTime, err := utils.LookbackStart(key.Interval, endTime, count)
	if err != nil {
		return nil, err
	}

	if need := store.DetermineNeeds(series, startTime, endTime); !need.Empty() {
		queryStart, queryEnd := fetchWindow(series, need, startTime, endTime)
		endLabel := end
		if live {
			endLabel = endNowUTC
			if need.End != nil {
				queryEnd = time.Time{} // zero end means "now" at fetch time
			}
		}

		fp := s.Coalescer.Fingerprint(key.Source, key.Name, key.Interval, count, endLabel)
		ticket := s.Coalescer.Coalesce(fp, func() {
			if err := g.RequestHistory(fp, key.Name, key.Interval, queryStart, queryEnd, count); err != nil {
				// Nobody would ever resolve this fingerprint otherwise.
				s.Coalescer.Resolve(fp, nil, err)
			}
		})

		ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
		defer cancel()
		if _, err := ticket.Wait(ctx); err != nil {
			return nil, err
		}

		if series, ok = s.Store.Get(key); !ok {
			return nil, fmt.Errorf("no data for %s", key)
		}
	}

	if live {
		return series.LastN(count), nil
	}
	return series.FilterRange(startTime.Unix(), endTime.Unix()), nil
}

// -----------------------------------------------------------------------------

// fetchWindow narrows a provider fetch to the missing sub-range of the
// requested window. A side the cache already covers falls back to the cached
// bound on that side, so only the gap is fetched instead of the full window.
func fetchWindow(series *models.MSeries, need store.Need, start, end time.Time) (time.Time, time.Time) {
	queryStart, queryEnd := start, end
	if need.Start == nil && !series.Empty() {
		queryStart = time.Unix(series.LastTimestamp(), 0).UTC()
	}
	if need.End == nil && !series.Empty() {
		queryEnd = time.Unix(series.FirstTimestamp(), 0).UTC()
	}
	return queryStart, queryEnd
}

// -----------------------------------------------------------------------------

// metadataFor finds the catalog entry for one instrument; nil when the
// catalog is unavailable, responses are still usable without labels.
func (s *Server) metadataFor(g *provider.Gateway, name string) *models.MInstrumentMetadata {
	ds, err := g.Dataset()
	if err != nil {
		return nil
	}
	for _, d := range ds {
		if d.Name == name {
			return &models.MInstrumentMetadata{
				NameLabel: d.NameLabel,
				Type:      d.Type,
				Outputs:   d.Outputs,
			}
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Indicators
// -----------------------------------------------------------------------------

func (s *Server) handleIndicator(client *Client, m models.MIndicatorRequest) {
	sub := &models.MIndicatorSubscription{
		ID:        m.ID,
		Indicator: m.Indicator,
		Inputs:    m.Inputs,
		DataMap:   m.DataMap,
		UpdateOn:  normalizeUpdateOn(m.UpdateOn),
	}

	rows, err := s.computeIndicator(sub, m.Range, normalizeCount(m.Count))
	if errors.Is(err, fetcher.ErrQueueFull) {
		client.Send(models.NewNotification("Server busy, try again later"))
		return
	}
	if err != nil {
		s.Logger.Info("Indicator %s failed: %v", m.ID, err)
		client.Send(models.NewNoData(m.ID))
		return
	}

	client.Send(models.MIndicatorResponse{
		Type: "indicator_init",
		ID:   m.ID,
		Data: indicator.PrefixOutputs(m.ID, rows),
	})

	if m.Stream == nil || *m.Stream {
		s.Registry.AddIndicatorSubscription(client.id, sub)
	}
}

// -----------------------------------------------------------------------------

func (s *Server) handleIndicatorHistory(client *Client, m models.MIndicatorHistoryRequest) {
	sub := &models.MIndicatorSubscription{
		ID:        m.ID,
		Indicator: m.Indicator,
		Inputs:    m.Inputs,
		DataMap:   m.DataMap,
	}

	rows, err := s.computeIndicator(sub, m.Range, normalizeCount(m.Count))
	if errors.Is(err, fetcher.ErrQueueFull) {
		client.Send(models.NewNotification("Server busy, try again later"))
		return
	}
	if err != nil {
		s.Logger.Info("Indicator history %s failed: %v", m.ID, err)
		client.Send(models.NewNoData(m.ID))
		return
	}

	client.Send(models.MIndicatorResponse{
		Type: "indicator_history",
		ID:   m.ID,
		Data: indicator.PrefixOutputs(m.ID, rows),
	})
}

// -----------------------------------------------------------------------------

// computeIndicator runs one evaluation on the worker pool and waits for it,
// so heavy recomputation is capped regardless of connection count.
func (s *Server) computeIndicator(sub *models.MIndicatorSubscription, rangeSpec []string, count int) ([]models.MRow, error) {
	type result struct {
		rows []models.MRow
		err  error
	}
	done := make(chan result, 1)

	if err := s.Pool.Submit(func() {
		rows, err := indicator.Evaluate(s.Indicators, sub, s.Store.Get)
		done <- result{rows: rows, err: err}
	}); err != nil {
		return nil, err
	}

	res := <-done
	if res.err != nil {
		return nil, res.err
	}

	rows := res.rows
	if len(rangeSpec) > 0 {
		start, err := models.ParseDate(rangeSpec[0])
		if err != nil {
			return nil, fmt.Errorf("bad range start %q: %w", rangeSpec[0], err)
		}
		kept := rows[:0]
		for _, row := range rows {
			if row.Timestamp >= start {
				kept = append(kept, row)
			}
		}
		rows = kept
	} else if count > 0 && len(rows) > count {
		rows = rows[len(rows)-count:]
	}
	return rows, nil
}

// -----------------------------------------------------------------------------
// Unsubscribe
// -----------------------------------------------------------------------------

func (s *Server) handleUnsubscribe(client *Client, m models.MUnsubscribeRequest) {
	if m.ID != "" {
		s.Registry.RemoveIndicatorSubscription(client.id, m.ID)
	}

	if m.Source != "" && m.Name != "" && m.Interval != "" {
		key := models.MSeriesKey{Source: m.Source, Name: m.Name, Interval: m.Interval}
		if last := s.Registry.RemoveDataSubscription(client.id, key); last {
			if g, ok := s.gateways[key.Source]; ok {
				g.Release(key.Name, key.Interval)
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// normalizeCount floors the requested point count so short requests still
// warm the cache with a useful window.
func normalizeCount(count int) int {
	if count < defaultCount {
		return defaultCount
	}
	return count
}

func normalizeUpdateOn(policy string) string {
	if policy == models.UpdateCloseOnly {
		return models.UpdateCloseOnly
	}
	return models.UpdateEveryTick
}
