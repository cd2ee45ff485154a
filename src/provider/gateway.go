package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tradiny/tradiny/src/helpers"
	"github.com/tradiny/tradiny/src/interfaces"
	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------
// Gateway Events
// -----------------------------------------------------------------------------

type EventKind int

const (
	EventTick EventKind = iota
	EventHistory
)

// Event is the gateway's only output. Ticks and completed history fetches
// flow through one channel so the dispatcher stays the single writer into
// the cache.
type Event struct {
	Kind EventKind
	Key  models.MSeriesKey

	// tick
	Row models.MRow

	// history
	Fingerprint string
	Rows        []models.MRow
	Err         error
}

// -----------------------------------------------------------------------------

type streamKey struct {
	name     string
	interval string
}

type historyRequest struct {
	fingerprint string
	name        string
	interval    string
	start       time.Time
	end         time.Time
	count       int
}

// streamState tracks the vendor-imposed lifecycle of one upstream stream.
type streamState struct {
	refs      int
	streaming bool
	startedAt time.Time
	stoppedAt time.Time
	lastTick  time.Time
	deferred  bool
}

// -----------------------------------------------------------------------------
// Gateway
// -----------------------------------------------------------------------------

// Gateway owns one ProviderBackend: it reference-counts stream interest,
// enforces the vendor's start and stop cool-downs, restarts silent streams
// and runs history fetches on a bounded worker pool. All its output goes
// through Events.
type Gateway struct {
	Backend interfaces.ProviderBackend
	Logger  *logger.Logger

	startCooldown time.Duration
	stopCooldown  time.Duration
	noActivity    time.Duration

	events   chan Event
	requests chan historyRequest
	workers  int

	mu      sync.Mutex
	streams map[streamKey]*streamState
	dataset []models.MInstrumentDescriptor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time

	// after schedules a callback; swapped in tests to run synchronously.
	after func(d time.Duration, fn func())
}

// -----------------------------------------------------------------------------

func NewGateway(backend interfaces.ProviderBackend, streaming models.MStreamingConfig, historyWorkers int, log *logger.Logger) *Gateway {
	outstanding := streaming.MaxOutstandingRequests
	if outstanding < 1 {
		outstanding = 1
	}
	workers := historyWorkers
	if workers < 1 {
		workers = 1
	}

	return &Gateway{
		Backend:       backend,
		Logger:        log,
		startCooldown: time.Duration(streaming.StartCooldownSeconds) * time.Second,
		stopCooldown:  time.Duration(streaming.StopCooldownSeconds) * time.Second,
		noActivity:    time.Duration(streaming.NoActivitySeconds) * time.Second,
		events:        make(chan Event, 1024),
		requests:      make(chan historyRequest, outstanding),
		workers:       workers,
		streams:       make(map[streamKey]*streamState),
		now:           time.Now,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
	}
}

// -----------------------------------------------------------------------------

// Run initializes the backend and starts the history workers. Blocks only
// for Init; the workers live until ctx is cancelled or Close is called.
func (g *Gateway) Run(ctx context.Context) error {
	g.ctx, g.cancel = context.WithCancel(ctx)

	if err := g.Backend.Init(); err != nil {
		return helpers.NewProviderUnavailable(g.Backend.Key(), err)
	}

	for i := 0; i < g.workers; i++ {
		g.wg.Add(1)
		go g.historyWorker()
	}
	g.Logger.Info("Gateway %s running with %d history workers", g.Backend.Key(), g.workers)
	return nil
}

// -----------------------------------------------------------------------------

func (g *Gateway) Events() <-chan Event {
	return g.events
}

// -----------------------------------------------------------------------------

func (g *Gateway) Key() string {
	return g.Backend.Key()
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// RequestHistory enqueues one history fetch. Fails immediately when the
// outstanding-request budget is exhausted; the caller reports back to the
// client instead of queueing without bound.
func (g *Gateway) RequestHistory(fingerprint, name, interval string, start, end time.Time, count int) error {
	req := historyRequest{
		fingerprint: fingerprint,
		name:        name,
		interval:    interval,
		start:       start,
		end:         end,
		count:       count,
	}
	select {
	case g.requests <- req:
		return nil
	default:
		return fmt.Errorf("provider %s: too many outstanding requests", g.Backend.Key())
	}
}

// -----------------------------------------------------------------------------

func (g *Gateway) historyWorker() {
	defer g.wg.Done()
	for {
		select {
		case <-g.ctx.Done():
			return
		case req := <-g.requests:
			var rows []models.MRow
			err := helpers.RetryWithBackoff(3, 500*time.Millisecond, func() error {
				var fetchErr error
				rows, fetchErr = g.Backend.GetHistory(req.name, req.interval, req.start, req.end, req.count)
				return fetchErr
			})
			if err != nil {
				g.Logger.Error("History fetch %s %s %s failed: %v", g.Backend.Key(), req.name, req.interval, err)
				err = helpers.NewProviderUnavailable(g.Backend.Key(), err)
			}
			g.emit(Event{
				Kind:        EventHistory,
				Key:         models.MSeriesKey{Source: g.Backend.Key(), Name: req.name, Interval: req.interval},
				Fingerprint: req.fingerprint,
				Rows:        rows,
				Err:         err,
			})
		}
	}
}

// -----------------------------------------------------------------------------

// emit blocks until the dispatcher drains the event or the gateway shuts
// down; the events buffer absorbs bursts.
func (g *Gateway) emit(ev Event) {
	select {
	case g.events <- ev:
	case <-g.ctx.Done():
	}
}

// -----------------------------------------------------------------------------
// Stream Interest
// -----------------------------------------------------------------------------

// Acquire registers interest in one stream. The first acquisition starts
// the vendor stream, deferred when the stream was stopped inside the start
// cool-down window.
func (g *Gateway) Acquire(name, interval string) {
	key := streamKey{name: name, interval: interval}

	g.mu.Lock()
	st := g.stateLocked(key)
	st.refs++
	if st.refs > 1 || st.streaming {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.tryStart(key)
}

// -----------------------------------------------------------------------------

// tryStart starts the vendor stream, or schedules itself when the stream
// was stopped too recently for the vendor to accept a restart.
func (g *Gateway) tryStart(key streamKey) {
	g.mu.Lock()
	st := g.stateLocked(key)
	if st.refs == 0 || st.streaming {
		st.deferred = false
		g.mu.Unlock()
		return
	}

	if !st.stoppedAt.IsZero() {
		since := g.now().Sub(st.stoppedAt)
		if since < g.startCooldown {
			if !st.deferred {
				st.deferred = true
				delay := g.startCooldown - since
				g.mu.Unlock()
				g.Logger.Info("Stream %s %s %s inside start cool-down, retrying in %v",
					g.Backend.Key(), key.name, key.interval, delay)
				g.after(delay, func() { g.tryStart(key) })
				return
			}
			g.mu.Unlock()
			return
		}
		st.stoppedAt = time.Time{}
	}

	st.streaming = true
	st.deferred = false
	st.startedAt = g.now()
	st.lastTick = st.startedAt
	g.mu.Unlock()

	seriesKey := models.MSeriesKey{Source: g.Backend.Key(), Name: key.name, Interval: key.interval}
	err := g.Backend.StartStream(key.name, key.interval, func(row models.MRow) {
		g.recordTick(key)
		g.emit(Event{Kind: EventTick, Key: seriesKey, Row: row})
	})
	if err != nil {
		g.Logger.Error("Failed to start stream %s %s %s: %v", g.Backend.Key(), key.name, key.interval, err)
		g.mu.Lock()
		st.streaming = false
		g.mu.Unlock()
		return
	}
	g.Logger.Info("Started stream %s %s %s", g.Backend.Key(), key.name, key.interval)
}

// -----------------------------------------------------------------------------

// Release drops one reference. When the count reaches zero the stop is
// scheduled so the stream keeps its vendor-required minimum runtime; a
// re-acquisition before the timer fires keeps it alive.
func (g *Gateway) Release(name, interval string) {
	key := streamKey{name: name, interval: interval}

	g.mu.Lock()
	st := g.stateLocked(key)
	if st.refs > 0 {
		st.refs--
	}
	if st.refs > 0 || !st.streaming {
		g.mu.Unlock()
		return
	}

	remaining := g.stopCooldown - g.now().Sub(st.startedAt)
	g.mu.Unlock()

	if remaining <= 0 {
		g.stopIfIdle(key)
		return
	}
	g.Logger.Info("Stream %s %s %s idle, scheduled stop in %v", g.Backend.Key(), key.name, key.interval, remaining)
	g.after(remaining, func() { g.stopIfIdle(key) })
}

// -----------------------------------------------------------------------------

// stopIfIdle stops the stream unless interest returned while the stop was
// pending.
func (g *Gateway) stopIfIdle(key streamKey) {
	g.mu.Lock()
	st := g.stateLocked(key)
	if st.refs > 0 || !st.streaming {
		g.mu.Unlock()
		return
	}
	st.streaming = false
	st.stoppedAt = g.now()
	g.mu.Unlock()

	if err := g.Backend.StopStream(key.name, key.interval); err != nil {
		g.Logger.Error("Failed to stop stream %s %s %s: %v", g.Backend.Key(), key.name, key.interval, err)
	}
	g.Logger.Info("Stopped stream %s %s %s", g.Backend.Key(), key.name, key.interval)
}

// -----------------------------------------------------------------------------

func (g *Gateway) recordTick(key streamKey) {
	g.mu.Lock()
	g.stateLocked(key).lastTick = g.now()
	g.mu.Unlock()
}

// -----------------------------------------------------------------------------

// ProbeActivity restarts streams that stayed silent past the no-activity
// window. Streams the backend reports as silent by design, such as a poll
// loop outside trading hours, are left alone. Called by the periodic sweep.
func (g *Gateway) ProbeActivity() {
	now := g.now()
	quiet, _ := g.Backend.(interfaces.SilenceAware)

	g.mu.Lock()
	var silent []streamKey
	for key, st := range g.streams {
		if st.streaming && now.Sub(st.lastTick) > g.noActivity {
			silent = append(silent, key)
		}
	}
	g.mu.Unlock()

	for _, key := range silent {
		if quiet != nil && quiet.ExpectsSilence(key.name, key.interval) {
			// Push lastTick forward so the stream gets a full no-activity
			// window once the silence ends.
			g.mu.Lock()
			g.stateLocked(key).lastTick = now
			g.mu.Unlock()
			continue
		}
		g.Logger.Warning("No update for %s %s %s, restarting stream", g.Backend.Key(), key.name, key.interval)
		g.restart(key)
	}
}

// -----------------------------------------------------------------------------

func (g *Gateway) restart(key streamKey) {
	g.mu.Lock()
	st := g.stateLocked(key)
	if !st.streaming {
		g.mu.Unlock()
		return
	}
	st.streaming = false
	st.stoppedAt = g.now()
	g.mu.Unlock()

	if err := g.Backend.StopStream(key.name, key.interval); err != nil {
		g.Logger.Error("Failed to stop stream %s %s %s: %v", g.Backend.Key(), key.name, key.interval, err)
	}
	g.tryStart(key)
}

// -----------------------------------------------------------------------------

// RefCount is exposed for the periodic sweep and diagnostics.
func (g *Gateway) RefCount(name, interval string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.streams[streamKey{name: name, interval: interval}]; ok {
		return st.refs
	}
	return 0
}

// -----------------------------------------------------------------------------

func (g *Gateway) stateLocked(key streamKey) *streamState {
	st, ok := g.streams[key]
	if !ok {
		st = &streamState{}
		g.streams[key] = st
	}
	return st
}

// -----------------------------------------------------------------------------
// Catalog
// -----------------------------------------------------------------------------

// Dataset returns the provider catalog, fetched once and cached.
func (g *Gateway) Dataset() ([]models.MInstrumentDescriptor, error) {
	g.mu.Lock()
	if g.dataset != nil {
		ds := g.dataset
		g.mu.Unlock()
		return ds, nil
	}
	g.mu.Unlock()

	ds, err := g.Backend.GetDataset()
	if err != nil {
		return nil, helpers.NewProviderUnavailable(g.Backend.Key(), err)
	}

	g.mu.Lock()
	g.dataset = ds
	g.mu.Unlock()
	return ds, nil
}

// -----------------------------------------------------------------------------

func (g *Gateway) Close() {
	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	if err := g.Backend.Close(); err != nil {
		g.Logger.Error("Backend %s close: %v", g.Backend.Key(), err)
	}
}
