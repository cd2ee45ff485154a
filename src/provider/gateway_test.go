package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tradiny/tradiny/src/interfaces"
	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------

type fakeBackend struct {
	mu       sync.Mutex
	started  map[streamKey]int
	stopped  map[streamKey]int
	active   map[streamKey]func(models.MRow)
	history  []models.MRow
	histErr  error
	histWait chan struct{}
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		started: make(map[streamKey]int),
		stopped: make(map[streamKey]int),
		active:  make(map[streamKey]func(models.MRow)),
	}
}

func (f *fakeBackend) Key() string { return "Fake" }
func (f *fakeBackend) Init() error { return nil }
func (f *fakeBackend) GetDataset() ([]models.MInstrumentDescriptor, error) {
	return []models.MInstrumentDescriptor{{Source: "Fake", Name: "BTCUSDT"}}, nil
}

func (f *fakeBackend) GetHistory(name, interval string, start, end time.Time, count int) ([]models.MRow, error) {
	if f.histWait != nil {
		<-f.histWait
	}
	return f.history, f.histErr
}

func (f *fakeBackend) StartStream(name, interval string, onRow func(models.MRow)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := streamKey{name: name, interval: interval}
	f.started[key]++
	f.active[key] = onRow
	return nil
}

func (f *fakeBackend) StopStream(name, interval string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := streamKey{name: name, interval: interval}
	f.stopped[key]++
	delete(f.active, key)
	return nil
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) startCount(key streamKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[key]
}

func (f *fakeBackend) stopCount(key streamKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[key]
}

// -----------------------------------------------------------------------------

func newTestGateway(t *testing.T, backend interfaces.ProviderBackend) (*Gateway, *time.Time) {
	t.Helper()

	g := NewGateway(backend, models.MStreamingConfig{
		StartCooldownSeconds:   5,
		StopCooldownSeconds:    300,
		NoActivitySeconds:      60,
		MaxOutstandingRequests: 2,
	}, 1, logger.NewLogger("ERROR", "gateway-test"))

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	// Deferred callbacks run inline after advancing the clock.
	g.after = func(d time.Duration, fn func()) {
		now = now.Add(d)
		fn()
	}

	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	t.Cleanup(g.Close)
	return g, &now
}

// -----------------------------------------------------------------------------

func TestAcquireStartsStreamOnce(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)
	key := streamKey{name: "BTCUSDT", interval: "1m"}

	g.Acquire("BTCUSDT", "1m")
	g.Acquire("BTCUSDT", "1m")
	g.Acquire("BTCUSDT", "1m")

	if got := backend.startCount(key); got != 1 {
		t.Fatalf("StartStream called %d times, want 1", got)
	}
	if got := g.RefCount("BTCUSDT", "1m"); got != 3 {
		t.Fatalf("RefCount = %d, want 3", got)
	}
}

func TestReleaseStopsAfterCooldown(t *testing.T) {
	backend := newFakeBackend()
	g, now := newTestGateway(t, backend)
	key := streamKey{name: "BTCUSDT", interval: "1m"}

	g.Acquire("BTCUSDT", "1m")
	// The stream just started, so the stop must wait out the minimum
	// runtime; the test clock advances inside g.after.
	g.Release("BTCUSDT", "1m")

	if got := backend.stopCount(key); got != 1 {
		t.Fatalf("StopStream called %d times, want 1", got)
	}
	if now.Sub(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)) < 300*time.Second {
		t.Fatalf("stop fired before the cool-down elapsed")
	}
}

func TestReacquireCancelsScheduledStop(t *testing.T) {
	fb := newFakeBackend()
	g := NewGateway(fb, models.MStreamingConfig{
		StartCooldownSeconds:   5,
		StopCooldownSeconds:    300,
		NoActivitySeconds:      60,
		MaxOutstandingRequests: 2,
	}, 1, logger.NewLogger("ERROR", "gateway-test"))
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	var pending []func()
	g.after = func(d time.Duration, fn func()) { pending = append(pending, fn) }

	if err := g.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	defer g.Close()

	key := streamKey{name: "BTCUSDT", interval: "1m"}
	g.Acquire("BTCUSDT", "1m")
	g.Release("BTCUSDT", "1m")
	g.Acquire("BTCUSDT", "1m")

	// Fire the scheduled stop; interest returned, so it must be a no-op.
	for _, fn := range pending {
		fn()
	}
	if got := fb.stopCount(key); got != 0 {
		t.Fatalf("StopStream called %d times, want 0 after re-acquire", got)
	}
	if got := fb.startCount(key); got != 1 {
		t.Fatalf("StartStream called %d times, want 1 (still running)", got)
	}
}

func TestStartCooldownDefersRestart(t *testing.T) {
	backend := newFakeBackend()
	g, now := newTestGateway(t, backend)
	key := streamKey{name: "BTCUSDT", interval: "1m"}

	g.Acquire("BTCUSDT", "1m")
	g.Release("BTCUSDT", "1m") // advances clock past stop cool-down, stops

	stopTime := *now
	// Re-acquire immediately after the stop: inside the 5s start window,
	// so the start is deferred and the injected clock jumps forward.
	g.Acquire("BTCUSDT", "1m")

	if got := backend.startCount(key); got != 2 {
		t.Fatalf("StartStream called %d times, want 2", got)
	}
	if now.Sub(stopTime) < 5*time.Second {
		t.Fatalf("restart fired inside the start cool-down window")
	}
}

func TestTicksFlowThroughEvents(t *testing.T) {
	backend := newFakeBackend()
	g, _ := newTestGateway(t, backend)
	key := streamKey{name: "BTCUSDT", interval: "1m"}

	g.Acquire("BTCUSDT", "1m")

	backend.mu.Lock()
	onRow := backend.active[key]
	backend.mu.Unlock()
	if onRow == nil {
		t.Fatalf("stream callback not registered")
	}

	row := models.MRow{Timestamp: 1717243200, Fields: map[string]float64{"Fake-BTCUSDT-1m-close": 42}}
	go onRow(row)

	select {
	case ev := <-g.Events():
		if ev.Kind != EventTick {
			t.Fatalf("event kind = %v, want EventTick", ev.Kind)
		}
		if ev.Key != (models.MSeriesKey{Source: "Fake", Name: "BTCUSDT", Interval: "1m"}) {
			t.Fatalf("unexpected key %v", ev.Key)
		}
		if ev.Row.Timestamp != row.Timestamp {
			t.Fatalf("row timestamp = %d, want %d", ev.Row.Timestamp, row.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatalf("no tick event received")
	}
}

func TestHistoryRequestEmitsEvent(t *testing.T) {
	backend := newFakeBackend()
	backend.history = []models.MRow{{Timestamp: 1717243200, Fields: map[string]float64{"x": 1}}}
	g, _ := newTestGateway(t, backend)

	if err := g.RequestHistory("fp-1", "BTCUSDT", "1m", time.Time{}, time.Time{}, 300); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}

	select {
	case ev := <-g.Events():
		if ev.Kind != EventHistory || ev.Fingerprint != "fp-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
		if len(ev.Rows) != 1 || ev.Err != nil {
			t.Fatalf("rows=%d err=%v, want 1 row and no error", len(ev.Rows), ev.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no history event received")
	}
}

func TestHistoryBackpressure(t *testing.T) {
	backend := newFakeBackend()
	backend.histWait = make(chan struct{})
	g, _ := newTestGateway(t, backend)

	// One worker blocked on histWait and two queued slots; submitting well
	// past the budget must hit a rejection.
	rejected := false
	for i := 0; i < 10; i++ {
		if err := g.RequestHistory("fp", "BTCUSDT", "1m", time.Time{}, time.Time{}, 300); err != nil {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatalf("RequestHistory never rejected past the outstanding budget")
	}
	close(backend.histWait)
}

type quietBackend struct {
	*fakeBackend
	quiet bool
}

func (q *quietBackend) ExpectsSilence(name, interval string) bool { return q.quiet }

func TestProbeRestartsSilentStream(t *testing.T) {
	backend := newFakeBackend()
	g, now := newTestGateway(t, backend)
	key := streamKey{name: "BTCUSDT", interval: "1m"}

	g.Acquire("BTCUSDT", "1m")
	*now = now.Add(61 * time.Second)
	g.ProbeActivity()

	if got := backend.stopCount(key); got != 1 {
		t.Fatalf("StopStream called %d times, want 1", got)
	}
	if got := backend.startCount(key); got != 2 {
		t.Fatalf("StartStream called %d times, want 2 (restart)", got)
	}
}

func TestProbeSkipsExpectedSilence(t *testing.T) {
	backend := &quietBackend{fakeBackend: newFakeBackend(), quiet: true}
	g, now := newTestGateway(t, backend)
	key := streamKey{name: "AAPL", interval: "1m"}

	g.Acquire("AAPL", "1m")
	*now = now.Add(61 * time.Second)
	g.ProbeActivity()

	// Quiet by design, e.g. the market is closed; the stream stays up.
	if got := backend.stopCount(key); got != 0 {
		t.Fatalf("StopStream called %d times, want 0 while silence is expected", got)
	}
	if got := backend.startCount(key); got != 1 {
		t.Fatalf("StartStream called %d times, want 1 while silence is expected", got)
	}

	// Silence ends; the stream gets a fresh no-activity window before the
	// probe may restart it.
	backend.quiet = false
	g.ProbeActivity()
	if got := backend.stopCount(key); got != 0 {
		t.Fatalf("stream restarted immediately after silence ended")
	}

	*now = now.Add(61 * time.Second)
	g.ProbeActivity()
	if got := backend.stopCount(key); got != 1 {
		t.Fatalf("StopStream called %d times, want 1 once real silence exceeds the window", got)
	}
}

func TestHistoryErrorPropagates(t *testing.T) {
	backend := newFakeBackend()
	backend.histErr = errors.New("boom")
	g, _ := newTestGateway(t, backend)

	if err := g.RequestHistory("fp-err", "BTCUSDT", "1m", time.Time{}, time.Time{}, 300); err != nil {
		t.Fatalf("RequestHistory: %v", err)
	}

	select {
	case ev := <-g.Events():
		if ev.Err == nil {
			t.Fatalf("expected error on history event")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no history event received")
	}
}
