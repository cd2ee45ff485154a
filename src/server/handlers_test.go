package server

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tradiny/tradiny/src/coalesce"
	"github.com/tradiny/tradiny/src/dispatch"
	"github.com/tradiny/tradiny/src/fetcher"
	"github.com/tradiny/tradiny/src/indicator"
	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
	"github.com/tradiny/tradiny/src/provider"
	"github.com/tradiny/tradiny/src/registry"
	"github.com/tradiny/tradiny/src/store"
)

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func testServer(t *testing.T, limits models.MLimitsConfig) *Server {
	t.Helper()
	log := logger.NewLogger("CRITICAL", "test")
	cfg := &models.MConfig{
		Name:   "test",
		Host:   "127.0.0.1",
		Port:   9000,
		Limits: limits,
	}

	st := store.NewLocalStore(time.Hour, log)
	pool := fetcher.NewPool(1, 16, log)
	t.Cleanup(pool.Close)

	return NewServer(cfg, st, registry.NewRegistry(log), coalesce.NewCoalescer(false),
		indicator.NewRegistry(), pool, nil, log)
}

// testClient is a Client without a live websocket; only the send queue is
// exercised.
func testClient(s *Server) *Client {
	return &Client{
		id:   "t-1",
		ip:   "10.0.0.1",
		hub:  s,
		send: make(chan interface{}, 16),
	}
}

func nextMessage(t *testing.T, c *Client) interface{} {
	t.Helper()
	select {
	case v := <-c.send:
		return v
	case <-time.After(time.Second):
		t.Fatal("no message queued for client")
		return nil
	}
}

func storeRows(s *Server, key models.MSeriesKey, closes ...float64) {
	field := fmt.Sprintf("%s-%s-%s-close", key.Source, key.Name, key.Interval)
	rows := make([]models.MRow, 0, len(closes))
	for i, v := range closes {
		rows = append(rows, models.MRow{
			Timestamp: int64((i + 1) * 60),
			Fields:    map[string]float64{field: v},
		})
	}
	s.Store.Merge(key, rows)
}

// -----------------------------------------------------------------------------

type historyCall struct {
	start time.Time
	end   time.Time
	count int
}

// recordingBackend is a vendor stub capturing GetHistory arguments; onHistory
// runs on the gateway worker at fetch time so tests can observe server state
// while a fetch is in flight.
type recordingBackend struct {
	mu        sync.Mutex
	calls     []historyCall
	rows      []models.MRow
	onHistory func()
}

func (b *recordingBackend) Key() string { return "Binance" }
func (b *recordingBackend) Init() error { return nil }

func (b *recordingBackend) GetDataset() ([]models.MInstrumentDescriptor, error) {
	return []models.MInstrumentDescriptor{{Source: "Binance", Name: "BTCUSDT"}}, nil
}

func (b *recordingBackend) GetHistory(name, interval string, start, end time.Time, count int) ([]models.MRow, error) {
	b.mu.Lock()
	b.calls = append(b.calls, historyCall{start: start, end: end, count: count})
	b.mu.Unlock()
	if b.onHistory != nil {
		b.onHistory()
	}
	return b.rows, nil
}

func (b *recordingBackend) StartStream(name, interval string, onRow func(models.MRow)) error {
	return nil
}
func (b *recordingBackend) StopStream(name, interval string) error { return nil }
func (b *recordingBackend) Close() error                           { return nil }

func (b *recordingBackend) history() []historyCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]historyCall(nil), b.calls...)
}

// testServerWithGateway wires a real gateway and dispatcher around the stub
// backend so data requests run the full fetch path.
func testServerWithGateway(t *testing.T, backend *recordingBackend) *Server {
	t.Helper()
	log := logger.NewLogger("CRITICAL", "test")
	cfg := &models.MConfig{Name: "test", Host: "127.0.0.1", Port: 9000}

	st := store.NewLocalStore(time.Hour, log)
	reg := registry.NewRegistry(log)
	co := coalesce.NewCoalescer(false)
	ind := indicator.NewRegistry()
	pool := fetcher.NewPool(1, 16, log)
	t.Cleanup(pool.Close)

	g := provider.NewGateway(backend, models.MStreamingConfig{
		StartCooldownSeconds:   1,
		StopCooldownSeconds:    1,
		NoActivitySeconds:      60,
		MaxOutstandingRequests: 4,
	}, 1, log)
	ctx, cancel := context.WithCancel(context.Background())
	if err := g.Run(ctx); err != nil {
		t.Fatalf("gateway Run: %v", err)
	}

	d := dispatch.NewDispatcher(st, reg, co, ind, pool, []*provider.Gateway{g}, log)
	d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		d.Close()
		g.Close()
	})

	return NewServer(cfg, st, reg, co, ind, pool, []*provider.Gateway{g}, log)
}

// -----------------------------------------------------------------------------
// Message dispatch
// -----------------------------------------------------------------------------

func TestMalformedMessageGetsNotification(t *testing.T) {
	s := testServer(t, models.MLimitsConfig{})
	c := testClient(s)

	s.HandleClientMessage(c, []byte("{not json"))

	msg, ok := nextMessage(t, c).(models.MNotification)
	if !ok {
		t.Fatalf("expected notification, got %T", msg)
	}
}

func TestRateLimitRefusal(t *testing.T) {
	s := testServer(t, models.MLimitsConfig{MaxRequestsPerIPPerHour: 1})
	c := testClient(s)

	s.HandleClientMessage(c, []byte(`{"type":"unsubscribe","id":"x"}`))
	s.HandleClientMessage(c, []byte(`{"type":"unsubscribe","id":"x"}`))

	msg, ok := nextMessage(t, c).(models.MNotification)
	if !ok {
		t.Fatalf("expected notification, got %T", msg)
	}
	if msg.Message == "" {
		t.Fatal("refusal notification must carry text")
	}
}

func TestUnknownSourceGetsNotification(t *testing.T) {
	s := testServer(t, models.MLimitsConfig{})
	c := testClient(s)

	s.HandleClientMessage(c, []byte(`{"type":"data","source":"Nowhere","name":"X","interval":"1m"}`))

	if _, ok := nextMessage(t, c).(models.MNotification); !ok {
		t.Fatal("unknown source must produce a notification")
	}
}

// -----------------------------------------------------------------------------
// Data
// -----------------------------------------------------------------------------

func TestDataRequestSubscribesBeforeFetch(t *testing.T) {
	backend := &recordingBackend{rows: []models.MRow{{
		Timestamp: time.Now().UTC().Truncate(time.Minute).Unix(),
		Fields:    map[string]float64{"Binance-BTCUSDT-1m-close": 100},
	}}}
	s := testServerWithGateway(t, backend)
	c := testClient(s)
	s.Registry.Register(c)
	key := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}

	subscribed := make(chan bool, 1)
	backend.onHistory = func() {
		subscribed <- s.Registry.HasDataSubscription(c.id, key)
	}

	s.HandleClientMessage(c, []byte(`{"type":"data","source":"Binance","name":"BTCUSDT","interval":"1m","count":300}`))

	// Ticks can arrive while the history fetch is still in flight; the
	// subscription must already exist by then or they are lost.
	select {
	case ok := <-subscribed:
		if !ok {
			t.Fatal("client not subscribed while the history fetch was in flight")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("history fetch never reached the backend")
	}

	resp, ok := nextMessage(t, c).(models.MDataResponse)
	if !ok || resp.Type != "data_init" {
		t.Fatalf("expected data_init, got %#v", resp)
	}
}

func TestLiveFetchBoundedToMissingTail(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Minute)
	cachedLast := now.Add(-10 * time.Minute)
	field := "Binance-BTCUSDT-1m-close"

	backend := &recordingBackend{rows: []models.MRow{{
		Timestamp: now.Unix(),
		Fields:    map[string]float64{field: 101},
	}}}
	s := testServerWithGateway(t, backend)
	c := testClient(s)
	s.Registry.Register(c)

	key := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}
	// Cache reaches back past any lookback window but stops ten minutes ago,
	// so only the newer tail is missing.
	s.Store.Merge(key, []models.MRow{
		{Timestamp: 60, Fields: map[string]float64{field: 99}},
		{Timestamp: cachedLast.Unix(), Fields: map[string]float64{field: 100}},
	})

	s.HandleClientMessage(c, []byte(`{"type":"data","source":"Binance","name":"BTCUSDT","interval":"1m","count":300,"stream":false}`))

	calls := backend.history()
	if len(calls) != 1 {
		t.Fatalf("expected one history fetch, got %d", len(calls))
	}
	if !calls[0].start.Equal(cachedLast) {
		t.Fatalf("fetch start = %v, want last cached %v", calls[0].start, cachedLast)
	}
	if !calls[0].end.IsZero() {
		t.Fatalf("live fetch end = %v, want zero (now)", calls[0].end)
	}
	if _, ok := nextMessage(t, c).(models.MDataResponse); !ok {
		t.Fatal("expected data_init")
	}
}

func TestFetchWindowFallsBackToCachedBounds(t *testing.T) {
	series := &models.MSeries{Rows: []models.MRow{{Timestamp: 600}, {Timestamp: 1200}}}
	winStart := time.Unix(0, 0).UTC()
	winEnd := time.Unix(1800, 0).UTC()
	mid := time.Unix(900, 0).UTC()

	// Newer tail only: the start side is cached, fetch from the last row.
	need := store.DetermineNeeds(series, mid, winEnd)
	qs, qe := fetchWindow(series, need, mid, winEnd)
	if qs.Unix() != 1200 || !qe.Equal(winEnd) {
		t.Fatalf("newer tail window = [%v, %v], want [1200, %v]", qs, qe, winEnd)
	}

	// Older tail only: the end side is cached, fetch up to the first row.
	need = store.DetermineNeeds(series, winStart, mid)
	qs, qe = fetchWindow(series, need, winStart, mid)
	if !qs.Equal(winStart) || qe.Unix() != 600 {
		t.Fatalf("older tail window = [%v, %v], want [%v, 600]", qs, qe, winStart)
	}

	// Empty cache: the full window is needed.
	empty := &models.MSeries{}
	need = store.DetermineNeeds(empty, winStart, winEnd)
	qs, qe = fetchWindow(empty, need, winStart, winEnd)
	if !qs.Equal(winStart) || !qe.Equal(winEnd) {
		t.Fatalf("empty cache window = [%v, %v], want the full window", qs, qe)
	}
}

// -----------------------------------------------------------------------------
// Indicators
// -----------------------------------------------------------------------------

func indicatorRequest(id string) []byte {
	return []byte(fmt.Sprintf(`{
		"type": "indicator",
		"id": %q,
		"indicator": "sma",
		"inputs": {"period": 3},
		"count": 10,
		"stream": true,
		"dataMap": {
			"close": {"source": "Binance", "name": "BTCUSDT", "interval": "1m", "value": "Binance-BTCUSDT-1m-close"}
		}
	}`, id))
}

func TestIndicatorMissingDependencyRepliesNoData(t *testing.T) {
	s := testServer(t, models.MLimitsConfig{})
	c := testClient(s)

	s.HandleClientMessage(c, indicatorRequest("i-1"))

	msg, ok := nextMessage(t, c).(models.MNoData)
	if !ok {
		t.Fatalf("expected no_data, got %T", msg)
	}
	if msg.ID != "i-1" {
		t.Fatalf("no_data carries id %q, want i-1", msg.ID)
	}
}

func TestIndicatorInitComputesAndSubscribes(t *testing.T) {
	s := testServer(t, models.MLimitsConfig{})
	c := testClient(s)
	key := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}
	storeRows(s, key, 1, 2, 3, 4, 5)

	s.Registry.Register(c)
	s.HandleClientMessage(c, indicatorRequest("i-2"))

	msg, ok := nextMessage(t, c).(models.MIndicatorResponse)
	if !ok {
		t.Fatalf("expected indicator response, got %T", msg)
	}
	if msg.Type != "indicator_init" || msg.ID != "i-2" {
		t.Fatalf("unexpected response header: %+v", msg)
	}

	rows, ok := msg.Data.([]models.MRow)
	if !ok {
		t.Fatalf("expected []MRow payload, got %T", msg.Data)
	}
	// 5 closes with period 3 leave 3 defined rows; the first is mean(1,2,3).
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if got := rows[0].Fields["i-2-sma"]; got != 2 {
		t.Fatalf("first sma = %v, want 2", got)
	}

	// Stream was requested; the dependency must be indexed for recompute.
	if got := len(s.Registry.IndicatorsDependingOn(key)); got != 1 {
		t.Fatalf("expected 1 indicator depending on %s, got %d", key, got)
	}
}

// -----------------------------------------------------------------------------
// Unsubscribe
// -----------------------------------------------------------------------------

func TestUnsubscribeRemovesDataSubscription(t *testing.T) {
	s := testServer(t, models.MLimitsConfig{})
	c := testClient(s)
	key := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}

	s.Registry.Register(c)
	s.Registry.AddDataSubscription(c.id, key)

	s.HandleClientMessage(c, []byte(`{"type":"unsubscribe","source":"Binance","name":"BTCUSDT","interval":"1m"}`))

	if s.Registry.RefCount(key) != 0 {
		t.Fatal("data subscription should be gone")
	}
}

func TestUnsubscribeRemovesIndicatorByID(t *testing.T) {
	s := testServer(t, models.MLimitsConfig{})
	c := testClient(s)
	key := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}
	storeRows(s, key, 1, 2, 3, 4, 5)

	s.Registry.Register(c)
	s.HandleClientMessage(c, indicatorRequest("i-3"))
	<-c.send // drain indicator_init

	s.HandleClientMessage(c, []byte(`{"type":"unsubscribe","id":"i-3"}`))

	if got := len(s.Registry.IndicatorsDependingOn(key)); got != 0 {
		t.Fatalf("indicator subscription should be gone, %d left", got)
	}
}
