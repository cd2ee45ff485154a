package registry

import (
	"testing"

	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
)

type fakeConsumer struct {
	id   string
	sent []interface{}
}

func (f *fakeConsumer) ID() string { return f.id }
func (f *fakeConsumer) Send(v interface{}) error {
	f.sent = append(f.sent, v)
	return nil
}

func testLogger() *logger.Logger {
	return logger.NewLogger("ERROR", "registry-test")
}

func TestDataSubscriptionRefCounting(t *testing.T) {
	r := NewRegistry(testLogger())
	key := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}

	a := &fakeConsumer{id: "a"}
	b := &fakeConsumer{id: "b"}
	r.Register(a)
	r.Register(b)

	if first := r.AddDataSubscription("a", key); !first {
		t.Fatalf("expected first subscriber to report first=true")
	}
	if first := r.AddDataSubscription("b", key); first {
		t.Fatalf("second subscriber must not report first=true")
	}
	if got := r.RefCount(key); got != 2 {
		t.Fatalf("RefCount = %d, want 2", got)
	}

	// Duplicate subscribe by the same consumer is a no-op.
	if first := r.AddDataSubscription("a", key); first {
		t.Fatalf("duplicate subscribe must not report first=true")
	}
	if got := r.RefCount(key); got != 2 {
		t.Fatalf("RefCount after duplicate = %d, want 2", got)
	}

	if last := r.RemoveDataSubscription("a", key); last {
		t.Fatalf("key still has a subscriber, last must be false")
	}
	if last := r.RemoveDataSubscription("b", key); !last {
		t.Fatalf("removing final subscriber must report last=true")
	}
	if got := r.RefCount(key); got != 0 {
		t.Fatalf("RefCount after removals = %d, want 0", got)
	}
}

func TestUnregisterReturnsReleasedKeys(t *testing.T) {
	r := NewRegistry(testLogger())
	shared := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}
	private := models.MSeriesKey{Source: "Binance", Name: "ETHUSDT", Interval: "5m"}

	a := &fakeConsumer{id: "a"}
	b := &fakeConsumer{id: "b"}
	r.Register(a)
	r.Register(b)

	r.AddDataSubscription("a", shared)
	r.AddDataSubscription("b", shared)
	r.AddDataSubscription("a", private)

	released := r.Unregister("a")
	if len(released) != 1 || released[0] != private {
		t.Fatalf("released = %v, want only %v", released, private)
	}
	if got := r.RefCount(shared); got != 1 {
		t.Fatalf("shared key RefCount = %d, want 1", got)
	}
	if _, ok := r.Consumer("a"); ok {
		t.Fatalf("consumer a should be gone after Unregister")
	}
}

func TestSubscribersOf(t *testing.T) {
	r := NewRegistry(testLogger())
	key := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}
	other := models.MSeriesKey{Source: "Binance", Name: "ETHUSDT", Interval: "1m"}

	a := &fakeConsumer{id: "a"}
	b := &fakeConsumer{id: "b"}
	r.Register(a)
	r.Register(b)
	r.AddDataSubscription("a", key)
	r.AddDataSubscription("b", other)

	subs := r.SubscribersOf(key)
	if len(subs) != 1 || subs[0].ID() != "a" {
		t.Fatalf("SubscribersOf(%v) = %v, want [a]", key, subs)
	}
	if got := r.SubscribersOf(models.MSeriesKey{Source: "x", Name: "y", Interval: "1m"}); len(got) != 0 {
		t.Fatalf("unknown key must have no subscribers, got %v", got)
	}
}

func TestIndicatorDependencyIndex(t *testing.T) {
	r := NewRegistry(testLogger())
	btc := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}
	eth := models.MSeriesKey{Source: "Binance", Name: "ETHUSDT", Interval: "1m"}

	a := &fakeConsumer{id: "a"}
	r.Register(a)

	sub := &models.MIndicatorSubscription{
		ID:        "ind-1",
		Indicator: "sma",
		DataMap: map[string]models.MDataMapEntry{
			"close": {Source: btc.Source, Name: btc.Name, Interval: btc.Interval, Value: "close"},
			// Second column of the same series; must not double-register.
			"volume": {Source: btc.Source, Name: btc.Name, Interval: btc.Interval, Value: "volume"},
		},
		UpdateOn: models.UpdateEveryTick,
	}
	r.AddIndicatorSubscription("a", sub)

	got := r.IndicatorsDependingOn(btc)
	if len(got) != 1 {
		t.Fatalf("IndicatorsDependingOn(btc) = %d bindings, want 1", len(got))
	}
	if got[0].Subscription.ID != "ind-1" || got[0].Consumer.ID() != "a" {
		t.Fatalf("unexpected binding %+v", got[0])
	}
	if got := r.IndicatorsDependingOn(eth); len(got) != 0 {
		t.Fatalf("eth has no dependents, got %v", got)
	}

	r.RemoveIndicatorSubscription("a", "ind-1")
	if got := r.IndicatorsDependingOn(btc); len(got) != 0 {
		t.Fatalf("after removal expected no dependents, got %v", got)
	}
}

func TestActiveKeysIncludesIndicatorDependencies(t *testing.T) {
	r := NewRegistry(testLogger())
	btc := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}
	eth := models.MSeriesKey{Source: "Binance", Name: "ETHUSDT", Interval: "1m"}

	a := &fakeConsumer{id: "a"}
	r.Register(a)
	r.AddDataSubscription("a", eth)

	// An indicator depending on btc keeps btc active even without a direct
	// data subscription, otherwise the sweep would evict its input series.
	r.AddIndicatorSubscription("a", &models.MIndicatorSubscription{
		ID:        "ind-1",
		Indicator: "sma",
		DataMap: map[string]models.MDataMapEntry{
			"close": {Source: btc.Source, Name: btc.Name, Interval: btc.Interval, Value: "close"},
		},
		UpdateOn: models.UpdateEveryTick,
	})

	active := r.ActiveKeys()
	if _, ok := active[eth]; !ok {
		t.Fatalf("data-subscribed key missing from ActiveKeys")
	}
	if _, ok := active[btc]; !ok {
		t.Fatalf("indicator dependency missing from ActiveKeys")
	}

	r.RemoveIndicatorSubscription("a", "ind-1")
	if _, ok := r.ActiveKeys()[btc]; ok {
		t.Fatalf("btc still active after its last indicator was removed")
	}
}

func TestUnregisterDropsIndicatorSubscriptions(t *testing.T) {
	r := NewRegistry(testLogger())
	btc := models.MSeriesKey{Source: "Binance", Name: "BTCUSDT", Interval: "1m"}

	a := &fakeConsumer{id: "a"}
	r.Register(a)
	r.AddIndicatorSubscription("a", &models.MIndicatorSubscription{
		ID:        "ind-1",
		Indicator: "rsi",
		DataMap: map[string]models.MDataMapEntry{
			"close": {Source: btc.Source, Name: btc.Name, Interval: btc.Interval, Value: "close"},
		},
		UpdateOn: models.UpdateCloseOnly,
	})

	r.Unregister("a")
	if got := r.IndicatorsDependingOn(btc); len(got) != 0 {
		t.Fatalf("indicator index must be empty after Unregister, got %v", got)
	}
}
