package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------

func TestConcurrentCallersShareOneIssue(t *testing.T) {
	c := NewCoalescer(false)
	fp := c.Fingerprint("Binance", "BTCUSDT", "1m", 300, "now UTC")

	var issued atomic.Int64
	var wg sync.WaitGroup
	results := make([]int, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ticket := c.Coalesce(fp, func() { issued.Add(1) })
			rows, err := ticket.Wait(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", n, err)
				return
			}
			results[n] = len(rows)
		}(i)
	}

	// Let every goroutine attach before resolving.
	for c.PendingCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	c.Resolve(fp, []models.MRow{{Timestamp: 60}, {Timestamp: 120}}, nil)
	wg.Wait()

	if got := issued.Load(); got != 1 {
		t.Fatalf("expected exactly 1 issue, got %d", got)
	}
	for n, count := range results {
		if count != 2 {
			t.Fatalf("waiter %d saw %d rows, want 2", n, count)
		}
	}
	if c.PendingCount() != 0 {
		t.Fatal("resolved fingerprint still pending")
	}
}

// -----------------------------------------------------------------------------

func TestDistinctFingerprintsDoNotCoalesce(t *testing.T) {
	c := NewCoalescer(false)

	a := c.Fingerprint("Binance", "BTCUSDT", "1m", 300, "now UTC")
	b := c.Fingerprint("Binance", "BTCUSDT", "1h", 300, "now UTC")
	if a == b {
		t.Fatal("different intervals must fingerprint differently")
	}

	var issued atomic.Int64
	c.Coalesce(a, func() { issued.Add(1) })
	c.Coalesce(b, func() { issued.Add(1) })
	if issued.Load() != 2 {
		t.Fatalf("expected 2 issues, got %d", issued.Load())
	}
}

// -----------------------------------------------------------------------------

func TestErrorReachesAllWaiters(t *testing.T) {
	c := NewCoalescer(false)
	fp := c.Fingerprint("Stocks", "AAPL", "1d", 300, "now UTC")

	ticketA := c.Coalesce(fp, func() {})
	ticketB := c.Coalesce(fp, func() {})

	wantErr := errors.New("provider unavailable")
	c.Resolve(fp, nil, wantErr)

	for _, ticket := range []*Ticket{ticketA, ticketB} {
		if _, err := ticket.Wait(context.Background()); !errors.Is(err, wantErr) {
			t.Fatalf("expected %v, got %v", wantErr, err)
		}
	}
}

// -----------------------------------------------------------------------------

func TestWaitHonorsContext(t *testing.T) {
	c := NewCoalescer(false)
	ticket := c.Coalesce("never-resolved", func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := ticket.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

// -----------------------------------------------------------------------------

func TestResolveUnknownFingerprintIsIgnored(t *testing.T) {
	c := NewCoalescer(false)
	c.Resolve("long-gone", nil, nil) // must not panic
	if c.PendingCount() != 0 {
		t.Fatal("unexpected pending entry")
	}
}

// -----------------------------------------------------------------------------

func TestSaltedFingerprintsNeverCollide(t *testing.T) {
	c := NewCoalescer(true)

	a := c.Fingerprint("Binance", "BTCUSDT", "1m", 300, "now UTC")
	b := c.Fingerprint("Binance", "BTCUSDT", "1m", 300, "now UTC")
	if a == b {
		t.Fatal("salted fingerprints must differ for identical requests")
	}
}
