package coalesce

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------
// PendingRequestCoalescer
// -----------------------------------------------------------------------------
//
// A de-duplication gate for in-flight history requests, not a result cache.
// The first caller for a fingerprint triggers the underlying provider call;
// every concurrent caller with the same fingerprint awaits the same future.
// Entries are deleted on resolution, success or failure alike.

type future struct {
	done chan struct{}
	rows []models.MRow
	err  error
}

type Coalescer struct {
	mu      sync.Mutex
	pending map[string]*future

	// salted makes every fingerprint unique so each call pairs strictly with
	// one response. It defeats deduplication of identical concurrent
	// requests and is off by default.
	salted bool
}

// -----------------------------------------------------------------------------

func NewCoalescer(salted bool) *Coalescer {
	return &Coalescer{
		pending: make(map[string]*future),
		salted:  salted,
	}
}

// -----------------------------------------------------------------------------

// Fingerprint derives the request identity from the full request shape so
// distinct logical requests never collide.
func (c *Coalescer) Fingerprint(source, name, interval string, count int, end string) string {
	fp := fmt.Sprintf("history_%s_%s_%s_%d_%s", source, name, interval, count, end)
	if c.salted {
		fp = fmt.Sprintf("%s_%06d", fp, rand.Intn(1000000))
	}
	return fp
}

// -----------------------------------------------------------------------------

// Ticket is one caller's handle on a pending request.
type Ticket struct {
	f *future
}

// Wait blocks until the request resolves or ctx is cancelled. All awaiters of
// one fingerprint observe the identical result.
func (t *Ticket) Wait(ctx context.Context) ([]models.MRow, error) {
	select {
	case <-t.f.done:
		return t.f.rows, t.f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// -----------------------------------------------------------------------------

// Coalesce registers interest in a fingerprint. For the first caller the
// issue function is invoked (it must eventually lead to Resolve); concurrent
// callers join the existing future without re-issuing.
func (c *Coalescer) Coalesce(fingerprint string, issue func()) *Ticket {
	c.mu.Lock()
	f, ok := c.pending[fingerprint]
	if !ok {
		f = &future{done: make(chan struct{})}
		c.pending[fingerprint] = f
	}
	c.mu.Unlock()

	if !ok {
		issue()
	}
	return &Ticket{f: f}
}

// -----------------------------------------------------------------------------

// Resolve completes the pending request for a fingerprint and removes it.
// Unknown fingerprints are ignored: the originating consumer may be gone by
// the time a slow provider answers.
func (c *Coalescer) Resolve(fingerprint string, rows []models.MRow, err error) {
	c.mu.Lock()
	f, ok := c.pending[fingerprint]
	delete(c.pending, fingerprint)
	c.mu.Unlock()

	if !ok {
		return
	}
	f.rows = rows
	f.err = err
	close(f.done)
}

// -----------------------------------------------------------------------------

// PendingCount returns the number of unresolved fingerprints.
func (c *Coalescer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
