package fetcher

import (
	"errors"
	"sync"

	"github.com/tradiny/tradiny/src/logger"
)

// -----------------------------------------------------------------------------
// Worker Pool
// -----------------------------------------------------------------------------

// ErrQueueFull is returned by Submit when the task queue is saturated. The
// caller decides whether to drop, retry, or report back to the client.
var ErrQueueFull = errors.New("fetcher: task queue full")

// Pool runs submitted tasks on a fixed set of workers with a bounded queue.
// Heavy recomputation never runs on the event loop; saturation surfaces as
// an explicit rejection instead of unbounded memory growth.
type Pool struct {
	tasks   chan func()
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool

	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewPool(workers, queueSize int, log *logger.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &Pool{
		tasks:  make(chan func(), queueSize),
		Logger: log,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// -----------------------------------------------------------------------------

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
}

// -----------------------------------------------------------------------------

// Submit enqueues a task without blocking. Returns ErrQueueFull when every
// slot is taken.
func (p *Pool) Submit(task func()) error {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return errors.New("fetcher: pool closed")
	}
	p.closeMu.Unlock()

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// -----------------------------------------------------------------------------

// Queued reports the number of tasks waiting for a worker.
func (p *Pool) Queued() int {
	return len(p.tasks)
}

// -----------------------------------------------------------------------------

// Close stops accepting tasks and waits for the workers to drain the queue.
func (p *Pool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.closeMu.Unlock()

	p.wg.Wait()
}
