package dispatch

import (
	"context"
	"sync"

	"github.com/tradiny/tradiny/src/coalesce"
	"github.com/tradiny/tradiny/src/fetcher"
	"github.com/tradiny/tradiny/src/indicator"
	"github.com/tradiny/tradiny/src/interfaces"
	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
	"github.com/tradiny/tradiny/src/provider"
	"github.com/tradiny/tradiny/src/registry"
)

// -----------------------------------------------------------------------------
// FanoutDispatcher
// -----------------------------------------------------------------------------

// Dispatcher drains gateway events and is the single writer into the cache.
// Ticks are merged, fanned out to data subscribers and trigger dependent
// indicator recomputation on the worker pool; completed history fetches are
// merged and resolve their coalesced futures.
type Dispatcher struct {
	Store      interfaces.SeriesStore
	Registry   *registry.Registry
	Coalescer  *coalesce.Coalescer
	Indicators *indicator.Registry
	Pool       *fetcher.Pool
	Logger     *logger.Logger

	gateways []*provider.Gateway

	// prevBucket remembers the newest bucket per series so a tick opening
	// a new bucket is distinguishable from an intra-bucket revision.
	// Shared between the event loop and the periodic sweep.
	bucketMu   sync.Mutex
	prevBucket map[models.MSeriesKey]int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// -----------------------------------------------------------------------------

func NewDispatcher(
	store interfaces.SeriesStore,
	reg *registry.Registry,
	coalescer *coalesce.Coalescer,
	indicators *indicator.Registry,
	pool *fetcher.Pool,
	gateways []*provider.Gateway,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		Store:      store,
		Registry:   reg,
		Coalescer:  coalescer,
		Indicators: indicators,
		Pool:       pool,
		Logger:     log,
		gateways:   gateways,
		prevBucket: make(map[models.MSeriesKey]int64),
	}
}

// -----------------------------------------------------------------------------

// Run starts one drain loop per gateway. The event loops are the only
// goroutines that mutate the cache or prevBucket.
func (d *Dispatcher) Run(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)

	events := make(chan provider.Event, 256)
	for _, g := range d.gateways {
		d.wg.Add(1)
		go d.forward(g, events)
	}

	d.wg.Add(1)
	go d.loop(events)
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) forward(g *provider.Gateway, events chan<- provider.Event) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-g.Events():
			select {
			case events <- ev:
			case <-d.ctx.Done():
				return
			}
		}
	}
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) loop(events <-chan provider.Event) {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-events:
			switch ev.Kind {
			case provider.EventTick:
				d.HandleTick(ev.Key, ev.Row)
			case provider.EventHistory:
				d.HandleHistory(ev.Fingerprint, ev.Key, ev.Rows, ev.Err)
			}
		}
	}
}

// -----------------------------------------------------------------------------
// Ticks
// -----------------------------------------------------------------------------

// HandleTick merges one tick into the cache and fans it out. A send failure
// affects only that consumer.
func (d *Dispatcher) HandleTick(key models.MSeriesKey, row models.MRow) {
	d.Store.Merge(key, []models.MRow{row})

	d.bucketMu.Lock()
	newBucket := false
	if prev, ok := d.prevBucket[key]; !ok || row.Timestamp > prev {
		newBucket = ok // the very first observed tick is not "new"
		d.prevBucket[key] = row.Timestamp
	}
	d.bucketMu.Unlock()

	update := models.MDataResponse{
		Type:     "data_update",
		Source:   key.Source,
		Name:     key.Name,
		Interval: key.Interval,
		Data:     row,
	}
	for _, consumer := range d.Registry.SubscribersOf(key) {
		if err := consumer.Send(update); err != nil {
			d.Logger.Warning("Dropping update for consumer %s: %v", consumer.ID(), err)
		}
	}

	d.recomputeIndicators(key, newBucket)
}

// -----------------------------------------------------------------------------

// recomputeIndicators schedules dependent indicator subscriptions on the
// worker pool, honoring each subscription's update policy.
func (d *Dispatcher) recomputeIndicators(key models.MSeriesKey, newBucket bool) {
	for _, binding := range d.Registry.IndicatorsDependingOn(key) {
		sub := binding.Subscription
		if sub.UpdateOn == models.UpdateCloseOnly && !newBucket {
			continue
		}

		consumer := binding.Consumer
		if err := d.Pool.Submit(func() {
			d.evaluateAndSend(consumer, sub)
		}); err != nil {
			d.Logger.Warning("Indicator pool saturated, skipping %s for %s: %v", sub.ID, consumer.ID(), err)
		}
	}
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) evaluateAndSend(consumer interfaces.Consumer, sub *models.MIndicatorSubscription) {
	rows, err := indicator.Evaluate(d.Indicators, sub, d.Store.Get)
	if err != nil {
		d.Logger.Warning("Indicator %s evaluation failed: %v", sub.ID, err)
		if sendErr := consumer.Send(models.NewNoData(sub.ID)); sendErr != nil {
			d.Logger.Warning("Dropping no_data for consumer %s: %v", consumer.ID(), sendErr)
		}
		return
	}
	if len(rows) == 0 {
		return
	}

	// Updates carry only the newest point.
	last := indicator.PrefixOutputs(sub.ID, rows[len(rows)-1:])
	msg := models.MIndicatorResponse{
		Type: "indicator_update",
		ID:   sub.ID,
		Data: last[0],
	}
	if err := consumer.Send(msg); err != nil {
		d.Logger.Warning("Dropping indicator update for consumer %s: %v", consumer.ID(), err)
	}
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// HandleHistory merges a completed fetch and wakes every waiter coalesced
// behind its fingerprint. Resolve is a no-op for unknown fingerprints, so a
// late result after all waiters left is quietly discarded.
func (d *Dispatcher) HandleHistory(fingerprint string, key models.MSeriesKey, rows []models.MRow, err error) {
	if err == nil && len(rows) > 0 {
		d.Store.Merge(key, rows)
	}
	d.Coalescer.Resolve(fingerprint, rows, err)
}

// -----------------------------------------------------------------------------

func (d *Dispatcher) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}
