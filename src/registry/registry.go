package registry

import (
	"sync"

	"github.com/tradiny/tradiny/src/interfaces"
	"github.com/tradiny/tradiny/src/logger"
	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------
// SubscriptionRegistry
// -----------------------------------------------------------------------------

// IndicatorBinding pairs a derived-stream subscription with the consumer that
// owns it, for targeted delivery of recomputed values.
type IndicatorBinding struct {
	Consumer     interfaces.Consumer
	Subscription *models.MIndicatorSubscription
}

// Registry tracks which consumers subscribe to which series and which
// indicator subscriptions depend on which series. Reverse indexes keep
// fan-out lookups proportional to the subscribers of one key.
type Registry struct {
	mu sync.RWMutex

	consumers     map[string]interfaces.Consumer
	dataSubs      map[string]map[models.MSeriesKey]struct{}
	indicatorSubs map[string][]*models.MIndicatorSubscription

	// reverse indexes
	byKey          map[models.MSeriesKey]map[string]struct{}
	byKeyIndicator map[models.MSeriesKey]map[string][]*models.MIndicatorSubscription

	Logger *logger.Logger
}

// -----------------------------------------------------------------------------

func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		consumers:      make(map[string]interfaces.Consumer),
		dataSubs:       make(map[string]map[models.MSeriesKey]struct{}),
		indicatorSubs:  make(map[string][]*models.MIndicatorSubscription),
		byKey:          make(map[models.MSeriesKey]map[string]struct{}),
		byKeyIndicator: make(map[models.MSeriesKey]map[string][]*models.MIndicatorSubscription),
		Logger:         log,
	}
}

// -----------------------------------------------------------------------------
// Consumer Lifecycle
// -----------------------------------------------------------------------------

func (r *Registry) Register(c interfaces.Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[c.ID()] = c
}

// -----------------------------------------------------------------------------

// Unregister drops the consumer and all its subscriptions. It returns every
// series key whose subscriber count reached zero, so the caller can release
// provider interest.
func (r *Registry) Unregister(consumerID string) []models.MSeriesKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	var released []models.MSeriesKey
	for key := range r.dataSubs[consumerID] {
		if r.dropDataLocked(consumerID, key) {
			released = append(released, key)
		}
	}
	r.dropAllIndicatorsLocked(consumerID)

	delete(r.dataSubs, consumerID)
	delete(r.indicatorSubs, consumerID)
	delete(r.consumers, consumerID)
	return released
}

// -----------------------------------------------------------------------------

func (r *Registry) Consumer(id string) (interfaces.Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[id]
	return c, ok
}

// -----------------------------------------------------------------------------
// Data Subscriptions
// -----------------------------------------------------------------------------

// AddDataSubscription records interest of one consumer in one series key.
// It reports whether this was the first subscriber for the key.
func (r *Registry) AddDataSubscription(consumerID string, key models.MSeriesKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dataSubs[consumerID] == nil {
		r.dataSubs[consumerID] = make(map[models.MSeriesKey]struct{})
	}
	if _, dup := r.dataSubs[consumerID][key]; dup {
		return false
	}
	r.dataSubs[consumerID][key] = struct{}{}

	first := len(r.byKey[key]) == 0
	if r.byKey[key] == nil {
		r.byKey[key] = make(map[string]struct{})
	}
	r.byKey[key][consumerID] = struct{}{}
	return first
}

// -----------------------------------------------------------------------------

// RemoveDataSubscription drops interest of one consumer in one key and
// reports whether the key now has zero subscribers.
func (r *Registry) RemoveDataSubscription(consumerID string, key models.MSeriesKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.dataSubs[consumerID][key]; !ok {
		return false
	}
	delete(r.dataSubs[consumerID], key)
	return r.dropDataLocked(consumerID, key)
}

// -----------------------------------------------------------------------------

// dropDataLocked removes the reverse-index entry; true when the key has no
// subscribers left. Caller holds the write lock.
func (r *Registry) dropDataLocked(consumerID string, key models.MSeriesKey) bool {
	if subs, ok := r.byKey[key]; ok {
		delete(subs, consumerID)
		if len(subs) == 0 {
			delete(r.byKey, key)
			return true
		}
	}
	return false
}

// -----------------------------------------------------------------------------

func (r *Registry) HasDataSubscription(consumerID string, key models.MSeriesKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.dataSubs[consumerID][key]
	return ok
}

// -----------------------------------------------------------------------------

// SubscribersOf returns the consumers currently subscribed to key.
func (r *Registry) SubscribersOf(key models.MSeriesKey) []interfaces.Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Consumer, 0, len(r.byKey[key]))
	for id := range r.byKey[key] {
		if c, ok := r.consumers[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// -----------------------------------------------------------------------------

func (r *Registry) RefCount(key models.MSeriesKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[key])
}

// -----------------------------------------------------------------------------

// ActiveKeys returns the set of keys with at least one subscriber, either a
// direct data subscription or an indicator subscription depending on the key;
// used by the periodic sweep for cache release and liveness probing.
func (r *Registry) ActiveKeys() map[models.MSeriesKey]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[models.MSeriesKey]struct{}, len(r.byKey)+len(r.byKeyIndicator))
	for key := range r.byKey {
		out[key] = struct{}{}
	}
	for key, byConsumer := range r.byKeyIndicator {
		if len(byConsumer) > 0 {
			out[key] = struct{}{}
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Indicator Subscriptions
// -----------------------------------------------------------------------------

func (r *Registry) AddIndicatorSubscription(consumerID string, sub *models.MIndicatorSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.indicatorSubs[consumerID] = append(r.indicatorSubs[consumerID], sub)

	for key := range dependencyKeys(sub) {
		if r.byKeyIndicator[key] == nil {
			r.byKeyIndicator[key] = make(map[string][]*models.MIndicatorSubscription)
		}
		r.byKeyIndicator[key][consumerID] = append(r.byKeyIndicator[key][consumerID], sub)
	}
}

// -----------------------------------------------------------------------------

func (r *Registry) RemoveIndicatorSubscription(consumerID, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.indicatorSubs[consumerID][:0]
	for _, sub := range r.indicatorSubs[consumerID] {
		if sub.ID == id {
			r.dropIndicatorReverseLocked(consumerID, sub)
			continue
		}
		kept = append(kept, sub)
	}
	r.indicatorSubs[consumerID] = kept
}

// -----------------------------------------------------------------------------

func (r *Registry) dropAllIndicatorsLocked(consumerID string) {
	for _, sub := range r.indicatorSubs[consumerID] {
		r.dropIndicatorReverseLocked(consumerID, sub)
	}
}

func (r *Registry) dropIndicatorReverseLocked(consumerID string, sub *models.MIndicatorSubscription) {
	for key := range dependencyKeys(sub) {
		byConsumer, ok := r.byKeyIndicator[key]
		if !ok {
			continue
		}
		kept := byConsumer[consumerID][:0]
		for _, s := range byConsumer[consumerID] {
			if s != sub {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(byConsumer, consumerID)
		} else {
			byConsumer[consumerID] = kept
		}
		if len(byConsumer) == 0 {
			delete(r.byKeyIndicator, key)
		}
	}
}

// -----------------------------------------------------------------------------

// IndicatorsDependingOn returns every indicator subscription reading from
// key, paired with its consumer.
func (r *Registry) IndicatorsDependingOn(key models.MSeriesKey) []IndicatorBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []IndicatorBinding
	for consumerID, subs := range r.byKeyIndicator[key] {
		c, ok := r.consumers[consumerID]
		if !ok {
			continue
		}
		for _, sub := range subs {
			out = append(out, IndicatorBinding{Consumer: c, Subscription: sub})
		}
	}
	return out
}

// -----------------------------------------------------------------------------

// dependencyKeys collapses a subscription's dataMap to its distinct series
// keys; one subscription may read several columns of the same series.
func dependencyKeys(sub *models.MIndicatorSubscription) map[models.MSeriesKey]struct{} {
	keys := make(map[models.MSeriesKey]struct{}, len(sub.DataMap))
	for _, d := range sub.DataMap {
		keys[d.Key()] = struct{}{}
	}
	return keys
}
