package models

// Update policies for indicator subscriptions.
const (
	UpdateEveryTick = "every-tick"
	UpdateCloseOnly = "close-only"
)

// -----------------------------------------------------------------------------

// MIndicatorSubscription is a consumer's derived-stream subscription: the
// computation, its named inputs mapped to series columns, and when to
// recompute.
type MIndicatorSubscription struct {
	ID        string
	Indicator string
	Inputs    map[string]float64
	DataMap   map[string]MDataMapEntry
	UpdateOn  string
}

// -----------------------------------------------------------------------------

// DependsOn reports whether any input of the subscription reads from key.
func (s *MIndicatorSubscription) DependsOn(key MSeriesKey) bool {
	for _, d := range s.DataMap {
		if d.Key() == key {
			return true
		}
	}
	return false
}
