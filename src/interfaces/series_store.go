package interfaces

import (
	"time"

	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------
// SeriesStore is the contract for the in-memory (or shared) time-series cache.
// Implementations must serialize merges per key so a historical backfill
// racing a live tick never interleaves partially.
// -----------------------------------------------------------------------------

type SeriesStore interface {

	// Get returns a snapshot of the cached series, or false on a miss.
	// Never blocks on provider I/O.
	Get(key models.MSeriesKey) (*models.MSeries, bool)

	// -----------------------------------------------------------------------------

	// Merge folds rows into the series for key: duplicate timestamps collapse
	// with the new row winning, result stays ascending. An empty rows slice
	// is a no-op.
	Merge(key models.MSeriesKey, rows []models.MRow)

	// -----------------------------------------------------------------------------

	// ReleaseIdle drops every series that has had no subscriber in active for
	// longer than the configured idle window, and returns the dropped keys.
	// Called from the periodic sweep, never inline with merges.
	ReleaseIdle(active map[models.MSeriesKey]struct{}, now time.Time) []models.MSeriesKey

	// -----------------------------------------------------------------------------

	// Close releases backend resources.
	Close() error
}
