package interfaces

import (
	"time"

	"github.com/tradiny/tradiny/src/models"
)

// -----------------------------------------------------------------------------
// ProviderBackend is the vendor-facing side of a ProviderGateway: one
// implementation per external data source. The gateway owns reference
// counting, cool-downs and liveness; the backend only talks to the vendor.
// -----------------------------------------------------------------------------

type ProviderBackend interface {

	// Key returns the unique source identifier, e.g. "Binance".
	Key() string

	// -----------------------------------------------------------------------------

	// Init establishes vendor connectivity. Called once before any other
	// method, from the gateway's own goroutine.
	Init() error

	// -----------------------------------------------------------------------------

	// GetDataset returns the instrument catalog for this source.
	GetDataset() ([]models.MInstrumentDescriptor, error)

	// -----------------------------------------------------------------------------

	// GetHistory fetches rows for [start, end]; a zero end means "now".
	// Blocking; the gateway runs it on a worker pool.
	GetHistory(name, interval string, start, end time.Time, count int) ([]models.MRow, error)

	// -----------------------------------------------------------------------------

	// StartStream opens the vendor stream for (name, interval) and delivers
	// each tick through onRow. Idempotent per key.
	StartStream(name, interval string, onRow func(models.MRow)) error

	// -----------------------------------------------------------------------------

	// StopStream closes the vendor stream for (name, interval).
	StopStream(name, interval string) error

	// -----------------------------------------------------------------------------

	// Close tears down all vendor connectivity.
	Close() error
}

// -----------------------------------------------------------------------------

// SilenceAware is optionally implemented by backends whose streams go quiet
// on purpose, e.g. a calendar-gated poll loop while the exchange is closed.
// The gateway suppresses its no-activity restart while silence is expected.
type SilenceAware interface {
	ExpectsSilence(name, interval string) bool
}
