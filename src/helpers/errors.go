package helpers

import (
	"fmt"
	"time"
)

// -----------------------------------------------------------------------------
// Error Types
// -----------------------------------------------------------------------------

type TradinyError struct {
	Message string
	Cause   error
}

func (e *TradinyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *TradinyError) Unwrap() error {
	return e.Cause
}

// ProviderUnavailableError marks a failed history fetch or stream start.
// Callers treat it as "no data yet", never as fatal.
type ProviderUnavailableError struct{ TradinyError }

// DependencyMissingError marks an indicator computation whose input series is
// not cached; the affected consumer gets a no_data response.
type DependencyMissingError struct{ TradinyError }

// -----------------------------------------------------------------------------

func NewProviderUnavailable(source string, cause error) *ProviderUnavailableError {
	return &ProviderUnavailableError{TradinyError{
		Message: fmt.Sprintf("provider %s unavailable", source),
		Cause:   cause,
	}}
}

func NewDependencyMissing(key fmt.Stringer) *DependencyMissingError {
	return &DependencyMissingError{TradinyError{
		Message: fmt.Sprintf("series %s is not cached", key),
	}}
}

// -----------------------------------------------------------------------------
// Retry Logic
// -----------------------------------------------------------------------------

// RetryWithBackoff attempts fn up to maxRetries times with exponential backoff.
func RetryWithBackoff(maxRetries int, baseDelay time.Duration, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if attempt == maxRetries-1 {
			break
		}
		time.Sleep(baseDelay * (1 << attempt))
	}

	return lastErr
}
