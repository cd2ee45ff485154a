package interfaces

// -----------------------------------------------------------------------------
// Consumer is one connected client as seen by the fan-out path. Send must be
// safe to call from the dispatcher goroutine and must fail (not block
// indefinitely) when the connection is gone.
// -----------------------------------------------------------------------------

type Consumer interface {
	ID() string

	// Send enqueues one outbound message for this consumer.
	Send(v interface{}) error
}
