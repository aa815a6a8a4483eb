package processor

import "errors"

// System errors raised synchronously to Enqueue's caller and never
// delivered to a callback.
var (
	// ErrNotRunning is returned by Enqueue when the processor's state
	// is not Running.
	ErrNotRunning = errors.New("processor: not running")

	// ErrMaxCapacity is returned by Enqueue when the in-flight count
	// is already at Config.MaxConnections and the backpressure
	// strategy is "raise" (or "block" timed out, or "drop_oldest"
	// found nothing evictable).
	ErrMaxCapacity = errors.New("processor: at max capacity")

	// ErrRegistryUnavailable wraps a failure to reach the shared
	// inflight registry during Enqueue ("internal
	// processor failures").
	ErrRegistryUnavailable = errors.New("processor: inflight registry unavailable")

	// ErrAlreadyRunning is returned by Start when called outside the
	// Stopped state.
	ErrAlreadyRunning = errors.New("processor: already started")

	// ErrNotStarted names the never-started case. Quiet and Stop do
	// not return it: Quiet reports any non-Running state with its own
	// error, and Stop on a Stopped processor returns nil.
	ErrNotStarted = errors.New("processor: not started")
)
