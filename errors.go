package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors returned synchronously by session operations.
var (
	// ErrNotConnected indicates an operation was attempted while the session
	// is not in the connected state. The caller decides to queue or drop.
	ErrNotConnected = errors.New("realtime: not connected")

	// ErrClosed indicates the session was deliberately torn down.
	ErrClosed = errors.New("realtime: session closed")

	// ErrSendQueueFull indicates the outbound queue is saturated.
	ErrSendQueueFull = errors.New("realtime: outbound queue full")
)

// AuthError indicates the credential was rejected by the gateway. It is
// surfaced to the caller and never auto-retried; the embedding application
// must supply a fresh credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("realtime: auth rejected: %s", e.Reason)
}

// NetworkError indicates a transient transport failure. The session recovers
// from these internally via the reconnect path; they surface only from the
// initial Connect.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("realtime: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }
