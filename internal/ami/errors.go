package ami

import (
	"errors"
	"fmt"
)

// Sentinel errors for manager sessions.
var (
	// ErrTimeout means no response arrived before the caller's deadline.
	// The session is still usable.
	ErrTimeout = errors.New("no response within deadline")

	// ErrNotConnected indicates an operation on a session without a connection.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected indicates Connect was called on a connected session.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrHandlerExists indicates a handler is already registered for the event.
	ErrHandlerExists = errors.New("event handler already registered")

	// ErrHandlerNotFound indicates removal of a handler that was never registered.
	ErrHandlerNotFound = errors.New("event handler not registered")

	// ErrEventTableFull indicates the handler table reached its size limit.
	ErrEventTableFull = errors.New("event handler table full")

	// ErrMissingCredentials indicates Login was called without username or secret.
	ErrMissingCredentials = errors.New("username and secret are required")

	// ErrAuthFailed indicates the manager rejected the login.
	ErrAuthFailed = errors.New("authentication failed")
)

// IsTimeout reports whether err is the non-fatal wait timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// TransportError is a socket-level failure. The session must be
// reconnected before it can be used again.
type TransportError struct {
	Op   string // resolve, dial, write, read
	Addr string
	Err  error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("ami %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ami %s %s: %v", e.Op, e.Addr, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// HandlerError is returned by WaitForResponse when an event handler fails.
type HandlerError struct {
	Event string
	Err   error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("ami event handler %q: %v", e.Event, e.Err)
}

// Unwrap returns the handler's error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}
