package domain

import (
	"errors"
	"fmt"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// DecodeError is a malformed normalized event or wire frame.
// The message is dropped; state is never mutated from it.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return "decode error [" + e.Field + "]: " + e.Err.Error()
}

func (e *DecodeError) IsRetriable() bool {
	return false
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// VenueError is an error event published by the venue itself.
// It fails the affected subscriptions; consumers must resubscribe.
type VenueError struct {
	Code    string
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %s: %s", e.Code, e.Message)
}

func (e *VenueError) IsRetriable() bool {
	return false
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionLost fails every subscription of a dropped connection.
	ErrConnectionLost = errors.New("connection lost")

	// ErrInvalidSymbol is returned when a symbol is not supported or malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrMalformedEvent is returned when a normalized event fails validation.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrBookNotLive is returned when a delta is applied to a book without a snapshot.
	ErrBookNotLive = errors.New("order book is not live")

	// ErrSnapshotTimeout fails a subscription whose snapshot never arrived.
	ErrSnapshotTimeout = errors.New("snapshot request timed out")

	// ErrSubscriptionClosed is returned by a handle after Unsubscribe.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
