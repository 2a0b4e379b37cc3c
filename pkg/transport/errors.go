// ABOUTME: Error kinds reported synchronously by transport requests
// ABOUTME: Sentinel errors plus a typed position error that unwraps to ErrInvalidPosition
package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPosition is returned for out-of-range frame or position requests
	ErrInvalidPosition = errors.New("invalid transport position")

	// ErrAuthorityBusy is returned by a conditional timebase claim while another authority is active
	ErrAuthorityBusy = errors.New("timebase authority busy")

	// ErrUnknownFollower is returned when unregistering an id that is not registered
	ErrUnknownFollower = errors.New("unknown sync follower")

	// ErrNilCallback is returned when claiming the timebase without a callback
	ErrNilCallback = errors.New("nil timebase callback")

	// ErrInvalidFrameRate is returned for a zero frame rate
	ErrInvalidFrameRate = errors.New("invalid frame rate")
)

// PositionError describes which field of a requested position was rejected
type PositionError struct {
	Field  string // offending field
	Reason string // why it was rejected
}

// Error returns the error message
func (e *PositionError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrInvalidPosition, e.Field, e.Reason)
}

// Unwrap returns ErrInvalidPosition so callers can match with errors.Is
func (e *PositionError) Unwrap() error {
	return ErrInvalidPosition
}
