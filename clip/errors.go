package clip

import (
	"errors"
	"fmt"
)

var (
	// ErrOffline is returned when an operation requires an open bridge
	// connection and there is none.
	ErrOffline = errors.New("bridge connection offline")

	// ErrUnsupported is returned by CheckSupport when the bridge firmware
	// is too old to speak CLIP v2.
	ErrUnsupported = errors.New("bridge does not support CLIP v2")
)

// UnauthorizedError indicates that the bridge refused a request as
// unauthorized or forbidden. Callers special-case it to trigger
// re-registration instead of treating the bridge as unreachable.
type UnauthorizedError struct {
	Reason string
}

func (e *UnauthorizedError) Error() string {
	return "bridge refused request as unauthorized: " + e.Reason
}

// IsUnauthorized reports whether err wraps an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var unauthorized *UnauthorizedError
	return errors.As(err, &unauthorized)
}

// CommsError wraps any failure to complete a request/response exchange
// with the bridge: transport failures, timeouts, wrong media types,
// unparseable bodies.
type CommsError struct {
	Op    string
	Cause error
}

func (e *CommsError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: communication error", e.Op)
	}

	return fmt.Sprintf("%s: communication error: %v", e.Op, e.Cause)
}

func (e *CommsError) Unwrap() error {
	return e.Cause
}
