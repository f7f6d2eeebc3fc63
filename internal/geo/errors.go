package geo

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired: the remote rejected the credentials even after one refresh.
	ErrAuthExpired = errors.New("credentials expired")
	// ErrInvalidOptions: the remote refused to create a challenge with these settings.
	ErrInvalidOptions = errors.New("invalid challenge options")
	// ErrNotYetPlayed: results are hidden until the viewing account has played the challenge.
	ErrNotYetPlayed = errors.New("challenge not yet played")

	// errUnauthorized is the per-attempt 401 signal consumed by the retry loop.
	errUnauthorized = errors.New("unauthorized")
	// ErrUnexpectedStatus is wrapped by TransportError for non-auth HTTP failures.
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// TransportError covers network failures, timeouts, undecodable bodies and
// unexpected HTTP statuses. Status is 0 when no response was received.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("geo %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("geo %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
