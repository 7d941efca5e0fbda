package lock

import "errors"

// Sentinel kinds for lock errors.
var (
	ErrHeld       = errors.New("lease held by another owner")
	ErrInvalidTTL = errors.New("lease ttl must be positive")
	ErrNotHeld    = errors.New("lease no longer held")
)
