package refresh

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is matched (errors.Is) by *DuplicateStartError.
	ErrAlreadyRunning = errors.New("refresh loop already running")
	// ErrClosed is returned by operations on a scheduler that is not open.
	ErrClosed = errors.New("refresh scheduler closed")
)

// DuplicateStartError rejects a start for a key that already has a loop.
type DuplicateStartError struct {
	Key   Key
	State State
}

func (e *DuplicateStartError) Error() string {
	return fmt.Sprintf("refresh %s: already %s", e.Key, e.State)
}

func (e *DuplicateStartError) Is(target error) bool { return target == ErrAlreadyRunning }

// PersistenceError reports a store failure during start or stop. The key
// is left in a state that does not claim success: a failed start never
// runs, a failed stop stays STOPPING until retried or released.
type PersistenceError struct {
	Op  string // "upsert" or "remove"
	Key Key
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("refresh %s: %s state: %v", e.Key, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// UpdateError wraps a Publisher failure. It never leaves the loop that
// produced it; it is only logged, counted and published on the bus.
type UpdateError struct {
	Key   Key
	Err   error
	Panic bool
}

func (e *UpdateError) Error() string {
	if e.Panic {
		return fmt.Sprintf("refresh %s: update panicked: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("refresh %s: update failed: %v", e.Key, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }
