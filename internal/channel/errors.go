package channel

import (
	"errors"
	"fmt"
)

var (
	// ErrStartupTimeout is returned when the peer does not print its ready marker in time.
	ErrStartupTimeout = errors.New("startup timeout")

	// ErrResponseTimeout is returned when a response does not end with the ready marker in time.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrProcessCrashed is returned when the peer exits or closes its output mid-turn.
	ErrProcessCrashed = errors.New("process crashed")

	// ErrResponseTooLarge is returned when a response exceeds the configured size limit.
	ErrResponseTooLarge = errors.New("response too large")

	// ErrNotReady is returned by Submit outside the Ready state.
	ErrNotReady = errors.New("channel not ready")

	// ErrChannelTerminated is returned once the channel has stopped for good.
	ErrChannelTerminated = errors.New("channel terminated")

	// ErrInvalidTransition reports an illegal state machine move.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// StateError describes a rejected state transition.
type StateError struct {
	From State
	To   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("invalid state transition %s -> %s", e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition.
func (e *StateError) Unwrap() error {
	return ErrInvalidTransition
}

// IsRecoverable reports whether err came from a failed turn that triggers a restart.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrResponseTimeout) ||
		errors.Is(err, ErrProcessCrashed) ||
		errors.Is(err, ErrResponseTooLarge)
}
