package supervisor

import "errors"

var (
	// ErrGivenUp is returned once reconnection attempts are exhausted. It is
	// terminal: the Supervisor never connects again.
	ErrGivenUp = errors.New("supervisor: reconnection attempts exhausted")

	// ErrStopped is returned by WaitHealthy after the Supervisor has shut down.
	ErrStopped = errors.New("supervisor: stopped")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("supervisor: already started")
)
