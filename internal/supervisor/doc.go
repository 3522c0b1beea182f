// Package supervisor keeps one healthy broker session available to the rest
// of the process.
//
// The Supervisor owns the session lifecycle. It dials at Start, watches the
// current session's Lost signal, and on a drop builds a fresh session after a
// backoff delay. Attempts are bounded: after Backoff.MaxAttempts consecutive
// failures the Supervisor gives up for good and Run returns ErrGivenUp, which
// the process treats as fatal. Reconnection is never retried silently forever.
//
// Callers never hold a session across reconnects. They ask for the current
// one with Session, which fails fast with session.ErrNotConnected while no
// healthy session exists, or park in WaitHealthy until one does.
package supervisor
