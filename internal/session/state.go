package session

// State represents the lifecycle state of a Session.
type State int32

const (
	// Disconnected is both the initial and the terminal state.
	Disconnected State = iota

	// Connecting means a handshake is in progress.
	Connecting

	// Ready means the connection is established and no budget is saturated.
	Ready

	// Degraded means the connection is established but at least one channel
	// has exhausted its flow-control budget.
	Degraded

	// Closing means Close is tearing the connection down.
	Closing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Connected reports whether the state carries a live connection.
func (s State) Connected() bool {
	return s == Ready || s == Degraded
}

// Observer is notified of every state transition. It is called synchronously
// and must not call back into the Session.
type Observer func(from, to State)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger discards all log output.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
