// Package retry implements the bounded retry-then-dead-letter escalation
// policy applied to messages whose handler failed.
//
// The policy is a pure function of the delivery attempt count and the retry
// ceiling. Redelivery timing belongs to the broker, so there is no backoff
// here: a failed message is either requeued straight away with its attempt
// count incremented by one, or routed to the dead-letter sink for good.
package retry

import "fmt"

// DefaultMaxRetries is the retry ceiling used when configuration sets none.
const DefaultMaxRetries = 3

// Action is the outcome of an escalation decision.
type Action int

const (
	// Requeue republishes the message with its attempt count incremented.
	Requeue Action = iota + 1

	// DeadLetter routes the message to the terminal failure sink.
	DeadLetter
)

// String returns the lowercase action name.
func (a Action) String() string {
	switch a {
	case Requeue:
		return "requeue"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Decision is produced by Decide or Abandon and is the only way a message's
// delivery attempt count can change. The zero Decision is invalid.
type Decision struct {
	action  Action
	attempt int
}

// Action returns what should happen to the message.
func (d Decision) Action() Action { return d.action }

// Attempt returns the delivery attempt count the message carries from now on:
// the count on the requeued envelope, or the final count recorded with the
// dead letter.
func (d Decision) Attempt() int { return d.attempt }

// Valid reports whether d was produced by this package.
func (d Decision) Valid() bool {
	return (d.action == Requeue || d.action == DeadLetter) && d.attempt > 0
}

// String implements fmt.Stringer.
func (d Decision) String() string {
	return fmt.Sprintf("%s(attempt=%d)", d.action, d.attempt)
}

// Decide returns the escalation for a message that has now failed
// deliveryAttemptCount times in total (the current failure included).
//
// While deliveryAttemptCount is below maxRetries the message is requeued and
// carries deliveryAttemptCount forward; otherwise it is dead-lettered. A
// maxRetries of zero or less dead-letters on the first failure.
func Decide(deliveryAttemptCount, maxRetries int) Decision {
	if deliveryAttemptCount < 1 {
		deliveryAttemptCount = 1
	}
	if deliveryAttemptCount < maxRetries {
		return Decision{action: Requeue, attempt: deliveryAttemptCount}
	}
	return Decision{action: DeadLetter, attempt: deliveryAttemptCount}
}

// Abandon dead-letters a message regardless of the retry ceiling. It is used
// for failures that no amount of redelivery can fix, such as a payload that
// does not decode.
func Abandon(deliveryAttemptCount int) Decision {
	if deliveryAttemptCount < 1 {
		deliveryAttemptCount = 1
	}
	return Decision{action: DeadLetter, attempt: deliveryAttemptCount}
}
