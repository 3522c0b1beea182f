// Package dispatch runs the consumer side of the messaging layer.
//
// Business code registers one Handler per stream type. The Dispatcher binds a
// queue for every registered stream (or, for a single entity, one queue per
// category), pulls deliveries under the channel's flow-control budget, and
// settles each one from the handler's outcome:
//
//	nil                      ack
//	error                    retry.Decide → requeue with attempt+1, or dead-letter
//	Permanent(error)         dead-letter at once
//	panic                    treated as an error
//	undecodable / mismatched dead-letter at once
//
// A requeue republishes the escalated envelope and then acks the original, so
// the attempt count travels with the message; ordering for that entity is not
// preserved across a requeue. Deliveries for the same entity are otherwise
// handled one at a time in arrival order, while different entities proceed
// concurrently.
//
// When the context is cancelled or the session drops, deliveries still being
// handled are left unacknowledged and the broker redelivers them.
package dispatch
