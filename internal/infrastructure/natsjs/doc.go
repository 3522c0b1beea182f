// Package natsjs adapts NATS JetStream to the broker capability used by the
// fleetbus session layer.
//
// One stream (named by broker.exchange) captures every subject under the
// prefix "<exchange>.", so the routing key realtime.location.VH-1 travels on
// the subject fleet.realtime.location.VH-1. The stream uses interest
// retention: a message is kept until every consumer whose filter matches it
// has acknowledged it, and a message nobody is bound to is discarded.
//
// A declared queue is a durable pull consumer with explicit acknowledgement.
// Binding patterns become filter subjects ("*" stays "*", a trailing "#"
// becomes ">"). Processes that consume the same queue compete for messages.
// Each channel fetches no more than its prefetch window of unacknowledged
// messages.
//
// A requeueing Nack is a NAK (immediate redelivery). A Nack without requeue
// terminates the message. Closing a channel NAKs whatever it still holds.
package natsjs
