// Package broker defines the transport capability fleetbus needs from a
// message broker.
//
// The broker itself (queue storage, exchange matching, persistence) lives
// outside this repository. Everything the client layer relies on is expressed
// by the small set of interfaces in this package:
//
//	Dialer  → Conn      (one physical connection)
//	Conn    → Channel   (flow-controlled sub-channel, prefetch bound)
//	Channel → Declare / Publish / Consume
//	Delivery → Ack / Nack
//
// Adapters live under internal/infrastructure (amqp, mqtt, natsjs,
// redisstream, memory). None of them reconnect on their own: a dropped
// connection is reported once through Conn.NotifyClose and the session layer
// decides what happens next.
//
// # Binding patterns
//
// Queue bindings use AMQP topic-exchange syntax over dot-separated words:
// a "*" word matches exactly one word and a "#" word matches zero or more
// words.
//
// Adapters whose broker has no topic exchange (Redis Streams, the in-memory
// broker) route with Match.
package broker
