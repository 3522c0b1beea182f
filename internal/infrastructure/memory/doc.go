// Package memory provides an in-process broker with topic-exchange routing,
// durable queues, prefetch limits and acknowledgements.
//
// It implements the broker capability without a network, for tests and local
// development. Messages live only as long as the Broker value.
//
// WARNING: Do not use this across processes; nothing is shared outside the
// Broker instance. Production deployments use one of the networked adapters.
package memory
