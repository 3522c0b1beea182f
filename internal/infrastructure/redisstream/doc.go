// Package redisstream adapts Redis Streams to the broker capability used by
// the fleetbus session layer.
//
// Layout under the namespace N (broker.exchange):
//
//	N:queues            set of declared queue names
//	N:bindings:<queue>  set of binding patterns for one queue
//	N:queue:<queue>     stream holding the queue's messages
//
// Redis has no topic exchange, so Publish reads the bindings, matches the
// routing key with broker.Match and appends the message to every matching
// queue stream inside one MULTI/EXEC. A key nobody is bound to is dropped.
//
// Every queue stream has one consumer group, "fleetbus". Consumers read with
// XREADGROUP under the configured client ID, so processes sharing a queue
// must use distinct client IDs. When Consume starts, it first replays the
// consumer's own pending entries, the messages a previous connection
// received but never acknowledged, and marks them redelivered. It also
// claims entries that other consumers have left idle for over a minute.
//
// Ack removes the entry (XACK and XDEL). A requeueing Nack appends a copy
// marked redelivered to the tail of the stream and removes the original.
//
// Redis connections are pooled and have no close event, so each connection
// pings the server every heartbeat and reports the first failure on
// NotifyClose.
package redisstream
