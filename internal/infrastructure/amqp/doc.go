// Package amqp adapts RabbitMQ (AMQP 0-9-1) to the broker capability used by
// the fleetbus session layer.
//
// Every connection declares one durable topic exchange. Channel.Declare
// creates a durable queue and binds it to that exchange with the binding
// pattern, so RabbitMQ performs the routing natively. Channels run in
// publisher-confirm mode: Publish returns only after the broker has confirmed
// the message. Consumer channels set basic.qos to the requested prefetch and
// use manual acknowledgements.
//
// The adapter never reconnects on its own. A dropped connection is reported
// once on NotifyClose and the supervisor decides what happens next.
package amqp
