// Package mqtt adapts an MQTT 3.1.1 broker (Mosquitto, EMQX, HiveMQ) to the
// broker capability used by the fleetbus session layer.
//
// # Mapping
//
// MQTT has no queues, so the adapter builds them from the pieces it has:
//
//   - A routing key "realtime.location.VH-1" is published on the topic
//     "realtime/location/VH-1".
//   - A binding pattern becomes a topic filter: "*" maps to "+" and "#"
//     stays "#".
//   - Declaring queue Q with a pattern subscribes to the shared subscription
//     "$share/Q/<filter>", so consumers of the same queue in different
//     processes split the traffic the way competing AMQP consumers do.
//   - Sessions are persistent (clean session off) and acknowledgements are
//     manual, so a message that is never acknowledged is redelivered by the
//     broker on the next connection with the same client ID.
//
// Within one connection, deliveries from a closed channel or a requeueing
// Nack go back to the front of the queue's local buffer. A Nack without
// requeue acknowledges the message to the broker, which drops it.
//
// The broker's in-flight window (max_inflight_messages on Mosquitto) bounds
// how many unacknowledged messages the broker sends before it waits, which
// in turn bounds the local buffers.
//
// # Limitations
//
//   - MQTT 3.1.1 carries no headers or message IDs; only the body survives
//     the trip. fleetbus envelopes carry their own identifiers.
//   - When two declared queues match the same topic, each message is routed
//     to the first queue declared.
//
// # Usage
//
//	d := mqtt.New(cfg.Broker, cfg.Session)
//	conn, err := d.Dial(ctx)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
package mqtt
