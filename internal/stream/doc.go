// Package stream defines the message vocabulary shared by every publisher and
// consumer: the closed set of stream types, the payload schema attached to
// each, and the Envelope that carries a payload across the broker.
//
// Stream types are grouped into three categories:
//
//	control.start  control.end  control.kill          backend → device
//	realtime.location  realtime.status  realtime.battery  device → backend
//	report.maintenance  report.performance           device → backend
//
// Payloads are JSON objects. Validate checks a payload against the schema of
// its stream type before anything touches the network, so a malformed message
// is rejected at the publisher rather than discovered by a consumer.
//
// An Envelope's delivery attempt count cannot be set directly. It starts at
// zero and only moves forward through Escalate, which accepts nothing but a
// retry.Decision.
package stream
