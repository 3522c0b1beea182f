// Package telemetry turns realtime and report envelopes into time-series
// points and hands them to a Writer (InfluxDB in production).
//
// Each stream maps to one measurement named vehicle_<stream name>. The
// vehicle id and the payload's string fields become tags; numeric and
// boolean fields become fields; the envelope timestamp is the point time.
//
//	sink := telemetry.NewSink(influxClient)
//	if err := sink.Register(registry); err != nil {
//	    return err
//	}
package telemetry
