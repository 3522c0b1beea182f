// Package influxdb writes vehicle telemetry to InfluxDB v2.
//
// It wraps the official influxdb-client-go v2 library. Writes go through the
// blocking write API so a caller knows the point is stored before it
// acknowledges the message that carried it.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.WritePoint(ctx, "vehicle_battery",
//	    map[string]string{"vehicle": "VH-1"},
//	    map[string]any{"battery_level": 81.5},
//	    env.Timestamp)
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
package influxdb
