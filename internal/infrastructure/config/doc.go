// Package config loads and validates fleetbus configuration.
//
// Loading order:
//   - Defaults (defaultConfig)
//   - YAML file, if a path is given
//   - FLEETBUS_* environment variables
//   - Validate, which reports every problem at once
//
// Credentials (broker password, InfluxDB token) should come from the
// environment rather than the file.
//
// Usage:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Broker.Type)
package config
