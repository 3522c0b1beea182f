// Package logging provides structured logging for fleetbus.
//
// It wraps log/slog with JSON or text output, level filtering and default
// fields (service, version) on every entry. *Logger satisfies the small
// Debug/Info/Warn/Error Logger interfaces declared by the session,
// supervisor, dispatch and deadletter packages.
//
// Configuration comes from the logging section of the config file:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	log := logging.New(cfg.Logging, cfg.Service.Name, version)
//	sup.SetLogger(log.Component("supervisor"))
package logging
