// Fleetbus - reliable messaging for vehicle fleets
//
// This is the entry point for the fleetbus command. The serve subcommand runs
// the backend consumer: it keeps a supervised broker session, feeds realtime
// and report telemetry to InfluxDB and archives dead letters in SQLite. The
// command, listen and deadletters subcommands are operator tools built on the
// same packages.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv names the environment variable that overrides the config path.
const configEnv = "FLEETBUS_CONFIG"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath returns the configuration file path.
// Uses FLEETBUS_CONFIG if set. Otherwise the default path is used when the
// file exists, and no file at all (defaults plus environment) when it does
// not.
func getConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}
