// OBD Telemetry - vehicle diagnostics pipeline
//
// A single binary with two long-running roles:
//   - publish: polls an ELM327 adapter and publishes readings over MQTT
//   - ingest: consumes readings from MQTT, writes them to InfluxDB and
//     serves the query API with a live WebSocket feed
//
// Both roles read the same YAML configuration, overridable by environment
// variables.
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

// configEnvVar names the environment variable consulted when --config is not given.
const configEnvVar = "OBDTELEMETRY_CONFIG"

func main() {
	// Cancel on Ctrl+C or SIGTERM so every role shuts down gracefully.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
