// Package config handles configuration loading for the comet relay.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COMET_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  request_timeout: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # agent websocket endpoint and dispatch API
//
// Message bus (optional; empty URL runs the relay standalone):
//
//	bus:
//	  url: "nats://127.0.0.1:4222"
//
// Database:
//
//	database:
//	  path: "/var/lib/comet/jobs.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${COMET_JWT_SECRET}"
//
// Agent timing:
//
//	agents:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "90s"
//	  request_timeout: "30s"
//
// Tunnel timing:
//
//	tunnels:
//	  open_timeout: "10s"
//	  idle_timeout: "10m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Required fields (server.http_addr, database.path, auth.jwt_secret)
//   - Duration format validity
//   - heartbeat_timeout covering at least two heartbeat intervals
//
// # Usage
//
//	cfg, err := config.Load("/etc/comet/comet.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
