// Package config handles configuration loading for coven-hub.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_HUB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/hub.yaml
//  3. ~/.config/coven/hub.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${COVEN_HUB_DB}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	hub:
//	  idle_timeout: "5m"
//	agents:
//	  direct_timeout: "30s"
//	  broadcast_timeout: "15s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # WebSocket, API, and health endpoints
//
// Database:
//
//	database:
//	  path: "/var/lib/coven/hub.db"
//
// Hub tuning:
//
//	hub:
//	  max_connections: 10000
//	  accept_rate: 100
//	  accept_burst: 50
//	  idle_timeout: "5m"
//
// Agent dispatch:
//
//	agents:
//	  manifest_path: "agents.toml"  # optional static agent manifest
//	  direct_timeout: "30s"
//	  broadcast_timeout: "15s"
//
// Monitoring:
//
//	monitoring:
//	  enabled: true
//	  interval: "10s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/coven/hub.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
