// Package config handles configuration loading for intake-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Every field has a default, so an empty file (or no file at all, via
// Default) yields a working in-memory gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from INTAKE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/intake/gateway.yaml
//  3. ~/.config/intake/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${INTAKE_DB}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string, which then
// takes the field's default.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	queue:
//	  base_backoff: "500ms"
//	  max_backoff: "10s"
//	checkpoint:
//	  debounce: "2s"
//
// # Sections
//
//   - server: HTTP and gRPC health listen addresses
//   - database: SQLite path; empty keeps sessions in memory
//   - logging: level (debug, info, warn, error) and format (text, json)
//   - session: session id, model, reasoning effort, kickoff message and an
//     optional scripted transport transcript
//   - bus: event history size
//   - queue: transport retry count and backoff bounds
//   - continuation: default wait timeout and resolved-token memory
//   - checkpoint: autosave debounce and retained snapshot count
//   - policy: gating table override (TOML) and admission policy (Rego)
//   - ui: WebSocket limits and keepalive timing
//   - metrics: Prometheus endpoint
package config
