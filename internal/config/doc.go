// Package config handles configuration loading for coven-swarm.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; anything else is YAML.
// Missing values get defaults and the result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_SWARM_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/swarm.yaml
//  3. ~/.config/coven/swarm.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	log:
//	  path: "${SWARM_DATA}/spans.jsonl"
//
// Hook arguments are themselves templates over span attributes. Write them
// with a doubled dollar so they pass through expansion untouched:
//
//	args: ["motion $${motion_id} is in ${SWARM_ENV}"]
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	runtime:
//	  poll_interval: "200ms"
//	  action_grace: "5s"
//
// # Example
//
//	log:
//	  backend: file
//	  path: "./spans.jsonl"
//
//	runtime:
//	  mode: filewatch
//	  emit_transitions: true
//
//	agents:
//	  - kind: roberts
//	  - kind: scrum
//	  - kind: lean
//
//	server:
//	  http_addr: "127.0.0.1:8480"
package config
