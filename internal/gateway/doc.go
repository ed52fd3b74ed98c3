// Package gateway hosts a swarm of agents on one shared event log.
//
// # Overview
//
// The gateway is the composition root of coven-swarm. From a config.Config it
// opens the log backend, registers the built-in packs, builds one runtime per
// configured agent and hands them to an agent.Manager. It owns everything it
// opens and releases it on Shutdown.
//
// # Notification Modes
//
// runtime.mode picks how idle runtimes learn about new spans:
//
//   - interval: poll every runtime.poll_interval
//   - signal: wake on the log's in-process Broadcaster
//   - filewatch: wake on fsnotify events for the log file
//
// A mode the backend cannot support degrades to interval polling. Every mode
// reads the log the same way, so the choice only affects latency.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - GET /health - Liveness check
//   - GET /status - Status snapshot of every agent
//   - GET /api/agents/{name} - Status of one agent
//   - GET /api/packs - Registered agent kinds
//   - POST /api/spans - Append a span (400 on malformed, 409 on duplicate span_id)
//   - GET /api/spans?from=N - One batch of records from offset N
//   - GET /api/spans/stream?from=N - Records as Server-Sent Events
//   - GET /api/traces/{trace_id} - Spans of one trace (sqlite backend)
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return gw.Run(ctx) // blocks until ctx is canceled
//
// Shutdown stops the HTTP server, cancels the runtimes, gives in-flight
// actions runtime.action_grace to finish and then closes the log.
package gateway
