// Package gateway hosts one intake interview session behind HTTP and gRPC.
//
// # Overview
//
// The Gateway owns the store, the session, the UI bridge, the optional
// Prometheus collector and both servers. New wires them; Run starts the
// session, serves until the context is canceled, then shuts everything down
// and saves a final checkpoint.
//
// # HTTP API
//
// Routes are registered on an echo instance in router.go:
//
//   - GET /health - Liveness check
//   - GET /health/ready, GET /ready - 200 once the session has started
//   - GET /api/session - Phase, objectives, card, waits, transcript and queue state
//   - GET /api/tools - Definitions of the currently allowed tools and all packs
//   - GET /api/events - In-memory bus history, optionally filtered by topic
//   - GET /api/journal - Persisted event journal, paged by cursor
//   - POST /api/messages - Send a user message
//   - POST /api/actions - Resolve or dismiss a card by continuation token
//   - POST /api/cancel - Interrupt the active turn
//   - GET /api/snapshot - The checkpoint the session would save now
//   - POST /api/snapshot - Save a checkpoint
//   - GET /api/snapshots - Stored checkpoints, newest first
//   - GET /ws - UI WebSocket (see package uibridge)
//   - GET <metrics.path> - Prometheus metrics when enabled
//
// # gRPC
//
// The gRPC server carries only the standard health service. The service
// named by HealthService reports SERVING once the session has started and
// NOT_SERVING after shutdown begins.
//
// # Policy Reload
//
// With policy.watch set the admission policy file is watched. A change that
// compiles replaces the policy and recomputes gating; one that does not is
// logged and ignored.
package gateway
