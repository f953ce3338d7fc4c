// Package gateway wires a chat platform to an OpenCode server.
//
// # Overview
//
// The Gateway owns every pipeline component: the dedupe cache, the group
// admission policy, the session directory, the conversation service, the
// command executor, the history ingestor and the streaming relay. It also runs
// the operational surface around them.
//
// # Message Flow
//
// Platform adapters call Dispatch for every decoded message:
//
//  1. Duplicate message ids are dropped synchronously.
//  2. Non-text or blank messages are dropped.
//  3. Group messages the admission policy rejects are forwarded to the
//     session as context, with no reply.
//  4. Slash commands are executed and answered directly.
//  5. Everything else becomes a conversation turn.
//
// DispatchBotAdded imports recent group history when the bot joins a chat.
// Dispatched work runs on goroutines tracked by a WaitGroup that Shutdown
// drains.
//
// # HTTP Endpoints
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness as JSON {backend, relay, platform}
//   - GET /metrics - Prometheus exposition (path configurable)
//
// # gRPC
//
// When server.grpc_addr is set, the standard grpc.health.v1 service is served.
// Its status follows readiness and is refreshed by the backend probe.
//
// # Maintenance
//
// A cron scheduler sweeps expired session bindings every ten minutes, probes
// backend health every thirty seconds, and prunes the ledger daily.
package gateway
