// Package gateway serves the bq-gateway HTTP API.
//
// # Overview
//
// The gateway wires three collaborators behind one HTTP server: the discovery
// proxy (projects and datasets visible to the caller's token), the agent
// factory (one agent per query), and the session stream that relays agent
// steps to the browser as server-sent events.
//
// # HTTP API
//
//   - GET /api/projects - projects visible to the bearer token (JSON array of {id, displayName})
//   - GET /api/datasets?projectId=X - datasets in a project (JSON array of {id, location})
//   - POST /api/query - run a natural-language question (SSE stream)
//   - GET /api/config - OAuth client settings for the browser
//   - GET /health - liveness
//   - GET /health/ready - readiness; 503 while shutting down
//
// Discovery endpoints require "Authorization: Bearer <token>". The query
// endpoint also accepts the token in the JSON body; the header wins when both
// are present. Failures before streaming starts are JSON:
//
//	{"error": "projectId is required", "kind": "configuration"}
//
// # Query Stream
//
// Once a query passes validation the response switches to text/event-stream
// and every event is flushed as it is produced:
//
//	event: session
//	data: {"seq":1,"type":"session","payload":{"session_id":"...","project_id":"proj-1"}}
//
//	event: tool_start
//	data: {"seq":2,"type":"tool_start","payload":{"id":"...","name":"list_dataset_ids","args":{}}}
//
// The stream ends with exactly one final_answer or error event. Failures
// after streaming starts are reported as an error event, not an HTTP status.
// If the client disconnects first, the session is cancelled and no further
// model or BigQuery calls are made.
//
// # Servers
//
// Run listens on server.http_addr, and on server.grpc_addr for the standard
// gRPC health service when configured. With tailscale.enabled the gateway
// joins the tailnet via tsnet instead and serves HTTP on :80, or HTTPS on
// :443 with Tailscale certificates (tailscale.https / tailscale.funnel).
package gateway
