// Package config handles configuration loading for bq-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Missing optional values receive defaults; required values are
// checked by Validate.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BQ_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/bq-gateway/gateway.yaml
//  3. ~/.config/bq-gateway/gateway.yaml
//
// A path ending in .toml is decoded as TOML; anything else as YAML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	gemini:
//	  api_key: "${GOOGLE_API_KEY}"
//
// Syntax: ${VAR_NAME}
//
// When gemini.api_key is empty after expansion, GOOGLE_API_KEY and then
// GEMINI_API_KEY are consulted directly.
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API
//	  grpc_addr: "0.0.0.0:50051"  # optional gRPC health service
//
// Gemini (server-side secret, never sent to clients):
//
//	gemini:
//	  api_key: "${GOOGLE_API_KEY}"
//	  model: "gemini-2.5-flash"
//	  requests_per_second: 5
//	  burst: 10
//	  call_timeout: "60s"
//
// Browser OAuth client, exposed at GET /api/config:
//
//	oauth:
//	  client_id: "${GOOGLE_OAUTH_CLIENT_ID}"
//
// Query sessions:
//
//	agent:
//	  max_steps: 10
//	  max_rows: 100
//	  tool_timeout: "60s"
//	  session_timeout: "5m"
//	  render_markdown: true
//
// Discovery calls:
//
//	upstream:
//	  timeout: "15s"
//	  projects_page_size: 100
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "bq-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//	  funnel: false
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
