// Package auth passes the caller's Google OAuth credential through the gateway.
//
// # Credential Model
//
// The browser owns the OAuth flow and sends its access token with every
// request. The gateway holds the token only while serving that request:
//
//   - It is never cached, persisted, or echoed back in responses.
//   - It is never logged; the Token type redacts itself when formatted.
//   - The same token authorizes both project discovery and BigQuery access.
//     There is no backend service account.
//
// # Middleware
//
//	mux.Handle("/api/projects", auth.RequireBearer()(handler))
//
// RequireBearer answers 401 with a JSON body when the Authorization header is
// missing or not of the form "Bearer <token>", before any downstream call.
// OptionalBearer is used by the query endpoint, which also accepts the token in
// its JSON body.
//
// Handlers read the token back with TokenFromContext.
package auth
