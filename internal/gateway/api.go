// ABOUTME: HTTP API handlers for discovery and streaming natural-language queries
// ABOUTME: Provides /api/projects, /api/datasets, /api/query (SSE) and /api/config

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/bq-gateway/internal/apierr"
	"github.com/2389/bq-gateway/internal/auth"
	"github.com/2389/bq-gateway/internal/stream"
)

// maxQueryBodyBytes bounds POST /api/query bodies.
const maxQueryBodyBytes = 1 << 20

// QueryRequest is the JSON request body for POST /api/query.
// Message and ProjectIDAlias are accepted for older clients.
type QueryRequest struct {
	Token          string `json:"token,omitempty"`
	ProjectID      string `json:"projectId,omitempty"`
	ProjectIDAlias string `json:"project_id,omitempty"`
	Dataset        string `json:"dataset,omitempty"`
	Question       string `json:"question,omitempty"`
	Message        string `json:"message,omitempty"`
}

// ConfigResponse is the JSON response for GET /api/config.
type ConfigResponse struct {
	OAuthClientID string   `json:"oauth_client_id"`
	Scopes        []string `json:"scopes"`
}

// ErrorResponse is the JSON body of every non-streaming error.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// registerRoutes registers all HTTP routes on mux.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	mux.HandleFunc("/api/config", g.handleConfig)
	mux.Handle("/api/projects", auth.RequireBearer()(http.HandlerFunc(g.handleListProjects)))
	mux.Handle("/api/datasets", auth.RequireBearer()(http.HandlerFunc(g.handleListDatasets)))
	mux.Handle("/api/query", auth.OptionalBearer()(http.HandlerFunc(g.handleQuery)))
}

// handleListProjects handles GET /api/projects.
// It returns the projects visible to the caller's token, in upstream order.
func (g *Gateway) handleListProjects(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	token := auth.MustTokenFromContext(r.Context())
	projects, err := g.discovery.ListProjects(r.Context(), token.Value())
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, projects)
}

// handleListDatasets handles GET /api/datasets?projectId=X.
func (g *Gateway) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		projectID = r.URL.Query().Get("project_id")
	}
	if projectID == "" {
		g.sendAPIError(w, apierr.Configuration("projectId query parameter is required"))
		return
	}

	token := auth.MustTokenFromContext(r.Context())
	datasets, err := g.discovery.ListDatasets(r.Context(), token.Value(), projectID)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, datasets)
}

// handleConfig handles GET /api/config. It exposes only what the browser needs
// to start the OAuth flow.
func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	g.sendJSON(w, http.StatusOK, ConfigResponse{
		OAuthClientID: g.config.OAuth.ClientID,
		Scopes:        g.config.OAuth.Scopes,
	})
}

// handleQuery handles POST /api/query.
// It validates the request, builds a per-request agent, and streams its events via SSE.
//
// Responsibilities:
//  1. Parse JSON body and resolve aliases
//  2. Resolve the bearer token (Authorization header wins over the body)
//  3. Validate question and projectId before any downstream call
//  4. Build the agent for this token and project
//  5. Run the agent in a producer goroutine feeding the session's event channel
//  6. Write events as SSE until the terminal event or client disconnect
func (g *Gateway) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseQueryRequest(http.MaxBytesReader(w, r.Body, maxQueryBodyBytes))
	if err != nil {
		// Without a header token the body was the only credential source.
		if _, ok := auth.TokenFromContext(r.Context()); !ok {
			err = apierr.Unauthorized("missing bearer token")
		}
		g.sendAPIError(w, err)
		return
	}

	token, err := resolveToken(r.Context(), req.Token)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}

	if req.Question == "" {
		g.sendAPIError(w, apierr.Configuration("question is required"))
		return
	}
	if req.ProjectID == "" {
		g.sendAPIError(w, apierr.Configuration("projectId is required"))
		return
	}

	if !g.beginSession() {
		g.sendJSONError(w, http.StatusServiceUnavailable, "gateway is shutting down", apierr.KindUpstreamUnavailable)
		return
	}
	defer g.sessions.Done()

	ag, err := g.agents.CreateAgent(r.Context(), token.Value(), req.ProjectID, req.Dataset)
	if err != nil {
		g.sendAPIError(w, err)
		return
	}

	sw, err := stream.NewWriter(w)
	if err != nil {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported", apierr.KindUnknown)
		return
	}

	sess := stream.NewSession(stream.Options{
		SessionID:      uuid.NewString(),
		ProjectID:      req.ProjectID,
		Dataset:        req.Dataset,
		Model:          ag.ModelName(),
		RenderMarkdown: g.config.Agent.RenderMarkdown,
		Buffer:         16,
		Logger:         g.logger,
	})

	ctx, cancel := g.sessionContext(r.Context())
	defer cancel()

	produced := make(chan struct{})
	go func() {
		defer close(produced)
		defer sess.Close()

		if err := sess.Start(); err != nil {
			return
		}
		answer, err := ag.Run(ctx, req.Question, sess)
		if err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, errShuttingDown) {
				err = cause
			}
			_ = sess.Fail(err)
			return
		}
		_ = sess.Complete(answer)
	}()

	g.relayEvents(r.Context(), sw, sess, cancel)
	<-produced

	usage := sess.Usage()
	g.logger.Info("query session ended",
		"session_id", sess.ID(),
		"project_id", req.ProjectID,
		"state", sess.State().String(),
		"prompt_tokens", usage.PromptTokens,
		"completion_tokens", usage.CompletionTokens,
		"total_tokens", usage.TotalTokens,
	)
}

// relayEvents writes session events until the stream closes. A client
// disconnect or write failure cancels the session so no further upstream
// calls are made.
func (g *Gateway) relayEvents(clientCtx context.Context, sw *stream.Writer, sess *stream.Session, cancel context.CancelFunc) {
	for {
		select {
		case <-clientCtx.Done():
			sess.Disconnect()
			cancel()
			return

		case ev, ok := <-sess.Events():
			if !ok {
				return
			}
			if err := sw.Write(ev); err != nil {
				g.logger.Warn("failed to write event", "session_id", sess.ID(), "error", err)
				sess.Disconnect()
				cancel()
				return
			}
		}
	}
}

// sessionContext bounds a query session by the client request,
// agent.session_timeout, and gateway shutdown. Shutdown cancels with
// errShuttingDown as the cause.
func (g *Gateway) sessionContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancelCause := context.WithCancelCause(parent)
	stop := context.AfterFunc(g.sessionsCtx, func() {
		cancelCause(context.Cause(g.sessionsCtx))
	})

	cancelTimeout := context.CancelFunc(func() {})
	if g.config.Agent.SessionTimeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, g.config.Agent.SessionTimeout)
	}

	return ctx, func() {
		stop()
		cancelTimeout()
		cancelCause(context.Canceled)
	}
}

// parseQueryRequest decodes the body and folds aliases into the canonical fields.
func parseQueryRequest(body io.Reader) (*QueryRequest, error) {
	var req QueryRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apierr.Configuration("request body too large")
		}
		return nil, apierr.Configuration(fmt.Sprintf("invalid JSON: %v", err))
	}

	if req.Question == "" {
		req.Question = req.Message
	}
	if req.ProjectID == "" {
		req.ProjectID = req.ProjectIDAlias
	}
	req.Question = strings.TrimSpace(req.Question)
	req.ProjectID = strings.TrimSpace(req.ProjectID)
	req.Dataset = strings.TrimSpace(req.Dataset)

	return &req, nil
}

// resolveToken prefers the Authorization header token placed on the context by
// auth.OptionalBearer, falling back to the body token.
func resolveToken(ctx context.Context, bodyToken string) (auth.Token, error) {
	if token, ok := auth.TokenFromContext(ctx); ok {
		return token, nil
	}
	if bodyToken == "" {
		return "", apierr.Unauthorized("missing bearer token")
	}
	token, err := auth.ValidateToken(bodyToken)
	if err != nil {
		return "", err
	}
	return auth.Token(token), nil
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string, kind apierr.Kind) {
	g.sendJSON(w, status, ErrorResponse{Error: message, Kind: kind.Category()})
}

// sendAPIError maps err onto its HTTP status. Unclassified errors are logged
// and reported as internal errors without detail.
func (g *Gateway) sendAPIError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	if kind == apierr.KindUnknown {
		g.logger.Error("unclassified request error", "error", err)
	} else {
		g.logger.Debug("request failed", "kind", kind, "error", err)
	}
	g.sendJSONError(w, kind.HTTPStatus(), apierr.Message(err), kind)
}
