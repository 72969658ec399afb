// ABOUTME: Tests for the HTTP API: discovery proxy endpoints and the SSE query stream
// ABOUTME: Uses a fake Google API server and a scripted Gemini model

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/2389/bq-gateway/internal/agent"
	"github.com/2389/bq-gateway/internal/config"
	"github.com/2389/bq-gateway/internal/discovery"
	"github.com/2389/bq-gateway/internal/gcp"
	"github.com/2389/bq-gateway/internal/stream"
)

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeGoogle serves the Resource Manager and BigQuery endpoints the gateway calls.
type fakeGoogle struct {
	srv   *httptest.Server
	calls atomic.Int32

	mu     sync.Mutex
	tokens []string
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	t.Helper()
	f := &fakeGoogle{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		f.mu.Lock()
		f.tokens = append(f.tokens, r.Header.Get("Authorization"))
		f.mu.Unlock()

		switch r.URL.Path {
		case "/v1/projects":
			writeTestJSON(w, http.StatusOK, map[string]any{
				"projects": []map[string]any{
					{"projectId": "proj-2", "name": "Second"},
					{"projectId": "proj-1", "name": "First"},
				},
			})
		case "/bigquery/v2/projects/proj-1/datasets":
			writeTestJSON(w, http.StatusOK, map[string]any{
				"datasets": []map[string]any{
					{"datasetReference": map[string]any{"datasetId": "sales"}, "location": "US"},
					{"datasetReference": map[string]any{"datasetId": "hr"}, "location": "EU"},
				},
			})
		case "/bigquery/v2/projects/BAD_ID/datasets":
			writeTestJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{"code": 400, "message": "Invalid project ID 'BAD_ID'."},
			})
		case "/bigquery/v2/projects/denied/datasets":
			writeTestJSON(w, http.StatusForbidden, map[string]any{
				"error": map[string]any{"code": 403, "message": "Access Denied"},
			})
		default:
			writeTestJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": 404, "message": "Not found: " + r.URL.Path},
			})
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGoogle) clients() *gcp.ClientFactory {
	return gcp.NewClientFactory(gcp.Endpoints{
		ResourceManager: f.srv.URL + "/",
		BigQuery:        f.srv.URL + "/bigquery/v2/",
	}, f.srv.Client())
}

func (f *fakeGoogle) seenTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// scriptedModel plays back one scripted turn per call. A nil turn blocks
// until the call's context is done.
type scriptedModel struct {
	mu        sync.Mutex
	turns     [][]*genai.GenerateContentResponse
	calls     int
	cancelled chan struct{}
}

func (m *scriptedModel) GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()

	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		if idx >= len(m.turns) || m.turns[idx] == nil {
			<-ctx.Done()
			if m.cancelled != nil {
				close(m.cancelled)
			}
			yield(nil, ctx.Err())
			return
		}
		for _, resp := range m.turns[idx] {
			if !yield(resp, nil) {
				return
			}
		}
	}
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func modelText(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{{Text: text}}}}},
	}
}

func modelCall(name string, args map[string]any) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Parts: []*genai.Part{
			{FunctionCall: &genai.FunctionCall{ID: "call-" + name, Name: name, Args: args}},
		}}}},
	}
}

func modelUsage(prompt, completion int32) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{
			PromptTokenCount:     prompt,
			CandidatesTokenCount: completion,
			TotalTokenCount:      prompt + completion,
		},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Gemini: config.GeminiConfig{APIKey: "server-side-gemini-key", Model: "gemini-test"},
		OAuth: config.OAuthConfig{
			ClientID: "client-123.apps.googleusercontent.com",
			Scopes:   config.DefaultScopes,
		},
		Agent: config.AgentConfig{
			MaxSteps:       5,
			MaxRows:        10,
			SessionTimeout: 10 * time.Second,
		},
	}
}

func newTestGateway(t *testing.T, google *fakeGoogle, model agent.Model) *Gateway {
	t.Helper()
	cfg := testConfig()
	clients := google.clients()

	factory, err := agent.NewFactory(agent.FactoryConfig{
		Services:  clients,
		Model:     model,
		ModelName: cfg.Gemini.Model,
		MaxSteps:  cfg.Agent.MaxSteps,
		MaxRows:   cfg.Agent.MaxRows,
		Logger:    testLogger(),
	})
	require.NoError(t, err)

	gw, err := NewWithOptions(cfg, testLogger(), Options{
		Discovery: discovery.New(discovery.Config{Services: clients, Logger: testLogger()}),
		Agents:    factory,
	})
	require.NoError(t, err)
	return gw
}

func decodeError(t *testing.T, body io.Reader) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(body).Decode(&resp))
	return resp
}

func TestListProjects_RequiresBearer(t *testing.T) {
	google := newFakeGoogle(t)
	gw := newTestGateway(t, google, &scriptedModel{})

	for _, header := range []string{"", "Basic abc", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
		assert.Equal(t, "unauthorized", decodeError(t, rec.Body).Kind)
	}
	assert.Zero(t, google.calls.Load(), "no downstream call without a valid token")
}

func TestListProjects_UpstreamOrder(t *testing.T) {
	google := newFakeGoogle(t)
	gw := newTestGateway(t, google, &scriptedModel{})

	req := httptest.NewRequest(http.MethodGet, "/api/projects", nil)
	req.Header.Set("Authorization", "Bearer user-token")
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var projects []discovery.Project
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&projects))
	assert.Equal(t, []discovery.Project{
		{ID: "proj-2", DisplayName: "Second"},
		{ID: "proj-1", DisplayName: "First"},
	}, projects)
	assert.Equal(t, []string{"Bearer user-token"}, google.seenTokens())
	assert.NotContains(t, rec.Body.String(), "user-token")
}

func TestListDatasets(t *testing.T) {
	google := newFakeGoogle(t)
	gw := newTestGateway(t, google, &scriptedModel{})

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantKind   string
	}{
		{"ok", "?projectId=proj-1", http.StatusOK, ""},
		{"unknown project", "?projectId=nope", http.StatusNotFound, "not_found"},
		{"inaccessible project", "?projectId=denied", http.StatusNotFound, "not_found"},
		{"invalid project id", "?projectId=BAD_ID", http.StatusNotFound, "not_found"},
		{"missing project", "", http.StatusBadRequest, "configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/datasets"+tt.query, nil)
			req.Header.Set("Authorization", "Bearer user-token")
			rec := httptest.NewRecorder()
			gw.Handler().ServeHTTP(rec, req)

			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, decodeError(t, rec.Body).Kind)
				return
			}
			var datasets []discovery.Dataset
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&datasets))
			assert.Equal(t, []discovery.Dataset{
				{ID: "sales", Location: "US"},
				{ID: "hr", Location: "EU"},
			}, datasets)
		})
	}
}

func TestConfigEndpoint_NoServerSecrets(t *testing.T) {
	gw := newTestGateway(t, newFakeGoogle(t), &scriptedModel{})

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "server-side-gemini-key")

	var resp ConfigResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "client-123.apps.googleusercontent.com", resp.OAuthClientID)
	assert.Equal(t, config.DefaultScopes, resp.Scopes)
}

func postQuery(t *testing.T, gw *Gateway, header string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/query", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestQuery_RejectedBeforeStreaming(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		body       map[string]any
		wantStatus int
		wantKind   string
	}{
		{
			name:       "no token",
			body:       map[string]any{"projectId": "proj-1", "question": "hi"},
			wantStatus: http.StatusUnauthorized,
			wantKind:   "unauthorized",
		},
		{
			name:       "malformed header",
			header:     "Token abc",
			body:       map[string]any{"token": "abc", "projectId": "proj-1", "question": "hi"},
			wantStatus: http.StatusUnauthorized,
			wantKind:   "unauthorized",
		},
		{
			name:       "malformed body token",
			body:       map[string]any{"token": "two words", "projectId": "proj-1", "question": "hi"},
			wantStatus: http.StatusUnauthorized,
			wantKind:   "unauthorized",
		},
		{
			name:       "missing question",
			body:       map[string]any{"token": "tok", "projectId": "proj-1"},
			wantStatus: http.StatusBadRequest,
			wantKind:   "configuration",
		},
		{
			name:       "missing project",
			body:       map[string]any{"token": "tok", "question": "hi"},
			wantStatus: http.StatusBadRequest,
			wantKind:   "configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			google := newFakeGoogle(t)
			model := &scriptedModel{}
			gw := newTestGateway(t, google, model)

			rec := postQuery(t, gw, tt.header, tt.body)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantKind, decodeError(t, rec.Body).Kind)
			assert.Zero(t, google.calls.Load())
			assert.Zero(t, model.callCount())
		})
	}
}

func TestQuery_InvalidJSON(t *testing.T) {
	gw := newTestGateway(t, newFakeGoogle(t), &scriptedModel{})

	t.Run("with header token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader("{not json"))
		req.Header.Set("Authorization", "Bearer user-token")
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "configuration", decodeError(t, rec.Body).Kind)
	})

	t.Run("without credentials", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		gw.Handler().ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unauthorized", decodeError(t, rec.Body).Kind)
	})
}

func readEvents(t *testing.T, body io.Reader) []stream.RawEvent {
	t.Helper()
	r := stream.NewReader(body)
	var events []stream.RawEvent
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

func eventTypes(events []stream.RawEvent) []stream.EventType {
	types := make([]stream.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestQuery_StreamsDatasetAnswer(t *testing.T) {
	google := newFakeGoogle(t)
	model := &scriptedModel{turns: [][]*genai.GenerateContentResponse{
		{modelCall("list_dataset_ids", map[string]any{}), modelUsage(100, 5)},
		{modelText("Two datasets are available: "), modelText("sales and hr."), modelUsage(160, 9)},
	}}
	gw := newTestGateway(t, google, model)
	var logs bytes.Buffer
	gw.logger = slog.New(slog.NewTextHandler(&logs, nil))

	rec := postQuery(t, gw, "", map[string]any{
		"token":     "user-token",
		"projectId": "proj-1",
		"question":  "What datasets are available?",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := readEvents(t, rec.Body)
	assert.Equal(t, []stream.EventType{
		stream.EventSession,
		stream.EventToolStart,
		stream.EventToolResult,
		stream.EventTokenStats,
		stream.EventPartialText,
		stream.EventPartialText,
		stream.EventTokenStats,
		stream.EventFinalAnswer,
	}, eventTypes(events))

	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		if i < len(events)-1 {
			assert.False(t, ev.Type.IsTerminal(), "only the last event may be terminal")
		}
	}

	var start stream.ToolStartPayload
	require.NoError(t, events[1].Decode(&start))
	assert.Equal(t, "list_dataset_ids", start.Name)

	var result stream.ToolResultPayload
	require.NoError(t, events[2].Decode(&result))
	assert.False(t, result.IsError)
	assert.Equal(t, []any{"sales", "hr"}, result.Result["datasets"])

	var final stream.FinalAnswerPayload
	require.NoError(t, events[len(events)-1].Decode(&final))
	assert.Equal(t, "Two datasets are available: sales and hr.", final.Text)
	assert.Equal(t, stream.Usage{PromptTokens: 260, CompletionTokens: 14, TotalTokens: 274}, final.Usage)

	assert.Equal(t, []string{"Bearer user-token"}, google.seenTokens())
	assert.NotContains(t, rec.Body.String(), "user-token")
	assert.NotContains(t, rec.Body.String(), "server-side-gemini-key")

	assert.Contains(t, logs.String(), "query session ended")
	assert.Contains(t, logs.String(), "state=completed")
	assert.Contains(t, logs.String(), "total_tokens=274")
	assert.NotContains(t, logs.String(), "user-token")
}

func TestQuery_HeaderTokenWinsAndAliases(t *testing.T) {
	google := newFakeGoogle(t)
	model := &scriptedModel{turns: [][]*genai.GenerateContentResponse{
		{modelCall("list_dataset_ids", nil)},
		{modelText("done")},
	}}
	gw := newTestGateway(t, google, model)

	rec := postQuery(t, gw, "Bearer header-token", map[string]any{
		"token":      "body-token",
		"project_id": "proj-1",
		"message":    "list datasets",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	events := readEvents(t, rec.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, stream.EventFinalAnswer, events[len(events)-1].Type)

	var session stream.SessionPayload
	require.NoError(t, events[0].Decode(&session))
	assert.Equal(t, "proj-1", session.ProjectID)
	assert.NotEmpty(t, session.SessionID)

	assert.Equal(t, []string{"Bearer header-token"}, google.seenTokens())
}

func TestQuery_ToolFailureEndsWithErrorEvent(t *testing.T) {
	google := newFakeGoogle(t)
	model := &scriptedModel{turns: [][]*genai.GenerateContentResponse{
		{modelCall("list_dataset_ids", map[string]any{"project_id": "denied"}), modelUsage(50, 2)},
		{modelText("unreachable")},
	}}
	gw := newTestGateway(t, google, model)

	rec := postQuery(t, gw, "Bearer user-token", map[string]any{
		"projectId": "proj-1",
		"question":  "what is in the denied project?",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	events := readEvents(t, rec.Body)
	assert.Equal(t, []stream.EventType{
		stream.EventSession,
		stream.EventToolStart,
		stream.EventToolResult,
		stream.EventTokenStats,
		stream.EventError,
	}, eventTypes(events))

	var result stream.ToolResultPayload
	require.NoError(t, events[2].Decode(&result))
	assert.True(t, result.IsError)

	var errPayload stream.ErrorPayload
	require.NoError(t, events[4].Decode(&errPayload))
	assert.Equal(t, "upstream_auth", errPayload.Category)
	assert.NotEmpty(t, errPayload.Message)
	assert.Equal(t, int64(52), errPayload.Usage.TotalTokens)

	assert.Equal(t, 1, model.callCount(), "failed tool calls are not retried")
}

func TestQuery_ClientDisconnectCancelsSession(t *testing.T) {
	google := newFakeGoogle(t)
	model := &scriptedModel{cancelled: make(chan struct{})}
	gw := newTestGateway(t, google, model)

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body := `{"token":"user-token","projectId":"proj-1","question":"slow question"}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/query", strings.NewReader(body))
	require.NoError(t, err)

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	first, err := stream.NewReader(resp.Body).Next()
	require.NoError(t, err)
	assert.Equal(t, stream.EventSession, first.Type)

	require.Eventually(t, func() bool { return model.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-model.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("model call was not cancelled after client disconnect")
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, model.callCount(), "no model call after disconnect")
	assert.Zero(t, google.calls.Load(), "no BigQuery call after disconnect")
}

func TestQuery_SessionTimeout(t *testing.T) {
	google := newFakeGoogle(t)
	model := &scriptedModel{}
	gw := newTestGateway(t, google, model)
	gw.config.Agent.SessionTimeout = 50 * time.Millisecond

	rec := postQuery(t, gw, "Bearer user-token", map[string]any{"projectId": "proj-1", "question": "hang"})

	events := readEvents(t, rec.Body)
	require.Len(t, events, 2)
	assert.Equal(t, stream.EventError, events[1].Type)

	var errPayload stream.ErrorPayload
	require.NoError(t, events[1].Decode(&errPayload))
	assert.Equal(t, "upstream_unavailable", errPayload.Category)
}

func TestHealthEndpoints(t *testing.T) {
	gw := newTestGateway(t, newFakeGoogle(t), &scriptedModel{})

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gemini-test")

	require.NoError(t, gw.Shutdown(context.Background()))

	rec = httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t, newFakeGoogle(t), &scriptedModel{})

	rec := httptest.NewRecorder()
	gw.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/query", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
