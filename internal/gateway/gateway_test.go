// ABOUTME: Tests for Gateway lifecycle, gRPC health service, and Tailscale helpers
// ABOUTME: Starts real listeners on loopback and checks graceful shutdown

package gateway

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/bq-gateway/internal/stream"
)

func TestNewWithOptions_RequiresCollaborators(t *testing.T) {
	_, err := NewWithOptions(testConfig(), testLogger(), Options{})
	assert.Error(t, err)
}

func TestNewWithOptions_WarnsWithoutOAuthClientID(t *testing.T) {
	base := newTestGateway(t, newFakeGoogle(t), &scriptedModel{})

	tests := []struct {
		name     string
		clientID string
		wantWarn bool
	}{
		{"empty client id", "", true},
		{"configured client id", "client-123.apps.googleusercontent.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cfg := testConfig()
			cfg.OAuth.ClientID = tt.clientID

			_, err := NewWithOptions(cfg, slog.New(slog.NewTextHandler(&buf, nil)), Options{Discovery: base.discovery, Agents: base.agents})
			require.NoError(t, err)

			if tt.wantWarn {
				assert.Contains(t, buf.String(), "level=WARN")
				assert.Contains(t, buf.String(), "oauth.client_id is empty")
			} else {
				assert.NotContains(t, buf.String(), "oauth.client_id")
			}
		})
	}
}

func TestGatewayServe_HealthAndShutdown(t *testing.T) {
	google := newFakeGoogle(t)
	gw := newTestGateway(t, google, &scriptedModel{})

	// Enable gRPC after construction by rebuilding with a grpc address.
	cfg := testConfig()
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	gw, err := NewWithOptions(cfg, testLogger(), Options{Discovery: gw.discovery, Agents: gw.agents})
	require.NoError(t, err)
	require.NotNil(t, gw.grpcServer)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	grpcLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, grpcLn, httpLn) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpLn.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(grpcLn.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer checkCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{Service: QueryServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after context cancel")
	}
}

func TestGatewayServe_HTTPOnly(t *testing.T) {
	gw := newTestGateway(t, newFakeGoogle(t), &scriptedModel{})
	assert.Nil(t, gw.grpcServer)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, nil, httpLn) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + httpLn.Addr().String() + "/health/ready")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after context cancel")
	}
}

func TestResolveTailscaleStateDir(t *testing.T) {
	dir, err := resolveTailscaleStateDir("/var/lib/bq-gateway")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/bq-gateway", dir)

	dir, err = resolveTailscaleStateDir("")
	require.NoError(t, err)
	assert.Contains(t, dir, "bq-gateway")
}

func TestResolveTailscaleAuthKey(t *testing.T) {
	t.Setenv("TS_AUTHKEY", "")
	_, err := resolveTailscaleAuthKey("")
	assert.Error(t, err)

	key, err := resolveTailscaleAuthKey("tskey-config")
	require.NoError(t, err)
	assert.Equal(t, "tskey-config", key)

	t.Setenv("TS_AUTHKEY", "tskey-env")
	key, err = resolveTailscaleAuthKey("")
	require.NoError(t, err)
	assert.Equal(t, "tskey-env", key)
}

func TestGenerateServerID(t *testing.T) {
	a, b := generateServerID(), generateServerID()
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "bq-gateway-")
}

func TestGatewayServe_ShutdownEndsSessionsWithErrorEvent(t *testing.T) {
	google := newFakeGoogle(t)
	model := &scriptedModel{cancelled: make(chan struct{})}
	gw := newTestGateway(t, google, model)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- gw.Serve(ctx, nil, httpLn) }()

	body := `{"projectId":"proj-1","question":"slow question"}`
	req, err := http.NewRequest(http.MethodPost, "http://"+httpLn.Addr().String()+"/api/query", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer user-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := stream.NewReader(resp.Body)
	first, err := events.Next()
	require.NoError(t, err)
	assert.Equal(t, stream.EventSession, first.Type)

	require.Eventually(t, func() bool { return model.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The open stream keeps the HTTP server from draining, so this
	// shutdown times out and ends the session.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer shutdownCancel()
	shutdownDone := make(chan struct{})
	go func() {
		_ = gw.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	last, err := events.Next()
	require.NoError(t, err, "client receives a terminal event before the connection closes")
	assert.Equal(t, stream.EventError, last.Type)

	var payload stream.ErrorPayload
	require.NoError(t, last.Decode(&payload))
	assert.Equal(t, "upstream_unavailable", payload.Category)
	assert.Contains(t, payload.Message, "shutting down")

	_, err = events.Next()
	assert.Error(t, err, "nothing follows the terminal event")

	select {
	case <-model.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("model call was not cancelled by shutdown")
	}

	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	rec := postQuery(t, gw, "Bearer user-token", map[string]any{"projectId": "proj-1", "question": "again"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "upstream_unavailable", decodeError(t, rec.Body).Kind)
	assert.Equal(t, 1, model.callCount(), "no new session while draining")

	cancel()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after context cancel")
	}
}
