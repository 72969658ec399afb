// ABOUTME: Gateway orchestrator that wires discovery, agent sessions, and the HTTP/gRPC servers
// ABOUTME: Manages listeners (TCP or Tailscale), health endpoints, and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/bq-gateway/internal/agent"
	"github.com/2389/bq-gateway/internal/apierr"
	"github.com/2389/bq-gateway/internal/config"
	"github.com/2389/bq-gateway/internal/discovery"
	"github.com/2389/bq-gateway/internal/gcp"
)

// DiscoveryService lists what the caller can see. *discovery.Service implements it.
type DiscoveryService interface {
	ListProjects(ctx context.Context, token string) ([]discovery.Project, error)
	ListDatasets(ctx context.Context, token, projectID string) ([]discovery.Dataset, error)
}

// AgentFactory builds one agent per query request. *agent.Factory implements it.
type AgentFactory interface {
	CreateAgent(ctx context.Context, token, projectID, defaultDataset string) (*agent.Agent, error)
	ModelName() string
}

// Options supplies the gateway's collaborators.
type Options struct {
	Discovery DiscoveryService
	Agents    AgentFactory
}

// Gateway serves the discovery proxy and the streaming query API.
type Gateway struct {
	config       *config.Config
	discovery    DiscoveryService
	agents       AgentFactory
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// serverID identifies this gateway instance in logs
	serverID string

	// sessionsCtx is linked into every query session; cancelSessions ends
	// in-flight sessions with errShuttingDown when graceful shutdown runs
	// out of time. Request contexts are not derived from it, so a cancelled
	// session still writes its terminal event.
	sessionsCtx    context.Context
	cancelSessions context.CancelCauseFunc

	// sessionsMu orders beginSession against draining so sessions.Add
	// never races sessions.Wait.
	sessionsMu sync.Mutex
	sessions   sync.WaitGroup

	draining atomic.Bool
}

// errShuttingDown ends sessions still running when shutdown times out.
var errShuttingDown = apierr.New(apierr.KindUpstreamUnavailable, "gateway is shutting down; retry shortly")

// sessionDrainTimeout bounds how long Shutdown waits for cancelled sessions
// to write their terminal event before closing connections.
const sessionDrainTimeout = 2 * time.Second

// New creates a Gateway backed by Google APIs and the Gemini model.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	clients := gcp.NewClientFactory(gcp.Endpoints{}, nil)

	disc := discovery.New(discovery.Config{
		Services: clients,
		Limiter: gcp.NewRateLimiter(gcp.RateLimitConfig{
			RequestsPerSecond: cfg.Upstream.RequestsPerSecond,
			BurstSize:         cfg.Upstream.Burst,
		}),
		Timeout:  cfg.Upstream.Timeout,
		PageSize: cfg.Upstream.ProjectsPageSize,
		Logger:   logger.With("component", "discovery"),
	})

	model, err := agent.NewGeminiModel(ctx, cfg.Gemini.APIKey)
	if err != nil {
		return nil, err
	}

	factory, err := agent.NewFactory(agent.FactoryConfig{
		Services:    clients,
		Model:       model,
		ModelName:   cfg.Gemini.Model,
		MaxSteps:    cfg.Agent.MaxSteps,
		MaxRows:     cfg.Agent.MaxRows,
		CallTimeout: cfg.Gemini.CallTimeout,
		ToolTimeout: cfg.Agent.ToolTimeout,
		Limiter: gcp.NewRateLimiter(gcp.RateLimitConfig{
			RequestsPerSecond: cfg.Gemini.RequestsPerSecond,
			BurstSize:         cfg.Gemini.Burst,
		}),
		Logger: logger.With("component", "agent"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating agent factory: %w", err)
	}

	return NewWithOptions(cfg, logger, Options{Discovery: disc, Agents: factory})
}

// NewWithOptions creates a Gateway with explicit collaborators.
func NewWithOptions(cfg *config.Config, logger *slog.Logger, opts Options) (*Gateway, error) {
	if opts.Discovery == nil {
		return nil, errors.New("discovery service is required")
	}
	if opts.Agents == nil {
		return nil, errors.New("agent factory is required")
	}

	sessionsCtx, cancel := context.WithCancelCause(context.Background())
	gw := &Gateway{
		config:         cfg,
		discovery:      opts.Discovery,
		agents:         opts.Agents,
		logger:         logger.With("component", "gateway"),
		serverID:       generateServerID(),
		sessionsCtx:    sessionsCtx,
		cancelSessions: cancel,
	}

	mux := http.NewServeMux()
	gw.registerRoutes(mux)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if gw.grpcEnabled() {
		gw.grpcServer, gw.healthServer = newGRPCServer()
		gw.logger.Info("gRPC health service enabled")
	}

	if cfg.OAuth.ClientID == "" {
		gw.logger.Warn("oauth.client_id is empty; browser sign-in will not work")
	}

	return gw, nil
}

// Handler returns the HTTP handler, including request logging.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

func (g *Gateway) grpcEnabled() bool {
	return g.config.Server.GRPCAddr != "" || g.config.Tailscale.Enabled
}

// setupTCPListeners creates standard TCP listeners. grpcLn is nil when gRPC is disabled.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"server_id", g.serverID,
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer != nil {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, grpcLn, httpLn)
}

// Serve runs the servers on the given listeners. grpcLn may be nil.
func (g *Gateway) Serve(ctx context.Context, grpcLn, httpLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	if grpcLn != nil && g.grpcServer != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "bq-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the HTTP listener for the configured mode.
// The browser OAuth flow needs HTTPS on anything but localhost, so Funnel and
// HTTPS both serve on :443.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests and waits for in-flight query streams
// until ctx expires. Sessions still running then end with an
// upstream_unavailable error event before connections are closed.
func (g *Gateway) Shutdown(ctx context.Context) error {
	// Under sessionsMu so no session registers after draining starts.
	g.sessionsMu.Lock()
	first := g.draining.CompareAndSwap(false, true)
	g.sessionsMu.Unlock()
	if !first {
		return nil
	}
	g.logger.Info("shutting down gateway")

	if g.healthServer != nil {
		g.healthServer.Shutdown()
	}

	var errs []error
	if err := g.httpServer.Shutdown(ctx); err != nil {
		g.logger.Warn("HTTP shutdown timed out, ending in-flight sessions", "error", err)
		g.cancelSessions(errShuttingDown)
		if !g.waitSessions(sessionDrainTimeout) {
			g.logger.Warn("sessions did not finish before close")
		}
		errs = appendCloseError(errs, "HTTP close", g.httpServer.Close())
	}
	g.cancelSessions(errShuttingDown)

	if g.grpcServer != nil {
		g.shutdownGRPCServer(ctx)
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// beginSession registers a query session. It returns false once the gateway
// is draining.
func (g *Gateway) beginSession() bool {
	g.sessionsMu.Lock()
	defer g.sessionsMu.Unlock()
	if g.draining.Load() {
		return false
	}
	g.sessions.Add(1)
	return true
}

// waitSessions waits for registered sessions to finish, up to timeout.
func (g *Gateway) waitSessions(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK while the gateway accepts query sessions.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (model %s)", g.agents.ModelName())
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	return "bq-gateway-" + uuid.NewString()[:8]
}
