// ABOUTME: Agent Session Factory building a fresh agent per query request
// ABOUTME: Each agent gets its own BigQuery client bound to the caller's token and project

package agent

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/api/bigquery/v2"

	"github.com/2389/bq-gateway/internal/apierr"
	"github.com/2389/bq-gateway/internal/bqtools"
	"github.com/2389/bq-gateway/internal/gcp"
)

// BigQueryServices creates BigQuery clients acting as a caller.
// *gcp.ClientFactory implements it.
type BigQueryServices interface {
	BigQuery(ctx context.Context, accessToken string) (*bigquery.Service, error)
}

// FactoryConfig holds the server-wide settings shared by every agent.
type FactoryConfig struct {
	Services  BigQueryServices
	Model     Model
	ModelName string

	MaxSteps    int
	MaxRows     int64
	CallTimeout time.Duration
	ToolTimeout time.Duration

	Limiter *gcp.RateLimiter
	Logger  *slog.Logger
}

// Factory constructs per-request agents. It holds no caller credentials.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger
}

// NewFactory creates a Factory.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Services == nil {
		return nil, apierr.Configuration("bigquery services are required")
	}
	if cfg.Model == nil {
		return nil, apierr.Configuration("model is required")
	}
	if cfg.ModelName == "" {
		return nil, apierr.Configuration("model name is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger}, nil
}

// ModelName returns the configured Gemini model.
func (f *Factory) ModelName() string { return f.cfg.ModelName }

// CreateAgent builds an agent scoped to token and projectID. defaultDataset is
// optional and only guides SQL generation.
func (f *Factory) CreateAgent(ctx context.Context, token, projectID, defaultDataset string) (*Agent, error) {
	if token == "" {
		return nil, apierr.Unauthorized("missing bearer token")
	}
	if projectID == "" {
		return nil, apierr.Configuration("projectId is required")
	}

	svc, err := f.cfg.Services.BigQuery(ctx, token)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "could not create BigQuery client", err)
	}

	tools, err := bqtools.New(bqtools.Config{
		Service:        svc,
		ProjectID:      projectID,
		DefaultDataset: defaultDataset,
		MaxRows:        f.cfg.MaxRows,
	})
	if err != nil {
		return nil, err
	}
	f.logger.Debug("agent created", "project_id", projectID, "dataset", defaultDataset, "tools", tools.Names())

	return New(Config{
		Model:       f.cfg.Model,
		ModelName:   f.cfg.ModelName,
		Tools:       tools,
		Instruction: Instruction(projectID, defaultDataset),
		MaxSteps:    f.cfg.MaxSteps,
		CallTimeout: f.cfg.CallTimeout,
		ToolTimeout: f.cfg.ToolTimeout,
		Limiter:     f.cfg.Limiter,
		Logger:      f.logger,
	})
}
