// ABOUTME: Project and dataset discovery proxy acting with the caller's token
// ABOUTME: Forwards to Resource Manager and BigQuery and reshapes results without caching or filtering

package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/bigquery/v2"
	"google.golang.org/api/cloudresourcemanager/v1"

	"github.com/2389/bq-gateway/internal/apierr"
	"github.com/2389/bq-gateway/internal/gcp"
)

// Project is one entry of the project listing.
type Project struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Dataset is one entry of the dataset listing.
type Dataset struct {
	ID       string `json:"id"`
	Location string `json:"location"`
}

// activeProjectsFilter asks Resource Manager for live projects only; the
// filtering happens upstream.
const activeProjectsFilter = "lifecycleState:ACTIVE"

// Services creates Google API services for one caller. *gcp.ClientFactory implements it.
type Services interface {
	ResourceManager(ctx context.Context, accessToken string) (*cloudresourcemanager.Service, error)
	BigQuery(ctx context.Context, accessToken string) (*bigquery.Service, error)
}

// Config holds discovery settings.
type Config struct {
	Services Services
	Limiter  *gcp.RateLimiter
	Timeout  time.Duration
	PageSize int64
	Logger   *slog.Logger
}

// Service proxies discovery calls. It keeps no per-user state.
type Service struct {
	services Services
	limiter  *gcp.RateLimiter
	timeout  time.Duration
	pageSize int64
	logger   *slog.Logger
}

// New creates a discovery Service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		services: cfg.Services,
		limiter:  cfg.Limiter,
		timeout:  cfg.Timeout,
		pageSize: cfg.PageSize,
		logger:   logger,
	}
}

func (s *Service) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// ListProjects returns the projects visible to the caller, in upstream order.
// Result pages are concatenated; nothing is sorted, deduplicated, or dropped.
func (s *Service) ListProjects(ctx context.Context, token string) ([]Project, error) {
	if token == "" {
		return nil, apierr.Unauthorized("missing token")
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, gcp.Classify(err, "project listing")
	}

	crm, err := s.services.ResourceManager(ctx, token)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "could not create project client", err)
	}

	call := crm.Projects.List().Filter(activeProjectsFilter)
	if s.pageSize > 0 {
		call = call.PageSize(s.pageSize)
	}

	projects := make([]Project, 0)
	err = call.Pages(ctx, func(resp *cloudresourcemanager.ListProjectsResponse) error {
		for _, p := range resp.Projects {
			projects = append(projects, toProject(p))
		}
		return nil
	})
	if err != nil {
		if gcp.IsForbidden(err) {
			return nil, apierr.Wrap(apierr.KindUpstreamAuth,
				"token lacks project listing permission; grant the cloud-platform.read-only scope", err)
		}
		return nil, gcp.Classify(err, "project listing")
	}

	s.logger.Debug("listed projects", "count", len(projects))
	return projects, nil
}

// ListDatasets returns the BigQuery datasets of projectID visible to the caller,
// in upstream order. An unknown or inaccessible project is reported as NotFound.
func (s *Service) ListDatasets(ctx context.Context, token, projectID string) ([]Dataset, error) {
	if token == "" {
		return nil, apierr.Unauthorized("missing token")
	}
	if projectID == "" {
		return nil, apierr.Configuration("projectId is required")
	}

	ctx, cancel := s.callContext(ctx)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, gcp.Classify(err, "dataset listing")
	}

	bq, err := s.services.BigQuery(ctx, token)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindUpstreamUnavailable, "could not create bigquery client", err)
	}

	datasets := make([]Dataset, 0)
	err = bq.Datasets.List(projectID).Pages(ctx, func(resp *bigquery.DatasetList) error {
		for _, d := range resp.Datasets {
			datasets = append(datasets, toDataset(d))
		}
		return nil
	})
	if err != nil {
		resource := fmt.Sprintf("project %s", projectID)
		// BigQuery answers 400 for malformed IDs and 403 for projects the
		// caller cannot see; both read as not found to the user.
		if gcp.IsForbidden(err) || gcp.IsBadRequest(err) {
			return nil, apierr.Wrap(apierr.KindNotFound, resource+" not found or not accessible", err)
		}
		return nil, gcp.Classify(err, resource)
	}

	s.logger.Debug("listed datasets", "project_id", projectID, "count", len(datasets))
	return datasets, nil
}

func toProject(p *cloudresourcemanager.Project) Project {
	name := p.Name
	if name == "" {
		name = p.ProjectId
	}
	return Project{ID: p.ProjectId, DisplayName: name}
}

func toDataset(d *bigquery.DatasetListDatasets) Dataset {
	ds := Dataset{Location: d.Location}
	if d.DatasetReference != nil {
		ds.ID = d.DatasetReference.DatasetId
	}
	return ds
}
