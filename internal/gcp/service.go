// ABOUTME: Per-request constructors for the Resource Manager and BigQuery services
// ABOUTME: Services are keyed by the caller's token and may target a custom endpoint in tests

package gcp

import (
	"context"
	"fmt"
	"net/http"

	"google.golang.org/api/bigquery/v2"
	"google.golang.org/api/cloudresourcemanager/v1"
	"google.golang.org/api/option"
)

// Endpoints overrides the Google API base URLs. Empty fields use the defaults.
type Endpoints struct {
	ResourceManager string
	BigQuery        string
}

// ClientFactory creates Google API services bound to a single caller's token.
// It holds no credentials of its own and is safe for concurrent use.
type ClientFactory struct {
	endpoints  Endpoints
	baseClient *http.Client
}

// NewClientFactory creates a ClientFactory. base may be nil.
func NewClientFactory(endpoints Endpoints, base *http.Client) *ClientFactory {
	return &ClientFactory{endpoints: endpoints, baseClient: base}
}

func (f *ClientFactory) options(ctx context.Context, accessToken, endpoint string) []option.ClientOption {
	opts := []option.ClientOption{
		option.WithHTTPClient(NewHTTPClient(ctx, accessToken, f.baseClient)),
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	return opts
}

// ResourceManager creates a Cloud Resource Manager v1 service acting as the caller.
func (f *ClientFactory) ResourceManager(ctx context.Context, accessToken string) (*cloudresourcemanager.Service, error) {
	svc, err := cloudresourcemanager.NewService(ctx, f.options(ctx, accessToken, f.endpoints.ResourceManager)...)
	if err != nil {
		return nil, fmt.Errorf("creating resource manager service: %w", err)
	}
	return svc, nil
}

// BigQuery creates a BigQuery v2 service acting as the caller.
func (f *ClientFactory) BigQuery(ctx context.Context, accessToken string) (*bigquery.Service, error) {
	svc, err := bigquery.NewService(ctx, f.options(ctx, accessToken, f.endpoints.BigQuery)...)
	if err != nil {
		return nil, fmt.Errorf("creating bigquery service: %w", err)
	}
	return svc, nil
}
