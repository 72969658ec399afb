// ABOUTME: BigQuery tools the query agent can call, acting as the requesting user
// ABOUTME: Exposes Gemini function declarations and executes calls against BigQuery v2

package bqtools

import (
	"context"
	"fmt"
	"sort"

	"google.golang.org/api/bigquery/v2"
	"google.golang.org/genai"

	"github.com/2389/bq-gateway/internal/apierr"
)

// Tool names, matching the function declarations sent to the model.
const (
	ToolListDatasetIDs = "list_dataset_ids"
	ToolGetDatasetInfo = "get_dataset_info"
	ToolListTableIDs   = "list_table_ids"
	ToolGetTableInfo   = "get_table_info"
	ToolExecuteSQL     = "execute_sql"
)

// Config configures a Toolset for one query session.
type Config struct {
	// Service is a BigQuery client bound to the caller's token.
	Service *bigquery.Service
	// ProjectID is the compute project for queries and the default for lookups.
	ProjectID string
	// DefaultDataset, when set, qualifies unqualified table names in SQL.
	DefaultDataset string
	// MaxRows caps rows returned from execute_sql.
	MaxRows int64
}

type handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Toolset executes BigQuery tool calls for a single session. It is not shared
// between sessions.
type Toolset struct {
	svc            *bigquery.Service
	projectID      string
	defaultDataset string
	maxRows        int64
	handlers       map[string]handler
}

// New creates a Toolset.
func New(cfg Config) (*Toolset, error) {
	if cfg.Service == nil {
		return nil, apierr.Configuration("bigquery service is required")
	}
	if cfg.ProjectID == "" {
		return nil, apierr.Configuration("projectId is required")
	}
	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 100
	}

	ts := &Toolset{
		svc:            cfg.Service,
		projectID:      cfg.ProjectID,
		defaultDataset: cfg.DefaultDataset,
		maxRows:        maxRows,
	}
	ts.handlers = map[string]handler{
		ToolListDatasetIDs: ts.listDatasetIDs,
		ToolGetDatasetInfo: ts.getDatasetInfo,
		ToolListTableIDs:   ts.listTableIDs,
		ToolGetTableInfo:   ts.getTableInfo,
		ToolExecuteSQL:     ts.executeSQL,
	}
	return ts, nil
}

// Call executes the named tool. Unknown tools and malformed arguments are
// reported as agent execution errors.
func (t *Toolset) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	h, ok := t.handlers[name]
	if !ok {
		return nil, apierr.New(apierr.KindAgentExecution, fmt.Sprintf("model requested unknown tool %q", name))
	}
	return h(ctx, args)
}

// Names returns the tool names in a stable order.
func (t *Toolset) Names() []string {
	names := make([]string, 0, len(t.handlers))
	for name := range t.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Declarations returns the Gemini function declarations for every tool.
func (t *Toolset) Declarations() []*genai.FunctionDeclaration {
	return Declarations()
}

// Declarations returns the function declarations independent of any session.
func Declarations() []*genai.FunctionDeclaration {
	projectParam := &genai.Schema{
		Type:        genai.TypeString,
		Description: "Google Cloud project ID. Defaults to the selected project.",
	}
	datasetParam := &genai.Schema{
		Type:        genai.TypeString,
		Description: "BigQuery dataset ID.",
	}

	return []*genai.FunctionDeclaration{
		{
			Name:        ToolListDatasetIDs,
			Description: "List the BigQuery dataset IDs in a Google Cloud project.",
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{"project_id": projectParam},
			},
		},
		{
			Name:        ToolGetDatasetInfo,
			Description: "Get metadata about a BigQuery dataset.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"project_id": projectParam,
					"dataset_id": datasetParam,
				},
				Required: []string{"dataset_id"},
			},
		},
		{
			Name:        ToolListTableIDs,
			Description: "List the table IDs in a BigQuery dataset.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"project_id": projectParam,
					"dataset_id": datasetParam,
				},
				Required: []string{"dataset_id"},
			},
		},
		{
			Name:        ToolGetTableInfo,
			Description: "Get the schema and metadata of a BigQuery table.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"project_id": projectParam,
					"dataset_id": datasetParam,
					"table_id": {
						Type:        genai.TypeString,
						Description: "BigQuery table ID.",
					},
				},
				Required: []string{"dataset_id", "table_id"},
			},
		},
		{
			Name:        ToolExecuteSQL,
			Description: "Run a read-only GoogleSQL SELECT query in BigQuery and return the result rows.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"project_id": projectParam,
					"query": {
						Type:        genai.TypeString,
						Description: "The GoogleSQL query to run.",
					},
				},
				Required: []string{"query"},
			},
		},
	}
}

// stringArg reads a string argument. Missing optional arguments yield def;
// missing required arguments (def == "") are an error.
func stringArg(args map[string]any, key, def string, required bool) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		if required {
			return "", apierr.New(apierr.KindAgentExecution, fmt.Sprintf("tool call is missing argument %q", key))
		}
		return def, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", apierr.New(apierr.KindAgentExecution, fmt.Sprintf("tool argument %q must be a string", key))
	}
	if s == "" {
		if required {
			return "", apierr.New(apierr.KindAgentExecution, fmt.Sprintf("tool argument %q is empty", key))
		}
		return def, nil
	}
	return s, nil
}

func (t *Toolset) projectArg(args map[string]any) (string, error) {
	return stringArg(args, "project_id", t.projectID, false)
}
