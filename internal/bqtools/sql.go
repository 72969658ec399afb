// ABOUTME: Read-only SQL execution tool
// ABOUTME: Dry-runs each statement to reject non-SELECT queries, then runs it with a row cap

package bqtools

import (
	"context"
	"fmt"

	"google.golang.org/api/bigquery/v2"
	"google.golang.org/api/googleapi"

	"github.com/2389/bq-gateway/internal/apierr"
	"github.com/2389/bq-gateway/internal/gcp"
)

// queryPollTimeoutMs is how long each jobs.query / getQueryResults call waits server-side.
const queryPollTimeoutMs = 10_000

func (t *Toolset) executeSQL(ctx context.Context, args map[string]any) (map[string]any, error) {
	projectID, err := t.projectArg(args)
	if err != nil {
		return nil, err
	}
	query, err := stringArg(args, "query", "", true)
	if err != nil {
		return nil, err
	}

	var defaultDataset *bigquery.DatasetReference
	if t.defaultDataset != "" {
		defaultDataset = &bigquery.DatasetReference{ProjectId: t.projectID, DatasetId: t.defaultDataset}
	}

	if err := t.checkReadOnly(ctx, projectID, query, defaultDataset); err != nil {
		return nil, err
	}

	resp, err := t.svc.Jobs.Query(projectID, &bigquery.QueryRequest{
		Query:          query,
		UseLegacySql:   googleapi.Bool(false),
		MaxResults:     t.maxRows,
		TimeoutMs:      queryPollTimeoutMs,
		DefaultDataset: defaultDataset,
	}).Context(ctx).Do()
	if err != nil {
		return nil, gcp.Classify(err, "query in project "+projectID)
	}

	schema, rows, totalRows := resp.Schema, resp.Rows, resp.TotalRows
	jobComplete := resp.JobComplete
	for !jobComplete {
		if resp.JobReference == nil {
			return nil, apierr.New(apierr.KindAgentExecution, "query did not complete and returned no job reference")
		}
		ref := resp.JobReference
		res, err := t.svc.Jobs.GetQueryResults(ref.ProjectId, ref.JobId).
			Location(ref.Location).
			MaxResults(t.maxRows).
			TimeoutMs(queryPollTimeoutMs).
			Context(ctx).Do()
		if err != nil {
			return nil, gcp.Classify(err, "query in project "+projectID)
		}
		schema, rows, totalRows, jobComplete = res.Schema, res.Rows, res.TotalRows, res.JobComplete
	}

	converted := convertRows(schema, rows, t.maxRows)
	return map[string]any{
		"rows":       converted,
		"total_rows": totalRows,
		"truncated":  totalRows > uint64(len(converted)),
	}, nil
}

// checkReadOnly dry-runs the query and rejects anything that is not a SELECT.
func (t *Toolset) checkReadOnly(ctx context.Context, projectID, query string, defaultDataset *bigquery.DatasetReference) error {
	job, err := t.svc.Jobs.Insert(projectID, &bigquery.Job{
		Configuration: &bigquery.JobConfiguration{
			DryRun: true,
			Query: &bigquery.JobConfigurationQuery{
				Query:          query,
				UseLegacySql:   googleapi.Bool(false),
				DefaultDataset: defaultDataset,
			},
		},
	}).Context(ctx).Do()
	if err != nil {
		return gcp.Classify(err, "query in project "+projectID)
	}

	statementType := ""
	if job.Statistics != nil && job.Statistics.Query != nil {
		statementType = job.Statistics.Query.StatementType
	}
	if statementType != "SELECT" {
		return apierr.New(apierr.KindAgentExecution,
			fmt.Sprintf("only read-only SELECT queries are allowed (got %q)", statementType))
	}
	return nil
}

// convertRows turns BigQuery's positional rows into column-keyed maps.
func convertRows(schema *bigquery.TableSchema, rows []*bigquery.TableRow, limit int64) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	if schema == nil {
		return out
	}
	for _, row := range rows {
		if int64(len(out)) >= limit {
			break
		}
		m := make(map[string]any, len(schema.Fields))
		for i, field := range schema.Fields {
			if i < len(row.F) && row.F[i] != nil {
				m[field.Name] = row.F[i].V
			} else {
				m[field.Name] = nil
			}
		}
		out = append(out, m)
	}
	return out
}
