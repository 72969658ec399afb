// ABOUTME: Dataset and table metadata tools
// ABOUTME: Lets the agent discover datasets, tables, and schemas before writing SQL

package bqtools

import (
	"context"
	"fmt"

	"google.golang.org/api/bigquery/v2"

	"github.com/2389/bq-gateway/internal/gcp"
)

func (t *Toolset) listDatasetIDs(ctx context.Context, args map[string]any) (map[string]any, error) {
	projectID, err := t.projectArg(args)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0)
	err = t.svc.Datasets.List(projectID).Pages(ctx, func(resp *bigquery.DatasetList) error {
		for _, d := range resp.Datasets {
			if d.DatasetReference != nil {
				ids = append(ids, d.DatasetReference.DatasetId)
			}
		}
		return nil
	})
	if err != nil {
		return nil, gcp.Classify(err, "project "+projectID)
	}

	return map[string]any{"project_id": projectID, "datasets": ids}, nil
}

func (t *Toolset) getDatasetInfo(ctx context.Context, args map[string]any) (map[string]any, error) {
	projectID, err := t.projectArg(args)
	if err != nil {
		return nil, err
	}
	datasetID, err := stringArg(args, "dataset_id", t.defaultDataset, t.defaultDataset == "")
	if err != nil {
		return nil, err
	}

	ds, err := t.svc.Datasets.Get(projectID, datasetID).Context(ctx).Do()
	if err != nil {
		return nil, gcp.Classify(err, fmt.Sprintf("dataset %s.%s", projectID, datasetID))
	}

	return map[string]any{
		"project_id":    projectID,
		"dataset_id":    datasetID,
		"location":      ds.Location,
		"friendly_name": ds.FriendlyName,
		"description":   ds.Description,
		"creation_time": ds.CreationTime,
	}, nil
}

func (t *Toolset) listTableIDs(ctx context.Context, args map[string]any) (map[string]any, error) {
	projectID, err := t.projectArg(args)
	if err != nil {
		return nil, err
	}
	datasetID, err := stringArg(args, "dataset_id", t.defaultDataset, t.defaultDataset == "")
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0)
	err = t.svc.Tables.List(projectID, datasetID).Pages(ctx, func(resp *bigquery.TableList) error {
		for _, tbl := range resp.Tables {
			if tbl.TableReference != nil {
				ids = append(ids, tbl.TableReference.TableId)
			}
		}
		return nil
	})
	if err != nil {
		return nil, gcp.Classify(err, fmt.Sprintf("dataset %s.%s", projectID, datasetID))
	}

	return map[string]any{"project_id": projectID, "dataset_id": datasetID, "tables": ids}, nil
}

func (t *Toolset) getTableInfo(ctx context.Context, args map[string]any) (map[string]any, error) {
	projectID, err := t.projectArg(args)
	if err != nil {
		return nil, err
	}
	datasetID, err := stringArg(args, "dataset_id", t.defaultDataset, t.defaultDataset == "")
	if err != nil {
		return nil, err
	}
	tableID, err := stringArg(args, "table_id", "", true)
	if err != nil {
		return nil, err
	}

	tbl, err := t.svc.Tables.Get(projectID, datasetID, tableID).Context(ctx).Do()
	if err != nil {
		return nil, gcp.Classify(err, fmt.Sprintf("table %s.%s.%s", projectID, datasetID, tableID))
	}

	var fields []map[string]any
	if tbl.Schema != nil {
		fields = schemaFields(tbl.Schema.Fields)
	}

	return map[string]any{
		"project_id":  projectID,
		"dataset_id":  datasetID,
		"table_id":    tableID,
		"type":        tbl.Type,
		"description": tbl.Description,
		"num_rows":    tbl.NumRows,
		"location":    tbl.Location,
		"schema":      fields,
	}, nil
}

func schemaFields(fields []*bigquery.TableFieldSchema) []map[string]any {
	out := make([]map[string]any, 0, len(fields))
	for _, f := range fields {
		field := map[string]any{
			"name": f.Name,
			"type": f.Type,
		}
		if f.Mode != "" {
			field["mode"] = f.Mode
		}
		if f.Description != "" {
			field["description"] = f.Description
		}
		if len(f.Fields) > 0 {
			field["fields"] = schemaFields(f.Fields)
		}
		out = append(out, field)
	}
	return out
}
