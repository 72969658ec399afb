// Package bqtools implements the BigQuery tools available to the query agent.
//
// A Toolset is built per query session from a BigQuery client bound to the
// caller's OAuth token, so every tool call runs with the user's own
// permissions. The tools mirror the usual BigQuery agent tool set:
//
//	list_dataset_ids   datasets in a project
//	get_dataset_info   dataset metadata
//	list_table_ids     tables in a dataset
//	get_table_info     table schema and metadata
//	execute_sql        read-only GoogleSQL, capped at MaxRows rows
//
// execute_sql dry-runs the statement first and refuses anything whose
// statement type is not SELECT.
package bqtools
