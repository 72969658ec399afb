// ABOUTME: System instruction for the BigQuery analyst agent
// ABOUTME: Scopes the model to the selected project and optional default dataset

package agent

import (
	"fmt"
	"strings"
)

// Instruction builds the system instruction for one session.
func Instruction(projectID, defaultDataset string) string {
	var b strings.Builder

	b.WriteString("You are a helpful data analyst with access to Google BigQuery.\n\n")
	b.WriteString("CONFIGURATION:\n")
	fmt.Fprintf(&b, "- Project ID: %s\n", projectID)
	if defaultDataset != "" {
		fmt.Fprintf(&b, "- Default Dataset: %s\n", defaultDataset)
		fmt.Fprintf(&b, "When writing SQL, prefer fully qualified table names: `%s.%s.table_name`\n", projectID, defaultDataset)
	}

	b.WriteString(`
When the user asks a question:
1. Discover the available datasets and tables if you have not already.
2. Read table schemas before writing a query.
3. Write and run a GoogleSQL SELECT query with execute_sql to answer the question.
4. Present the results clearly, using a markdown table for tabular data.

`)
	fmt.Fprintf(&b, "Use the project %q for all queries unless the user names another project.\n", projectID)
	b.WriteString("Only read-only SELECT statements are allowed. ")
	b.WriteString("Explain briefly what you did and be concise but complete.\n")

	return b.String()
}
