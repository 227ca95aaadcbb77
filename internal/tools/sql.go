package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const maxQueryRows = 100

var (
	// selectRE requires the statement to begin with SELECT followed
	// by whitespace, after trimming.
	selectRE = regexp.MustCompile(`(?i)^select\s`)

	// denyRE rejects mutating keywords as standalone words. The word
	// boundary matters: a column named delete_date must pass while a
	// bare DELETE clause must not.
	denyRE = regexp.MustCompile(`(?i)\b(drop|delete|update|insert|alter|create|truncate|grant|revoke)\b`)
)

// ValidateQuery applies the read-only gate to a free-text SQL query.
// Two layers, both required: the statement must start with SELECT, and
// it must not contain any mutating keyword anywhere. This is
// defense-in-depth on top of the read-only connection, not a parser.
func ValidateQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("query is empty")
	}
	if !selectRE.MatchString(trimmed) {
		return fmt.Errorf("only SELECT queries are allowed")
	}
	if m := denyRE.FindString(trimmed); m != "" {
		return fmt.Errorf("query contains forbidden keyword %q", strings.ToUpper(m))
	}
	return nil
}

func (r *Registry) registerSQLTools() {
	r.Register(&Tool{
		Name:        "execute_sql",
		Description: "Run a read-only SELECT query against the agent database (tables: task_configs, reports, escalations, queue_items, memory, usage_records). Mutating statements are rejected.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "A single SELECT statement",
				},
			},
			"required": []string{"query"},
		},
		Handler: r.handleExecuteSQL,
	})
}

func (r *Registry) handleExecuteSQL(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := stringArg(args, "query")
	if err := ValidateQuery(query); err != nil {
		return nil, err
	}
	if r.deps.QueryDB == nil {
		return nil, fmt.Errorf("query database not configured")
	}

	rows, err := r.deps.QueryDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read columns: %w", err)
	}

	var results []map[string]any
	truncated := false
	for rows.Next() {
		if len(results) >= maxQueryRows {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	out := map[string]any{
		"rows":  results,
		"count": len(results),
	}
	if truncated {
		out["truncated"] = true
	}
	return out, nil
}
