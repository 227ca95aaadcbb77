package tools

import (
	"context"
	"fmt"

	"github.com/wrenware/opsagent/internal/report"
)

func (r *Registry) registerReportTools() {
	r.Register(&Tool{
		Name:        "write_report",
		Description: "Write an ad-hoc report outside the scheduled-task flow. Severity defaults to a keyword scan of the content if omitted.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"content": map[string]any{
					"type":        "string",
					"description": "Full report text, markdown allowed",
				},
				"summary": map[string]any{
					"type":        "string",
					"description": "One or two sentence summary; derived from content if omitted",
				},
				"severity": map[string]any{
					"type": "string",
					"enum": []string{"info", "warning", "critical"},
				},
			},
			"required": []string{"content"},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleWriteReport,
	})

	r.Register(&Tool{
		Name:        "search_reports",
		Description: "Search past reports by text, newest first.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to match in report content or summary",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum rows to return (default 10)",
				},
			},
			"required": []string{"query"},
		},
		Modes:   []string{ModeChat, ModeVoice},
		Handler: r.handleSearchReports,
	})
}

func (r *Registry) handleWriteReport(ctx context.Context, args map[string]any) (map[string]any, error) {
	content := stringArg(args, "content")
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}

	summary := stringArg(args, "summary")
	if summary == "" {
		summary = report.Summarize(content, 200)
	}
	severity := stringArg(args, "severity")
	if severity == "" {
		severity = report.ClassifyKeywords(content)
	}

	id, err := r.deps.Reports.Insert(ctx, report.Report{
		TaskName: TaskNameFromContext(ctx),
		Content:  content,
		Summary:  summary,
		Severity: severity,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": id, "severity": severity}, nil
}

func (r *Registry) handleSearchReports(ctx context.Context, args map[string]any) (map[string]any, error) {
	query := stringArg(args, "query")
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}

	hits, err := r.deps.Reports.Search(ctx, query, intArg(args, "limit", 10))
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		items = append(items, map[string]any{
			"id":         h.ID,
			"task_name":  h.TaskName,
			"summary":    h.Summary,
			"severity":   h.Severity,
			"created_at": h.CreatedAt,
		})
	}
	return map[string]any{"reports": items, "count": len(items)}, nil
}
