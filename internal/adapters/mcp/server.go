package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
)

const defaultSearchLimit = 50

// HistorySource is the read side of the history projection.
type HistorySource interface {
	List(ctx context.Context) ([]*domain.HistoryRecord, error)
	Snapshot(id int64) (domain.HistoryRecord, bool)
}

// Tools exposes read-only prediction tools to MCP clients.
type Tools struct {
	models  ports.ModelLister
	history HistorySource
}

func NewTools(models ports.ModelLister, history HistorySource) *Tools {
	return &Tools{models: models, history: history}
}

func (t *Tools) Server(name, version string) *server.MCPServer {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("list_models",
		mcp.WithDescription("List the leaf classifier models with their display names."),
	), t.listModels)

	s.AddTool(mcp.NewTool("search_history",
		mcp.WithDescription("Search past predictions by file name or nutrient label."),
		mcp.WithString("query", mcp.Description("Case-insensitive substring of the file name or label.")),
		mcp.WithArray("labels", mcp.Description("Keep only these labels (N, P, K)."), mcp.Items(map[string]any{"type": "string"})),
		mcp.WithString("sort", mcp.Description("fileName, label_name, confidence or created_at.")),
		mcp.WithString("order", mcp.Description("asc or desc.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of records to return.")),
	), t.searchHistory)

	s.AddTool(mcp.NewTool("batch_stats",
		mcp.WithDescription("Nutrient deficiency distribution over past predictions."),
		mcp.WithString("query", mcp.Description("Restrict to records matching this file name or label.")),
	), t.batchStats)

	return s
}

func (t *Tools) listModels(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	models, err := t.models.ListModels(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"models": models})
}

type historySummary struct {
	ID         int64   `json:"id"`
	FileName   string  `json:"fileName"`
	Label      string  `json:"label"`
	Confidence string  `json:"confidence"`
	Threshold  string  `json:"threshold"`
	Model      string  `json:"model_key"`
	Advice     string  `json:"advice"`
	CreatedAt  string  `json:"created_at,omitempty"`
	Raw        float64 `json:"confidence_value"`
}

func (t *Tools) searchHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec, err := domain.ParseSortSpec(req.GetString("sort", ""), req.GetString("order", ""))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	limit := req.GetInt("limit", defaultSearchLimit)
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	records, err := t.matching(ctx, req.GetString("query", ""), req.GetStringSlice("labels", nil))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	records = domain.SortRecords(records, spec)
	if len(records) > limit {
		records = records[:limit]
	}

	out := make([]historySummary, 0, len(records))
	for _, rec := range records {
		summary := historySummary{
			ID:         rec.ID,
			FileName:   rec.FileName,
			Label:      domain.LabelDisplayName(rec.LabelName),
			Confidence: domain.FormatConfidence(rec.Confidence),
			Threshold:  domain.Threshold(rec.Threshold).String(),
			Model:      rec.ModelKey,
			Advice:     domain.TruncateAdvice(rec.Advice, 50),
			Raw:        rec.Confidence,
		}
		if !rec.CreatedAt.IsZero() {
			summary.CreatedAt = rec.CreatedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, summary)
	}
	return jsonResult(map[string]any{"records": out, "total": len(out)})
}

func (t *Tools) batchStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := t.matching(ctx, req.GetString("query", ""), nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results := make([]domain.GatedResult, 0, len(records))
	for _, rec := range records {
		results = append(results, domain.GatedResult{
			FileName:   rec.FileName,
			Label:      rec.Label,
			LabelName:  rec.LabelName,
			Confidence: rec.Confidence,
			Threshold:  domain.Threshold(rec.Threshold),
		})
	}
	stats := domain.Aggregate(results)
	return jsonResult(map[string]any{
		"stats":        stats,
		"summary":      stats.Summary(),
		"distribution": stats.Distribution(),
	})
}

func (t *Tools) matching(ctx context.Context, query string, labels []string) ([]*domain.HistoryRecord, error) {
	list, err := t.history.List(ctx)
	if err != nil {
		return nil, err
	}
	copies := make([]*domain.HistoryRecord, 0, len(list))
	for _, rec := range list {
		if snap, ok := t.history.Snapshot(rec.ID); ok {
			copies = append(copies, &snap)
		}
	}
	copies = domain.FilterRecords(copies, query)
	return domain.FilterLabels(copies, labels...), nil
}

func jsonResult(payload any) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return mcp.NewToolResultText(string(raw)), nil
}
