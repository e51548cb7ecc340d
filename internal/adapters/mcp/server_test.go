package mcpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

type modelsFake struct {
	models []domain.Model
	err    error
}

func (f modelsFake) ListModels(context.Context) ([]domain.Model, error) {
	return f.models, f.err
}

type historyFake struct {
	records map[int64]*domain.HistoryRecord
}

func (f historyFake) List(context.Context) ([]*domain.HistoryRecord, error) {
	out := make([]*domain.HistoryRecord, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return domain.SortRecords(out, domain.DefaultSort), nil
}

func (f historyFake) Snapshot(id int64) (domain.HistoryRecord, bool) {
	rec, ok := f.records[id]
	if !ok {
		return domain.HistoryRecord{}, false
	}
	return rec.Clone(), true
}

func newHistoryFake() historyFake {
	day := func(d int) domain.Timestamp {
		return domain.Timestamp{Time: time.Date(2025, 4, d, 8, 0, 0, 0, time.UTC)}
	}
	return historyFake{records: map[int64]*domain.HistoryRecord{
		1: {ID: 1, FileName: "plot1_leaf.jpg", LabelName: "N", Confidence: 0.92, Threshold: 0.8, CreatedAt: day(1)},
		2: {ID: 2, FileName: "plot1_leaf2.jpg", LabelName: "N", Confidence: 0.88, Threshold: 0.8, CreatedAt: day(2)},
		3: {ID: 3, FileName: "plot2_leaf.jpg", LabelName: "P", Confidence: 0.81, Threshold: 0.8, CreatedAt: day(3)},
		4: {ID: 4, FileName: "plot2_leaf2.jpg", Label: -1, LabelName: "Uncertain", Confidence: 0.4, Threshold: 0.8, CreatedAt: day(4)},
	}}
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (map[string]any, *mcp.CallToolResult) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("tool returned error: %v", err)
	}
	if len(res.Content) != 1 {
		t.Fatalf("expected one content item, got %d", len(res.Content))
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	if res.IsError {
		return map[string]any{"error": text.Text}, res
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Fatalf("decode tool payload: %v", err)
	}
	return payload, res
}

func TestSearchHistoryFiltersSortsAndLimits(t *testing.T) {
	tools := NewTools(modelsFake{}, newHistoryFake())

	payload, _ := callTool(t, tools.searchHistory, map[string]any{
		"query":  "PLOT1",
		"sort":   "confidence",
		"order":  "asc",
		"limit":  float64(1),
		"labels": []any{"N"},
	})
	records, _ := payload["records"].([]any)
	if len(records) != 1 {
		t.Fatalf("expected one record, got %v", payload)
	}
	first := records[0].(map[string]any)
	if first["id"].(float64) != 2 || first["label"] != "Nitrogen (N)" || first["confidence"] != "88.00%" {
		t.Fatalf("unexpected record %v", first)
	}
}

func TestSearchHistoryRejectsUnknownSort(t *testing.T) {
	tools := NewTools(modelsFake{}, newHistoryFake())
	_, res := callTool(t, tools.searchHistory, map[string]any{"sort": "advice"})
	if !res.IsError {
		t.Fatalf("expected tool error for unknown sort")
	}
}

func TestBatchStatsAggregatesHistory(t *testing.T) {
	tools := NewTools(modelsFake{}, newHistoryFake())

	payload, _ := callTool(t, tools.batchStats, map[string]any{})
	stats := payload["stats"].(map[string]any)
	if stats["total"].(float64) != 4 || stats["N"].(float64) != 2 || stats["P"].(float64) != 1 || stats["uncertain_or_error"].(float64) != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}
	if payload["summary"] != "Processed 3/4 images successfully! 1 uncertain." {
		t.Fatalf("unexpected summary %v", payload["summary"])
	}
}

func TestListModelsReportsErrorsAsToolErrors(t *testing.T) {
	tools := NewTools(modelsFake{err: errors.New("catalog unavailable")}, newHistoryFake())
	_, res := callTool(t, tools.listModels, nil)
	if !res.IsError {
		t.Fatalf("expected tool error")
	}

	tools = NewTools(modelsFake{models: domain.DefaultModels}, newHistoryFake())
	payload, _ := callTool(t, tools.listModels, nil)
	if models, _ := payload["models"].([]any); len(models) != len(domain.DefaultModels) {
		t.Fatalf("unexpected models %v", payload)
	}
}
