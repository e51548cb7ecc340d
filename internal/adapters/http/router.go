package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/usecase"
)

const (
	maxUploadBytes   = 256 << 20
	maxJSONBodyBytes = 1 << 20
)

// PredictionWorkflow is one of the single-image or batch workflows.
type PredictionWorkflow interface {
	Kind() domain.WorkflowKind
	Submit(ctx context.Context, sub usecase.Submission) (*usecase.Outcome, error)
	Reset()
	Snapshot() usecase.WorkflowSnapshot
}

// HistoryService is the history projection plus its two-phase delete.
type HistoryService interface {
	ports.HistoryReader
	ports.HistoryDeleter
	Get(ctx context.Context, id int64) (domain.HistoryRecord, error)
}

type ResultExporter interface {
	ResultsCSV(results []domain.GatedResult, rc domain.RowContext) (domain.Artifact, error)
	ResultsXLSX(results []domain.GatedResult, rc domain.RowContext) (domain.Artifact, error)
	RecordCSV(rec domain.HistoryRecord) (domain.Artifact, error)
	RecordsCSV(records []domain.HistoryRecord) (domain.Artifact, error)
	RecordsXLSX(records []domain.HistoryRecord) (domain.Artifact, error)
	ExportImage(ctx context.Context, id int64) (domain.Artifact, error)
}

type ThresholdSetting interface {
	Get() domain.Threshold
	Set(t domain.Threshold)
}

// ServerMetrics is satisfied by metrics.HTTPServerMetrics.
type ServerMetrics interface {
	Middleware(next http.Handler) http.Handler
	Handler() http.Handler
	RecordRateLimited()
}

type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
	MaxInFlight    int
	QueueWait      time.Duration
}

type Dependencies struct {
	Models      ports.ModelLister
	Single      PredictionWorkflow
	Batch       PredictionWorkflow
	History     HistoryService
	Exporter    ResultExporter
	Threshold   ThresholdSetting
	Submissions ports.SubmissionLog
	Metrics     ServerMetrics
}

type Router struct {
	deps Dependencies
	opts Options
}

func NewRouter(deps Dependencies, opts Options) *Router {
	if opts.QueueWait <= 0 {
		opts.QueueWait = 250 * time.Millisecond
	}
	return &Router{deps: deps, opts: opts}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	if rt.deps.Metrics != nil {
		mux.Handle("GET /metrics", rt.deps.Metrics.Handler())
	}

	mux.HandleFunc("GET /v1/models", rt.listModels)
	mux.HandleFunc("GET /v1/settings/threshold", rt.getThreshold)
	mux.HandleFunc("PUT /v1/settings/threshold", rt.putThreshold)

	mux.HandleFunc("POST /v1/predictions/{kind}", rt.submitPrediction)
	mux.HandleFunc("GET /v1/predictions/{kind}", rt.getPrediction)
	mux.HandleFunc("POST /v1/predictions/{kind}/reset", rt.resetPrediction)
	mux.HandleFunc("GET /v1/predictions/{kind}/export", rt.exportPrediction)

	mux.HandleFunc("GET /v1/history", rt.listHistory)
	mux.HandleFunc("GET /v1/history/export", rt.exportHistory)
	mux.HandleFunc("POST /v1/history/delete-confirmations", rt.confirmDelete)
	mux.HandleFunc("POST /v1/history/batch-delete", rt.batchDelete)
	mux.HandleFunc("GET /v1/history/{id}", rt.getHistoryRecord)
	mux.HandleFunc("DELETE /v1/history/{id}", rt.deleteHistoryRecord)
	mux.HandleFunc("GET /v1/history/{id}/image", rt.getHistoryImage)
	mux.HandleFunc("GET /v1/history/{id}/export.csv", rt.exportHistoryRecord)

	mux.HandleFunc("GET /v1/submissions", rt.listSubmissions)
	mux.HandleFunc("GET /v1/submissions/{token}", rt.getSubmission)

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.opts.MaxInFlight, rt.opts.QueueWait)
	var onReject func()
	if rt.deps.Metrics != nil {
		onReject = rt.deps.Metrics.RecordRateLimited
	}
	handler = rateLimitMiddleware(handler, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst, onReject)
	if rt.deps.Metrics != nil {
		handler = rt.deps.Metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) listModels(w http.ResponseWriter, r *http.Request) {
	models, err := rt.deps.Models.ListModels(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

type thresholdPayload struct {
	Threshold float64 `json:"threshold"`
	Display   string  `json:"display,omitempty"`
}

func (rt *Router) getThreshold(w http.ResponseWriter, _ *http.Request) {
	t := rt.deps.Threshold.Get()
	writeJSON(w, http.StatusOK, thresholdPayload{Threshold: t.Float(), Display: t.String()})
}

func (rt *Router) putThreshold(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Threshold *float64 `json:"threshold"`
	}
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Threshold == nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "set threshold", errors.New("threshold is required")))
		return
	}
	t, err := domain.ParseThreshold(*req.Threshold)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rt.deps.Threshold.Set(t)
	writeJSON(w, http.StatusOK, thresholdPayload{Threshold: t.Float(), Display: t.String()})
}

func (rt *Router) listSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "list submissions", fmt.Errorf("invalid limit %q", raw)))
			return
		}
		limit = n
	}
	records, err := rt.deps.Submissions.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": records})
}

func (rt *Router) getSubmission(w http.ResponseWriter, r *http.Request) {
	rec, err := rt.deps.Submissions.Get(r.Context(), r.PathValue("token"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dest any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		return domain.WrapError(domain.ErrInvalidInput, "decode request", fmt.Errorf("invalid json: %w", err))
	}
	return nil
}

func writeArtifact(w http.ResponseWriter, artifact domain.Artifact) {
	w.Header().Set("Content-Type", artifact.ContentType)
	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": artifact.Name})
	if disposition == "" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("Content-Length", strconv.Itoa(len(artifact.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
