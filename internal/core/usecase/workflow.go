package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
)

// MaxImageBytes bounds a single-image upload.
const MaxImageBytes = 5 << 20

// LiveThreshold is the user-adjustable cutoff. Workflows read it exactly once,
// when a submission starts.
type LiveThreshold struct {
	bits atomic.Uint64
}

func NewLiveThreshold(initial domain.Threshold) *LiveThreshold {
	l := &LiveThreshold{}
	l.Set(initial)
	return l
}

func (l *LiveThreshold) Set(t domain.Threshold) {
	l.bits.Store(math.Float64bits(t.Float()))
}

func (l *LiveThreshold) Get() domain.Threshold {
	return domain.Threshold(math.Float64frombits(l.bits.Load()))
}

// PredictionObserver receives submission outcomes; metrics implement it.
type PredictionObserver interface {
	ObserveSubmission(kind domain.WorkflowKind, status string, duration time.Duration)
	ObserveGated(kind domain.WorkflowKind, results []domain.GatedResult)
}

type noopPredictionObserver struct{}

func (noopPredictionObserver) ObserveSubmission(domain.WorkflowKind, string, time.Duration) {}
func (noopPredictionObserver) ObserveGated(domain.WorkflowKind, []domain.GatedResult)      {}

type WorkflowDeps struct {
	Inference ports.InferenceService
	Live      *LiveThreshold
	Journal   ports.SubmissionJournal
	Events    ports.EventPublisher
	Observer  PredictionObserver
	Now       func() time.Time
}

// Submission is one user request. Threshold overrides the live value when set.
type Submission struct {
	ModelKey  string
	FileName  string
	Body      io.Reader
	Threshold *domain.Threshold
}

// Outcome is what a successful submission produced.
type Outcome struct {
	Request domain.RequestContext `json:"request"`
	Results []domain.GatedResult  `json:"results"`
	Stats   *domain.BatchStats    `json:"stats,omitempty"`
}

// WorkflowSnapshot is a read-only copy of the workflow state.
type WorkflowSnapshot struct {
	Kind     domain.WorkflowKind    `json:"kind"`
	State    domain.SubmissionState `json:"state"`
	Request  *domain.RequestContext `json:"request,omitempty"`
	FileName string                 `json:"fileName,omitempty"`
	Results  []domain.GatedResult   `json:"results,omitempty"`
	Stats    *domain.BatchStats     `json:"stats,omitempty"`
	Err      error                  `json:"-"`
}

// Workflow drives single-image or batch submissions. At most one submission
// is current; responses that arrive for an older token are discarded.
type Workflow struct {
	kind      domain.WorkflowKind
	inference ports.InferenceService
	live      *LiveThreshold
	journal   ports.SubmissionJournal
	events    ports.EventPublisher
	observer  PredictionObserver
	now       func() time.Time

	mu       sync.Mutex
	state    domain.SubmissionState
	token    string
	request  *domain.RequestContext
	fileName string
	results  []domain.GatedResult
	stats    *domain.BatchStats
	err      error
}

func NewSingleImageWorkflow(deps WorkflowDeps) *Workflow {
	return newWorkflow(domain.WorkflowSingle, deps)
}

func NewBatchWorkflow(deps WorkflowDeps) *Workflow {
	return newWorkflow(domain.WorkflowBatch, deps)
}

func newWorkflow(kind domain.WorkflowKind, deps WorkflowDeps) *Workflow {
	if deps.Live == nil {
		deps.Live = NewLiveThreshold(domain.DefaultThreshold)
	}
	if deps.Observer == nil {
		deps.Observer = noopPredictionObserver{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Workflow{
		kind:      kind,
		inference: deps.Inference,
		live:      deps.Live,
		journal:   deps.Journal,
		events:    deps.Events,
		observer:  deps.Observer,
		now:       deps.Now,
		state:     domain.StateIdle,
	}
}

func (w *Workflow) Kind() domain.WorkflowKind {
	return w.kind
}

// Submit runs one submission to completion. The threshold is captured before
// the request is sent and used for gating whatever the live value is later.
func (w *Workflow) Submit(ctx context.Context, sub Submission) (*Outcome, error) {
	body, err := w.validate(sub)
	if err != nil {
		return nil, err
	}

	threshold := w.live.Get()
	if sub.Threshold != nil {
		threshold = *sub.Threshold
	}
	req := w.begin(sub, threshold)
	start := w.now()
	slog.Info("prediction_submitted",
		"token", req.Token,
		"kind", string(req.Kind),
		"model_key", req.ModelKey,
		"file", req.FileName,
		"threshold", req.Threshold.Float(),
	)
	w.journalBegin(ctx, req)

	raws, err := w.call(ctx, req, body)
	if err != nil {
		w.observer.ObserveSubmission(w.kind, "error", w.now().Sub(start))
		if !w.fail(req.Token, err) {
			return nil, supersededError(req.Token)
		}
		slog.Warn("prediction_failed", "token", req.Token, "kind", string(req.Kind), "error", err)
		w.journalFinish(ctx, req.Token, domain.StateFailed, 0, err.Error())
		return nil, err
	}

	results := domain.GateAll(raws, req.Threshold)
	for _, r := range results {
		if err := r.Err(); err != nil {
			slog.Warn("prediction_item_failed", "token", req.Token, "kind", string(w.kind), "error", err)
		}
	}
	var stats *domain.BatchStats
	if w.kind == domain.WorkflowBatch {
		s := domain.Aggregate(results)
		stats = &s
	}

	if !w.commit(req.Token, results, stats) {
		w.observer.ObserveSubmission(w.kind, "superseded", w.now().Sub(start))
		return nil, supersededError(req.Token)
	}
	w.observer.ObserveSubmission(w.kind, "success", w.now().Sub(start))
	w.observer.ObserveGated(w.kind, results)
	w.journalFinish(ctx, req.Token, domain.StateSucceeded, len(results), "")
	w.publish(ctx, req, results, stats)

	return &Outcome{
		Request: req,
		Results: cloneResults(results),
		Stats:   cloneStats(stats),
	}, nil
}

// Reset returns to Idle and turns any in-flight response into a no-op.
func (w *Workflow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = domain.StateIdle
	w.token = ""
	w.request = nil
	w.fileName = ""
	w.results = nil
	w.stats = nil
	w.err = nil
}

func (w *Workflow) Snapshot() WorkflowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	snap := WorkflowSnapshot{
		Kind:     w.kind,
		State:    w.state,
		FileName: w.fileName,
		Results:  cloneResults(w.results),
		Stats:    cloneStats(w.stats),
		Err:      w.err,
	}
	if w.request != nil {
		req := *w.request
		snap.Request = &req
	}
	return snap
}

func (w *Workflow) validate(sub Submission) (io.Reader, error) {
	op := fmt.Sprintf("submit %s", w.kind)
	if w.inference == nil {
		return nil, fmt.Errorf("%s: inference service is not configured", op)
	}
	if strings.TrimSpace(sub.ModelKey) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("model key is required"))
	}
	if strings.TrimSpace(sub.FileName) == "" || sub.Body == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("file is required"))
	}
	if sub.Threshold != nil && (sub.Threshold.Float() < 0 || sub.Threshold.Float() > 1) {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("threshold %v out of range", sub.Threshold.Float()))
	}

	ext := strings.ToLower(filepath.Ext(sub.FileName))
	if w.kind == domain.WorkflowBatch {
		if ext != ".zip" {
			return nil, domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("batch upload must be a .zip archive, got %q", sub.FileName))
		}
		return sub.Body, nil
	}

	switch ext {
	case ".jpg", ".jpeg", ".png":
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("unsupported image type %q", sub.FileName))
	}
	raw, err := io.ReadAll(io.LimitReader(sub.Body, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%s: read upload: %w", op, err)
	}
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, errors.New("image is empty"))
	}
	if len(raw) > MaxImageBytes {
		return nil, domain.WrapError(domain.ErrInvalidInput, op, fmt.Errorf("image exceeds %d bytes", MaxImageBytes))
	}
	return bytes.NewReader(raw), nil
}

func (w *Workflow) begin(sub Submission, threshold domain.Threshold) domain.RequestContext {
	req := domain.RequestContext{
		Token:       uuid.NewString(),
		Kind:        w.kind,
		ModelKey:    strings.TrimSpace(sub.ModelKey),
		FileName:    sub.FileName,
		Threshold:   threshold,
		SubmittedAt: w.now().UTC(),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = domain.StateSubmitting
	w.token = req.Token
	w.request = &req
	w.fileName = sub.FileName
	w.results = nil
	w.stats = nil
	w.err = nil
	return req
}

func (w *Workflow) call(ctx context.Context, req domain.RequestContext, body io.Reader) ([]domain.RawPrediction, error) {
	upload := ports.Upload{FileName: req.FileName, Body: body}
	if w.kind == domain.WorkflowBatch {
		raws, err := w.inference.PredictBatch(ctx, req.ModelKey, req.Threshold, upload)
		if err != nil {
			return nil, fmt.Errorf("predict batch: %w", err)
		}
		return raws, nil
	}

	raw, err := w.inference.PredictImage(ctx, req.ModelKey, req.Threshold, upload)
	if err != nil {
		return nil, fmt.Errorf("predict image: %w", err)
	}
	if raw.FileName == "" {
		raw.FileName = req.FileName
	}
	return []domain.RawPrediction{raw}, nil
}

func (w *Workflow) commit(token string, results []domain.GatedResult, stats *domain.BatchStats) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token != token {
		return false
	}
	w.state = domain.StateSucceeded
	w.results = results
	w.stats = stats
	w.err = nil
	return true
}

func (w *Workflow) fail(token string, err error) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.token != token {
		return false
	}
	w.state = domain.StateFailed
	w.results = nil
	w.stats = nil
	w.err = err
	return true
}

func (w *Workflow) journalBegin(ctx context.Context, req domain.RequestContext) {
	if w.journal == nil {
		return
	}
	err := w.journal.Begin(ctx, domain.SubmissionRecord{
		Token:       req.Token,
		Kind:        req.Kind,
		ModelKey:    req.ModelKey,
		FileName:    req.FileName,
		Threshold:   req.Threshold,
		State:       domain.StateSubmitting,
		SubmittedAt: req.SubmittedAt,
	})
	if err != nil {
		slog.Warn("submission_journal_begin_failed", "token", req.Token, "error", err)
	}
}

func (w *Workflow) journalFinish(ctx context.Context, token string, state domain.SubmissionState, itemCount int, errMessage string) {
	if w.journal == nil {
		return
	}
	if err := w.journal.Finish(ctx, token, state, itemCount, errMessage); err != nil {
		slog.Warn("submission_journal_finish_failed", "token", token, "error", err)
	}
}

func (w *Workflow) publish(ctx context.Context, req domain.RequestContext, results []domain.GatedResult, stats *domain.BatchStats) {
	if w.events == nil {
		return
	}
	event := domain.PredictionCompleted{
		Token:       req.Token,
		Kind:        req.Kind,
		ModelKey:    req.ModelKey,
		FileName:    req.FileName,
		Threshold:   req.Threshold,
		Results:     cloneResults(results),
		CompletedAt: w.now().UTC(),
	}
	if stats != nil {
		event.Stats = *stats
	} else {
		event.Stats = domain.Aggregate(results)
	}
	if err := w.events.PublishPredictionCompleted(ctx, event); err != nil {
		slog.Warn("prediction_event_publish_failed", "token", req.Token, "error", err)
	}
}

func supersededError(token string) error {
	return domain.WrapError(domain.ErrSuperseded, "submit", fmt.Errorf("token %s is no longer current", token))
}

func cloneResults(in []domain.GatedResult) []domain.GatedResult {
	if in == nil {
		return nil
	}
	out := make([]domain.GatedResult, len(in))
	for i, r := range in {
		r.Probs = append([]float64(nil), r.Probs...)
		out[i] = r
	}
	return out
}

func cloneStats(in *domain.BatchStats) *domain.BatchStats {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}
