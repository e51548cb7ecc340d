package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
)

type inferenceCall struct {
	modelKey  string
	threshold domain.Threshold
	fileName  string
	body      string
}

type inferenceFake struct {
	mu      sync.Mutex
	calls   []inferenceCall
	started chan struct{}
	release chan struct{}

	single domain.RawPrediction
	batch  []domain.RawPrediction
	err    error
}

func (f *inferenceFake) ListModels(context.Context) ([]domain.Model, error) {
	return nil, errors.New("not implemented")
}

func (f *inferenceFake) PredictImage(_ context.Context, modelKey string, threshold domain.Threshold, file ports.Upload) (domain.RawPrediction, error) {
	if err := f.record(modelKey, threshold, file); err != nil {
		return domain.RawPrediction{}, err
	}
	return f.single, nil
}

func (f *inferenceFake) PredictBatch(_ context.Context, modelKey string, threshold domain.Threshold, archive ports.Upload) ([]domain.RawPrediction, error) {
	if err := f.record(modelKey, threshold, archive); err != nil {
		return nil, err
	}
	return f.batch, nil
}

func (f *inferenceFake) record(modelKey string, threshold domain.Threshold, file ports.Upload) error {
	raw, _ := io.ReadAll(file.Body)
	f.mu.Lock()
	f.calls = append(f.calls, inferenceCall{modelKey: modelKey, threshold: threshold, fileName: file.FileName, body: string(raw)})
	err := f.err
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return err
}

type journalFake struct {
	mu       sync.Mutex
	begun    []domain.SubmissionRecord
	finished map[string]domain.SubmissionState
}

func (f *journalFake) Begin(_ context.Context, rec domain.SubmissionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, rec)
	return nil
}

func (f *journalFake) Finish(_ context.Context, token string, state domain.SubmissionState, _ int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.finished == nil {
		f.finished = map[string]domain.SubmissionState{}
	}
	f.finished[token] = state
	return nil
}

type publisherFake struct {
	mu     sync.Mutex
	events []domain.PredictionCompleted
	err    error
}

func (f *publisherFake) PublishPredictionCompleted(_ context.Context, event domain.PredictionCompleted) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func imageSubmission(name string) Submission {
	return Submission{ModelKey: "xception", FileName: name, Body: strings.NewReader("jpeg-bytes")}
}

func TestWorkflowSingleGatesWithLiveThreshold(t *testing.T) {
	inference := &inferenceFake{single: domain.RawPrediction{
		Label: 0, LabelName: "N", Confidence: 0.80, Probs: []float64{0.8, 0.1, 0.1}, Advice: "apply urea",
	}}
	journal := &journalFake{}
	events := &publisherFake{}
	wf := NewSingleImageWorkflow(WorkflowDeps{
		Inference: inference,
		Live:      NewLiveThreshold(0.8),
		Journal:   journal,
		Events:    events,
	})

	out, err := wf.Submit(context.Background(), imageSubmission("leaf.jpg"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(out.Results) != 1 || out.Results[0].LabelName != "N" || out.Results[0].Advice != "apply urea" {
		t.Fatalf("confidence equal to threshold must pass through, got %+v", out.Results)
	}
	if out.Results[0].FileName != "leaf.jpg" {
		t.Fatalf("expected file name to default to upload name, got %q", out.Results[0].FileName)
	}
	if out.Stats != nil {
		t.Fatalf("single workflow must not aggregate")
	}
	if inference.calls[0].threshold != 0.8 || inference.calls[0].body != "jpeg-bytes" {
		t.Fatalf("unexpected inference call %+v", inference.calls[0])
	}

	snap := wf.Snapshot()
	if snap.State != domain.StateSucceeded || len(snap.Results) != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if journal.finished[out.Request.Token] != domain.StateSucceeded {
		t.Fatalf("journal not finished: %+v", journal.finished)
	}
	if len(events.events) != 1 || events.events[0].Token != out.Request.Token {
		t.Fatalf("expected one completion event, got %+v", events.events)
	}
}

func TestWorkflowUsesThresholdCapturedAtSubmission(t *testing.T) {
	inference := &inferenceFake{
		started: make(chan struct{}),
		release: make(chan struct{}),
		single:  domain.RawPrediction{Label: 1, LabelName: "P", Confidence: 0.6, Probs: []float64{0.2, 0.6, 0.2}, Advice: "add phosphate"},
	}
	live := NewLiveThreshold(0.8)
	wf := NewSingleImageWorkflow(WorkflowDeps{Inference: inference, Live: live})

	type submitResult struct {
		out *Outcome
		err error
	}
	done := make(chan submitResult, 1)
	go func() {
		out, err := wf.Submit(context.Background(), imageSubmission("leaf.png"))
		done <- submitResult{out: out, err: err}
	}()

	<-inference.started
	if got := wf.Snapshot().State; got != domain.StateSubmitting {
		t.Fatalf("expected submitting, got %s", got)
	}
	live.Set(0.5)
	close(inference.release)

	res := <-done
	if res.err != nil {
		t.Fatalf("submit: %v", res.err)
	}
	got := res.out.Results[0]
	if !got.IsUncertain() || got.Advice != "" {
		t.Fatalf("expected gating at 0.8, got %+v", got)
	}
	if got.Threshold != 0.8 || res.out.Request.Threshold != 0.8 {
		t.Fatalf("expected captured threshold 0.8, got %v", got.Threshold)
	}
}

func TestWorkflowResetMakesPendingResponseNoop(t *testing.T) {
	inference := &inferenceFake{
		started: make(chan struct{}),
		release: make(chan struct{}),
		single:  domain.RawPrediction{LabelName: "K", Confidence: 0.95},
	}
	journal := &journalFake{}
	events := &publisherFake{}
	wf := NewSingleImageWorkflow(WorkflowDeps{Inference: inference, Journal: journal, Events: events})

	done := make(chan error, 1)
	go func() {
		_, err := wf.Submit(context.Background(), imageSubmission("leaf.jpg"))
		done <- err
	}()

	<-inference.started
	wf.Reset()
	close(inference.release)

	if err := <-done; !domain.IsKind(err, domain.ErrSuperseded) {
		t.Fatalf("expected superseded, got %v", err)
	}
	snap := wf.Snapshot()
	if snap.State != domain.StateIdle || snap.Results != nil || snap.Request != nil {
		t.Fatalf("stale response leaked into reset workflow: %+v", snap)
	}
	if len(events.events) != 0 {
		t.Fatalf("superseded submission must not publish")
	}
}

type scriptedStep struct {
	started chan struct{}
	release chan struct{}
	result  domain.RawPrediction
}

type scriptedInference struct {
	mu    sync.Mutex
	steps []scriptedStep
	next  int
}

func (f *scriptedInference) ListModels(context.Context) ([]domain.Model, error) {
	return nil, errors.New("not implemented")
}

func (f *scriptedInference) PredictImage(context.Context, string, domain.Threshold, ports.Upload) (domain.RawPrediction, error) {
	f.mu.Lock()
	step := f.steps[f.next]
	f.next++
	f.mu.Unlock()

	if step.started != nil {
		close(step.started)
	}
	if step.release != nil {
		<-step.release
	}
	return step.result, nil
}

func (f *scriptedInference) PredictBatch(context.Context, string, domain.Threshold, ports.Upload) ([]domain.RawPrediction, error) {
	return nil, errors.New("not implemented")
}

func TestWorkflowNewerSubmissionWins(t *testing.T) {
	first := scriptedStep{
		started: make(chan struct{}),
		release: make(chan struct{}),
		result:  domain.RawPrediction{LabelName: "K", Confidence: 0.95},
	}
	second := scriptedStep{result: domain.RawPrediction{LabelName: "N", Confidence: 0.99}}
	wf := NewSingleImageWorkflow(WorkflowDeps{Inference: &scriptedInference{steps: []scriptedStep{first, second}}})

	done := make(chan error, 1)
	go func() {
		_, err := wf.Submit(context.Background(), imageSubmission("old.jpg"))
		done <- err
	}()
	<-first.started

	out, err := wf.Submit(context.Background(), imageSubmission("new.jpg"))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	close(first.release)

	if err := <-done; !domain.IsKind(err, domain.ErrSuperseded) {
		t.Fatalf("expected stale submission to be superseded, got %v", err)
	}
	snap := wf.Snapshot()
	if snap.Request == nil || snap.Request.Token != out.Request.Token {
		t.Fatalf("current request must belong to the newer submission: %+v", snap.Request)
	}
	if snap.FileName != "new.jpg" || len(snap.Results) != 1 || snap.Results[0].LabelName != "N" {
		t.Fatalf("stale response overwrote newer results: %+v", snap)
	}
}

func TestWorkflowFailureClearsPreviousResults(t *testing.T) {
	inference := &inferenceFake{single: domain.RawPrediction{LabelName: "N", Confidence: 0.9}}
	journal := &journalFake{}
	wf := NewSingleImageWorkflow(WorkflowDeps{Inference: inference, Journal: journal})

	if _, err := wf.Submit(context.Background(), imageSubmission("a.jpg")); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	transport := domain.WrapError(domain.ErrTransport, "predict image", errors.New("connection refused"))
	inference.err = transport
	_, err := wf.Submit(context.Background(), imageSubmission("b.jpg"))
	if !domain.IsKind(err, domain.ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}

	snap := wf.Snapshot()
	if snap.State != domain.StateFailed {
		t.Fatalf("expected failed, got %s", snap.State)
	}
	if snap.Results != nil || snap.Stats != nil {
		t.Fatalf("failed submission must not show stale results: %+v", snap.Results)
	}
	if !errors.Is(snap.Err, domain.ErrTransport) {
		t.Fatalf("snapshot must keep the failure, got %v", snap.Err)
	}
	if journal.finished[snap.Request.Token] != domain.StateFailed {
		t.Fatalf("journal must record the failure")
	}
}

func TestWorkflowBatchAggregates(t *testing.T) {
	inference := &inferenceFake{batch: []domain.RawPrediction{
		{FileName: "a.jpg", LabelName: "N", Confidence: 0.9, Advice: "x"},
		{FileName: "b.jpg", LabelName: "P", Confidence: 0.85},
		{FileName: "c.jpg", LabelName: "K", Confidence: 0.5},
		{FileName: "d.jpg", Error: "cannot decode image"},
	}}
	events := &publisherFake{}
	wf := NewBatchWorkflow(WorkflowDeps{Inference: inference, Live: NewLiveThreshold(0.8), Events: events})

	out, err := wf.Submit(context.Background(), Submission{
		ModelKey: "resnet50",
		FileName: "leaves.ZIP",
		Body:     bytes.NewReader([]byte("PK")),
	})
	if err != nil {
		t.Fatalf("submit batch: %v", err)
	}
	want := domain.BatchStats{Total: 4, N: 1, P: 1, UncertainOrError: 2}
	if out.Stats == nil || *out.Stats != want {
		t.Fatalf("expected %+v, got %+v", want, out.Stats)
	}
	if out.Results[3].Error != "cannot decode image" {
		t.Fatalf("per-item error must be kept on its row: %+v", out.Results[3])
	}
	if len(events.events) != 1 || events.events[0].Stats != want {
		t.Fatalf("event must carry batch stats: %+v", events.events)
	}
}

func TestWorkflowThresholdOverride(t *testing.T) {
	inference := &inferenceFake{single: domain.RawPrediction{LabelName: "N", Confidence: 0.6}}
	wf := NewSingleImageWorkflow(WorkflowDeps{Inference: inference, Live: NewLiveThreshold(0.8)})

	override := domain.Threshold(0.5)
	sub := imageSubmission("a.jpg")
	sub.Threshold = &override
	out, err := wf.Submit(context.Background(), sub)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Results[0].IsUncertain() || inference.calls[0].threshold != 0.5 {
		t.Fatalf("override must drive both request and gating: %+v", out.Results[0])
	}
}

func TestWorkflowRejectsInvalidUploads(t *testing.T) {
	inference := &inferenceFake{}
	single := NewSingleImageWorkflow(WorkflowDeps{Inference: inference})
	batch := NewBatchWorkflow(WorkflowDeps{Inference: inference})

	cases := []struct {
		name string
		wf   *Workflow
		sub  Submission
	}{
		{name: "missing model", wf: single, sub: Submission{FileName: "a.jpg", Body: strings.NewReader("x")}},
		{name: "wrong image type", wf: single, sub: Submission{ModelKey: "xception", FileName: "a.gif", Body: strings.NewReader("x")}},
		{name: "empty image", wf: single, sub: Submission{ModelKey: "xception", FileName: "a.jpg", Body: strings.NewReader("")}},
		{name: "oversized image", wf: single, sub: Submission{ModelKey: "xception", FileName: "a.png", Body: bytes.NewReader(make([]byte, MaxImageBytes+1))}},
		{name: "batch not zip", wf: batch, sub: Submission{ModelKey: "xception", FileName: "a.jpg", Body: strings.NewReader("x")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.wf.Submit(context.Background(), tc.sub); !domain.IsKind(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
	if len(inference.calls) != 0 {
		t.Fatalf("invalid uploads must not reach the inference service")
	}
	if single.Snapshot().State != domain.StateIdle {
		t.Fatalf("validation failures must not change state")
	}
}

func TestWorkflowPublishFailureDoesNotFailSubmission(t *testing.T) {
	inference := &inferenceFake{single: domain.RawPrediction{LabelName: "N", Confidence: 0.9}}
	events := &publisherFake{err: errors.New("nats down")}
	wf := NewSingleImageWorkflow(WorkflowDeps{Inference: inference, Events: events})

	if _, err := wf.Submit(context.Background(), imageSubmission("a.jpg")); err != nil {
		t.Fatalf("publish errors must only be logged, got %v", err)
	}
}
