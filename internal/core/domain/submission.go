package domain

import "time"

type WorkflowKind string

const (
	WorkflowSingle WorkflowKind = "single"
	WorkflowBatch  WorkflowKind = "batch"
)

type SubmissionState string

const (
	StateIdle       SubmissionState = "idle"
	StateSubmitting SubmissionState = "submitting"
	StateSucceeded  SubmissionState = "succeeded"
	StateFailed     SubmissionState = "failed"
)

// RequestContext is the immutable snapshot bound to one submission. Response
// handling reads the threshold from here, never from live settings.
type RequestContext struct {
	Token       string       `json:"token"`
	Kind        WorkflowKind `json:"kind"`
	ModelKey    string       `json:"model_key"`
	FileName    string       `json:"fileName"`
	Threshold   Threshold    `json:"threshold"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// SubmissionRecord is the journal entry kept for every submission.
type SubmissionRecord struct {
	Token        string          `json:"token"`
	Kind         WorkflowKind    `json:"kind"`
	ModelKey     string          `json:"model_key"`
	FileName     string          `json:"fileName"`
	Threshold    Threshold       `json:"threshold"`
	State        SubmissionState `json:"state"`
	ItemCount    int             `json:"item_count"`
	ErrorMessage string          `json:"error,omitempty"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

// PredictionCompleted is published after a submission succeeded.
type PredictionCompleted struct {
	Token       string        `json:"token"`
	Kind        WorkflowKind  `json:"kind"`
	ModelKey    string        `json:"model_key"`
	FileName    string        `json:"fileName"`
	Threshold   Threshold     `json:"threshold"`
	Results     []GatedResult `json:"results"`
	Stats       BatchStats    `json:"stats"`
	CompletedAt time.Time     `json:"completed_at"`
}
