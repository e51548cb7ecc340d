package domain

import (
	"errors"
	"fmt"
	"math"
)

const (
	LabelNitrogen   = "N"
	LabelPhosphorus = "P"
	LabelPotassium  = "K"
	LabelUncertain  = "Uncertain"
	LabelUnknown    = "Unknown"

	// UncertainLabelIndex replaces the class index of a gated prediction.
	UncertainLabelIndex = -1
)

// RawPrediction is one classifier answer exactly as the inference service returned it.
type RawPrediction struct {
	FileName   string    `json:"fileName,omitempty"`
	Label      int       `json:"label"`
	LabelName  string    `json:"label_name"`
	Confidence float64   `json:"confidence"`
	Probs      []float64 `json:"probs"`
	Advice     string    `json:"advice,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// GatedResult is a RawPrediction after the confidence gate was applied with
// the threshold captured at submission time.
type GatedResult struct {
	FileName   string    `json:"fileName,omitempty"`
	Label      int       `json:"label"`
	LabelName  string    `json:"label_name"`
	Confidence float64   `json:"confidence"`
	Probs      []float64 `json:"probs"`
	Advice     string    `json:"advice,omitempty"`
	Error      string    `json:"error,omitempty"`
	Threshold  Threshold `json:"threshold"`
}

// Err returns the per-item failure carried by a batch row, or nil.
func (r GatedResult) Err() error {
	if r.Error == "" {
		return nil
	}
	return WrapError(ErrPerItemClassification, "classify "+r.FileName, errors.New(r.Error))
}

func (r GatedResult) IsUncertain() bool {
	return r.Label == UncertainLabelIndex && r.LabelName == LabelUncertain
}

// Actionable reports whether the row carries a usable N/P/K diagnosis.
func (r GatedResult) Actionable() bool {
	if r.Err() != nil || r.IsUncertain() {
		return false
	}
	switch r.LabelName {
	case LabelNitrogen, LabelPhosphorus, LabelPotassium:
		return true
	default:
		return false
	}
}

// Threshold is a confidence cutoff in [0,1].
type Threshold float64

const DefaultThreshold Threshold = 0.8

// ParseThreshold accepts a fraction (0.8) or a slider percentage (80).
func ParseThreshold(v float64) (Threshold, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, WrapError(ErrInvalidInput, "parse threshold", fmt.Errorf("value %v out of range", v))
	}
	if v > 1 {
		if v > 100 {
			return 0, WrapError(ErrInvalidInput, "parse threshold", fmt.Errorf("value %v out of range", v))
		}
		v = v / 100
	}
	return Threshold(v), nil
}

func (t Threshold) Float() float64 {
	return float64(t)
}

func (t Threshold) Percent() float64 {
	return float64(t) * 100
}

func (t Threshold) String() string {
	return fmt.Sprintf("%.0f%%", t.Percent())
}
