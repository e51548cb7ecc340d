package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HistoryRecord is a persisted prediction. List responses leave ImageData
// empty; it is hydrated lazily per record.
type HistoryRecord struct {
	ID         int64     `json:"id"`
	FileName   string    `json:"fileName"`
	Label      int       `json:"label"`
	LabelName  string    `json:"label_name"`
	Confidence float64   `json:"confidence"`
	Threshold  float64   `json:"threshold"`
	Probs      []float64 `json:"probs"`
	ModelKey   string    `json:"model_key"`
	Advice     string    `json:"advice"`
	CreatedAt  Timestamp `json:"created_at"`
	ImageData  string    `json:"image_data,omitempty"`
}

func (r *HistoryRecord) HasImage() bool {
	return r != nil && r.ImageData != ""
}

// Clone returns a detached copy safe to hand to readers.
func (r *HistoryRecord) Clone() HistoryRecord {
	out := *r
	out.Probs = append([]float64(nil), r.Probs...)
	return out
}

// AdviceOrDefault is what the detail view prints for the advice block.
func (r HistoryRecord) AdviceOrDefault() string {
	if strings.TrimSpace(r.Advice) == "" {
		return "No advice available."
	}
	return r.Advice
}

// Timestamp accepts RFC3339 as well as the naive ISO layouts the store emits.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func ParseTimestamp(raw string) (Timestamp, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Timestamp{}, nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return Timestamp{Time: t.UTC()}, nil
		}
	}
	return Timestamp{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// FilterRecords keeps records whose file name or label contains query,
// case-insensitively. The input slice is never modified.
func FilterRecords(records []*HistoryRecord, query string) []*HistoryRecord {
	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]*HistoryRecord, 0, len(records))
	for _, rec := range records {
		if needle == "" ||
			strings.Contains(strings.ToLower(rec.FileName), needle) ||
			strings.Contains(strings.ToLower(rec.LabelName), needle) {
			out = append(out, rec)
		}
	}
	return out
}

// FilterLabels is the label column filter. No labels means no filtering.
func FilterLabels(records []*HistoryRecord, labels ...string) []*HistoryRecord {
	if len(labels) == 0 {
		return append([]*HistoryRecord(nil), records...)
	}
	allowed := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		allowed[l] = struct{}{}
	}
	out := make([]*HistoryRecord, 0, len(records))
	for _, rec := range records {
		if _, ok := allowed[rec.LabelName]; ok {
			out = append(out, rec)
		}
	}
	return out
}

type SortField string

const (
	SortByFileName   SortField = "fileName"
	SortByLabel      SortField = "label_name"
	SortByConfidence SortField = "confidence"
	SortByCreatedAt  SortField = "created_at"
)

type SortSpec struct {
	Field      SortField
	Descending bool
}

// DefaultSort is newest first.
var DefaultSort = SortSpec{Field: SortByCreatedAt, Descending: true}

func ParseSortSpec(field, order string) (SortSpec, error) {
	spec := DefaultSort
	switch SortField(strings.TrimSpace(field)) {
	case "":
	case SortByFileName:
		spec = SortSpec{Field: SortByFileName}
	case SortByLabel:
		spec = SortSpec{Field: SortByLabel}
	case SortByConfidence:
		spec = SortSpec{Field: SortByConfidence}
	case SortByCreatedAt:
		spec = SortSpec{Field: SortByCreatedAt}
	default:
		return SortSpec{}, WrapError(ErrInvalidInput, "parse sort", fmt.Errorf("unknown sort field %q", field))
	}

	switch strings.ToLower(strings.TrimSpace(order)) {
	case "":
		if field == "" {
			spec.Descending = true
		}
	case "asc", "ascend":
		spec.Descending = false
	case "desc", "descend":
		spec.Descending = true
	default:
		return SortSpec{}, WrapError(ErrInvalidInput, "parse sort", fmt.Errorf("unknown sort order %q", order))
	}
	return spec, nil
}

// SortRecords returns a sorted copy. Ties fall back to id so the order is stable.
func SortRecords(records []*HistoryRecord, spec SortSpec) []*HistoryRecord {
	out := append([]*HistoryRecord(nil), records...)
	less := func(a, b *HistoryRecord) int {
		switch spec.Field {
		case SortByFileName:
			return strings.Compare(a.FileName, b.FileName)
		case SortByLabel:
			return strings.Compare(a.LabelName, b.LabelName)
		case SortByConfidence:
			switch {
			case a.Confidence < b.Confidence:
				return -1
			case a.Confidence > b.Confidence:
				return 1
			}
			return 0
		default:
			return a.CreatedAt.Compare(b.CreatedAt.Time)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		c := less(out[i], out[j])
		if c == 0 {
			c = compareID(out[i].ID, out[j].ID)
		}
		if spec.Descending {
			return c > 0
		}
		return c < 0
	})
	return out
}

func compareID(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// DeleteConfirmation is the single-use grant that must precede a delete.
type DeleteConfirmation struct {
	Token     string    `json:"token"`
	IDs       []int64   `json:"ids"`
	ExpiresAt time.Time `json:"expires_at"`
}
