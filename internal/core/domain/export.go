package domain

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ExportColumns is the column order of every CSV and XLSX export.
var ExportColumns = []string{
	"FileName",
	"Label",
	"Confidence",
	"Threshold",
	"Probs",
	"Model",
	"Advice",
	"Note",
	"CreatedAt",
}

// ExportRow is one flattened prediction ready for serialization.
type ExportRow struct {
	FileName   string
	Label      string
	Confidence string
	Threshold  string
	Probs      string
	Model      string
	Advice     string
	Note       string
	CreatedAt  string
}

func (r ExportRow) Values() []string {
	return []string{
		r.FileName,
		r.Label,
		r.Confidence,
		r.Threshold,
		r.Probs,
		r.Model,
		r.Advice,
		r.Note,
		r.CreatedAt,
	}
}

// RowContext carries what a gated result alone does not know.
type RowContext struct {
	ModelKey  string
	CreatedAt time.Time
}

// Artifact is a named binary payload offered as a download.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

const (
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	ContentTypeJPEG = "image/jpeg"
)

func FormatConfidence(v float64) string {
	return fmt.Sprintf("%.2f%%", v*100)
}

func FormatProbs(probs []float64) string {
	parts := make([]string, 0, len(probs))
	for _, p := range probs {
		parts = append(parts, strconv.FormatFloat(p, 'f', -1, 64))
	}
	return strings.Join(parts, ", ")
}

func SingleCSVName(fileName string) string {
	return fmt.Sprintf("prediction_%s.csv", fileName)
}

func BatchExportName(now time.Time, ext string) string {
	return fmt.Sprintf("prediction_results_%d.%s", now.UnixMilli(), ext)
}

// ImageFileName normalizes any extension to .jpg.
func ImageFileName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" || base == "" {
		base = "image"
	}
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	if base == "" {
		base = "image"
	}
	return base + ".jpg"
}

// TruncateAdvice shortens advice for table cells.
func TruncateAdvice(advice string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(advice) <= limit {
		return advice
	}
	runes := []rune(advice)
	return string(runes[:limit]) + "..."
}
