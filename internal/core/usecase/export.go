package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

const exportSheetName = "Predictions"

// RecordSource is the part of the history client the exporter needs.
type RecordSource interface {
	Get(ctx context.Context, id int64) (domain.HistoryRecord, error)
	FetchImage(ctx context.Context, id int64) (string, error)
}

// Exporter flattens gated results and history records into downloadable
// artifacts. Model display names come from the shared catalog.
type Exporter struct {
	catalog *domain.ModelCatalog
	records RecordSource
	now     func() time.Time
}

func NewExporter(catalog *domain.ModelCatalog, records RecordSource, now func() time.Time) *Exporter {
	if now == nil {
		now = time.Now
	}
	return &Exporter{catalog: catalog, records: records, now: now}
}

// ResultRow flattens one gated result. Rows that carry a per-item error note
// it; every other row is a success.
func (e *Exporter) ResultRow(result domain.GatedResult, rc domain.RowContext) domain.ExportRow {
	note := "Success"
	if err := result.Err(); err != nil {
		note = result.Error
	}
	return domain.ExportRow{
		FileName:   result.FileName,
		Label:      domain.LabelDisplayName(result.LabelName),
		Confidence: domain.FormatConfidence(result.Confidence),
		Threshold:  result.Threshold.String(),
		Probs:      domain.FormatProbs(result.Probs),
		Model:      e.catalog.DisplayName(rc.ModelKey),
		Advice:     result.Advice,
		Note:       note,
		CreatedAt:  formatCreatedAt(rc.CreatedAt),
	}
}

func (e *Exporter) RecordRow(rec domain.HistoryRecord) domain.ExportRow {
	return domain.ExportRow{
		FileName:   rec.FileName,
		Label:      domain.LabelDisplayName(rec.LabelName),
		Confidence: domain.FormatConfidence(rec.Confidence),
		Threshold:  domain.Threshold(rec.Threshold).String(),
		Probs:      domain.FormatProbs(rec.Probs),
		Model:      e.catalog.DisplayName(rec.ModelKey),
		Advice:     rec.Advice,
		Note:       "Success",
		CreatedAt:  formatCreatedAt(rec.CreatedAt.Time),
	}
}

// RecordCSV exports one history record as prediction_<fileName>.csv.
func (e *Exporter) RecordCSV(rec domain.HistoryRecord) (domain.Artifact, error) {
	data, err := encodeCSV([]domain.ExportRow{e.RecordRow(rec)})
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("export record %d: %w", rec.ID, err)
	}
	return domain.Artifact{
		Name:        domain.SingleCSVName(rec.FileName),
		ContentType: domain.ContentTypeCSV,
		Data:        data,
	}, nil
}

// ResultsCSV exports a finished submission. A single result keeps its file
// name; batches get a timestamped name.
func (e *Exporter) ResultsCSV(results []domain.GatedResult, rc domain.RowContext) (domain.Artifact, error) {
	rows := make([]domain.ExportRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, e.ResultRow(r, rc))
	}
	data, err := encodeCSV(rows)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("export results: %w", err)
	}
	name := domain.BatchExportName(e.now(), "csv")
	if len(results) == 1 && results[0].FileName != "" {
		name = domain.SingleCSVName(results[0].FileName)
	}
	return domain.Artifact{Name: name, ContentType: domain.ContentTypeCSV, Data: data}, nil
}

func (e *Exporter) RecordsCSV(records []domain.HistoryRecord) (domain.Artifact, error) {
	data, err := encodeCSV(e.recordRows(records))
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("export history: %w", err)
	}
	return domain.Artifact{
		Name:        domain.BatchExportName(e.now(), "csv"),
		ContentType: domain.ContentTypeCSV,
		Data:        data,
	}, nil
}

func (e *Exporter) ResultsXLSX(results []domain.GatedResult, rc domain.RowContext) (domain.Artifact, error) {
	rows := make([]domain.ExportRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, e.ResultRow(r, rc))
	}
	data, err := encodeXLSX(rows)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("export results: %w", err)
	}
	return domain.Artifact{
		Name:        domain.BatchExportName(e.now(), "xlsx"),
		ContentType: domain.ContentTypeXLSX,
		Data:        data,
	}, nil
}

func (e *Exporter) RecordsXLSX(records []domain.HistoryRecord) (domain.Artifact, error) {
	data, err := encodeXLSX(e.recordRows(records))
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("export history: %w", err)
	}
	return domain.Artifact{
		Name:        domain.BatchExportName(e.now(), "xlsx"),
		ContentType: domain.ContentTypeXLSX,
		Data:        data,
	}, nil
}

// ExportImage decodes the record's image, hydrating it first when only the
// summary is resident.
func (e *Exporter) ExportImage(ctx context.Context, id int64) (domain.Artifact, error) {
	if e.records == nil {
		return domain.Artifact{}, errors.New("export image: record source is not configured")
	}
	rec, err := e.records.Get(ctx, id)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("export image: %w", err)
	}

	payload := rec.ImageData
	if payload == "" {
		payload, err = e.records.FetchImage(ctx, id)
		if err != nil {
			return domain.Artifact{}, fmt.Errorf("export image: %w", err)
		}
	}

	raw, err := DecodeImagePayload(payload)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("export image for record %d: %w", id, err)
	}
	return domain.Artifact{
		Name:        domain.ImageFileName(rec.FileName),
		ContentType: domain.ContentTypeJPEG,
		Data:        raw,
	}, nil
}

// DecodeImagePayload accepts bare base64 or a data URL.
func DecodeImagePayload(payload string) ([]byte, error) {
	payload = strings.TrimSpace(payload)
	if strings.HasPrefix(payload, "data:") {
		if idx := strings.Index(payload, ","); idx >= 0 {
			payload = payload[idx+1:]
		}
	}
	if payload == "" {
		return nil, domain.WrapError(domain.ErrNoImageAvailable, "decode image", errors.New("empty payload"))
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	}
	if err != nil {
		return nil, domain.WrapError(domain.ErrInvalidResponseShape, "decode image", err)
	}
	if len(raw) == 0 {
		return nil, domain.WrapError(domain.ErrNoImageAvailable, "decode image", errors.New("empty payload"))
	}
	return raw, nil
}

func (e *Exporter) recordRows(records []domain.HistoryRecord) []domain.ExportRow {
	rows := make([]domain.ExportRow, 0, len(records))
	for _, rec := range records {
		rows = append(rows, e.RecordRow(rec))
	}
	return rows
}

func encodeCSV(rows []domain.ExportRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(domain.ExportColumns); err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := w.Write(row.Values()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeXLSX(rows []domain.ExportRow) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", exportSheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := setRow(f, 1, domain.ExportColumns); err != nil {
		return nil, err
	}
	for i, row := range rows {
		if err := setRow(f, i+2, row.Values()); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = v
	}
	if err := f.SetSheetRow(exportSheetName, cell, &cells); err != nil {
		return fmt.Errorf("write row %d: %w", row, err)
	}
	return nil
}

func formatCreatedAt(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
