package usecase

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

var exportNow = time.Date(2025, 5, 2, 9, 30, 0, 0, time.UTC)

func newTestExporter(records RecordSource) *Exporter {
	return NewExporter(domain.NewModelCatalog(domain.DefaultModels...), records, func() time.Time { return exportNow })
}

func readCSV(t *testing.T, data []byte) [][]string {
	t.Helper()
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	return rows
}

func TestRecordCSVRoundTripsAdvice(t *testing.T) {
	advice := "Apply 20kg/ha urea, then \"wait\" a week\nand re-test"
	rec := domain.HistoryRecord{
		ID:         3,
		FileName:   "leaf 3.jpg",
		LabelName:  "N",
		Confidence: 0.91234,
		Threshold:  0.8,
		Probs:      []float64{0.91234, 0.05, 0.03766},
		ModelKey:   "efficientnetb0",
		Advice:     advice,
		CreatedAt:  domain.Timestamp{Time: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)},
	}

	artifact, err := newTestExporter(nil).RecordCSV(rec)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if artifact.Name != "prediction_leaf 3.jpg.csv" || artifact.ContentType != domain.ContentTypeCSV {
		t.Fatalf("unexpected artifact meta %q %q", artifact.Name, artifact.ContentType)
	}

	rows := readCSV(t, artifact.Data)
	if len(rows) != 2 {
		t.Fatalf("expected header and one row, got %d", len(rows))
	}
	row := rows[1]
	if row[6] != advice {
		t.Fatalf("advice did not round-trip: %q", row[6])
	}
	want := []string{"leaf 3.jpg", "Nitrogen (N)", "91.23%", "80%", "0.91234, 0.05, 0.03766", "EfficientNetB0"}
	for i, w := range want {
		if row[i] != w {
			t.Fatalf("column %s: expected %q, got %q", domain.ExportColumns[i], w, row[i])
		}
	}
	if row[8] != "2025-03-01T10:00:00Z" {
		t.Fatalf("unexpected created at %q", row[8])
	}
}

func TestResultsCSVBatchNamingAndNotes(t *testing.T) {
	results := []domain.GatedResult{
		{FileName: "a.jpg", LabelName: "P", Confidence: 0.9, Threshold: 0.75, Probs: []float64{0.05, 0.9, 0.05}},
		{FileName: "b.jpg", Label: -1, LabelName: domain.LabelUncertain, Threshold: 0.75, Error: "cannot decode image"},
	}

	artifact, err := newTestExporter(nil).ResultsCSV(results, domain.RowContext{ModelKey: "custom-net", CreatedAt: exportNow})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if artifact.Name != "prediction_results_1746178200000.csv" {
		t.Fatalf("unexpected batch name %q", artifact.Name)
	}
	rows := readCSV(t, artifact.Data)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[1][7] != "Success" || rows[2][7] != "cannot decode image" {
		t.Fatalf("unexpected notes %q %q", rows[1][7], rows[2][7])
	}
	if rows[1][5] != "custom-net" {
		t.Fatalf("unknown model key must pass through, got %q", rows[1][5])
	}
	if rows[2][1] != domain.LabelUncertain || rows[1][3] != "75%" {
		t.Fatalf("unexpected label/threshold cells: %v / %v", rows[2], rows[1])
	}
}

func TestResultsCSVSingleUsesFileName(t *testing.T) {
	results := []domain.GatedResult{{FileName: "leaf.png", LabelName: "K", Confidence: 0.88, Threshold: 0.8}}
	artifact, err := newTestExporter(nil).ResultsCSV(results, domain.RowContext{ModelKey: "xception"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if artifact.Name != "prediction_leaf.png.csv" {
		t.Fatalf("unexpected name %q", artifact.Name)
	}
}

func TestRecordsXLSXWritesHeaderAndRows(t *testing.T) {
	records := []domain.HistoryRecord{
		{ID: 1, FileName: "a.jpg", LabelName: "N", Confidence: 0.9, Threshold: 0.8, ModelKey: "resnet50"},
		{ID: 2, FileName: "b.jpg", LabelName: "K", Confidence: 0.85, Threshold: 0.8, ModelKey: "mobilenetv3"},
	}
	artifact, err := newTestExporter(nil).RecordsXLSX(records)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.HasSuffix(artifact.Name, ".xlsx") || artifact.ContentType != domain.ContentTypeXLSX {
		t.Fatalf("unexpected artifact meta %q %q", artifact.Name, artifact.ContentType)
	}

	f, err := excelize.OpenReader(bytes.NewReader(artifact.Data))
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Predictions")
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 3 || rows[0][0] != "FileName" || rows[2][5] != "MobileNetV3" {
		t.Fatalf("unexpected sheet contents: %v", rows)
	}
}

type recordSourceFake struct {
	rec        domain.HistoryRecord
	image      string
	err        error
	fetchCalls int
}

func (f *recordSourceFake) Get(context.Context, int64) (domain.HistoryRecord, error) {
	return f.rec, nil
}

func (f *recordSourceFake) FetchImage(context.Context, int64) (string, error) {
	f.fetchCalls++
	if f.err != nil {
		return "", f.err
	}
	return f.image, nil
}

func TestExportImageHydratesSummaryRecord(t *testing.T) {
	source := &recordSourceFake{
		rec:   domain.HistoryRecord{ID: 5, FileName: "field/leaf.PNG"},
		image: "aGVsbG8=",
	}
	artifact, err := newTestExporter(source).ExportImage(context.Background(), 5)
	if err != nil {
		t.Fatalf("export image: %v", err)
	}
	if source.fetchCalls != 1 {
		t.Fatalf("summary record must trigger one fetch, got %d", source.fetchCalls)
	}
	if artifact.Name != "leaf.jpg" || string(artifact.Data) != "hello" {
		t.Fatalf("unexpected artifact %q %q", artifact.Name, artifact.Data)
	}
}

func TestExportImageUsesResidentPayload(t *testing.T) {
	source := &recordSourceFake{rec: domain.HistoryRecord{ID: 6, FileName: "x.jpeg", ImageData: "data:image/jpeg;base64,aGVsbG8="}}
	artifact, err := newTestExporter(source).ExportImage(context.Background(), 6)
	if err != nil {
		t.Fatalf("export image: %v", err)
	}
	if source.fetchCalls != 0 || string(artifact.Data) != "hello" {
		t.Fatalf("resident payload must be used as is, calls=%d data=%q", source.fetchCalls, artifact.Data)
	}
}

func TestExportImageNoImageAvailable(t *testing.T) {
	source := &recordSourceFake{
		rec: domain.HistoryRecord{ID: 7, FileName: "x.jpg"},
		err: domain.WrapError(domain.ErrNoImageAvailable, "fetch image", errors.New("record 7 has no image payload")),
	}
	if _, err := newTestExporter(source).ExportImage(context.Background(), 7); !domain.IsKind(err, domain.ErrNoImageAvailable) {
		t.Fatalf("expected no image available, got %v", err)
	}
}

func TestDecodeImagePayloadRejectsGarbage(t *testing.T) {
	if _, err := DecodeImagePayload("!!not-base64!!"); !domain.IsKind(err, domain.ErrInvalidResponseShape) {
		t.Fatalf("expected invalid response shape, got %v", err)
	}
	if _, err := DecodeImagePayload("  "); !domain.IsKind(err, domain.ErrNoImageAvailable) {
		t.Fatalf("expected no image available, got %v", err)
	}
}
