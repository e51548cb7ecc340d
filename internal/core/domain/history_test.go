package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func testRecords() []*HistoryRecord {
	at := func(day int) Timestamp {
		return Timestamp{Time: time.Date(2025, 3, day, 10, 0, 0, 0, time.UTC)}
	}
	return []*HistoryRecord{
		{ID: 1, FileName: "Field_A.jpg", LabelName: "N", Confidence: 0.91, CreatedAt: at(1)},
		{ID: 2, FileName: "field_b.png", LabelName: "P", Confidence: 0.55, CreatedAt: at(3)},
		{ID: 3, FileName: "garden.jpg", LabelName: "K", Confidence: 0.72, CreatedAt: at(2)},
	}
}

func TestFilterRecordsCaseInsensitiveOverNameAndLabel(t *testing.T) {
	records := testRecords()

	if got := FilterRecords(records, "FIELD"); len(got) != 2 {
		t.Fatalf("expected 2 matches for FIELD, got %d", len(got))
	}
	if got := FilterRecords(records, "k"); len(got) != 1 || got[0].ID != 3 {
		t.Fatalf("expected label match on K, got %+v", got)
	}
	if got := FilterRecords(records, ""); len(got) != 3 {
		t.Fatalf("expected empty query to match all, got %d", len(got))
	}
}

func TestFilterRecordsDoesNotMutateSource(t *testing.T) {
	records := testRecords()
	before := make([]*HistoryRecord, len(records))
	copy(before, records)

	_ = FilterRecords(records, "garden")
	_ = FilterLabels(records, "N")
	_ = SortRecords(records, SortSpec{Field: SortByConfidence})

	for i := range records {
		if records[i] != before[i] {
			t.Fatalf("source slice reordered at %d", i)
		}
	}
}

func TestSortRecordsDefaultIsNewestFirst(t *testing.T) {
	got := SortRecords(testRecords(), DefaultSort)
	if got[0].ID != 2 || got[1].ID != 3 || got[2].ID != 1 {
		t.Fatalf("unexpected order: %d %d %d", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestSortRecordsByConfidenceAndName(t *testing.T) {
	byConf := SortRecords(testRecords(), SortSpec{Field: SortByConfidence})
	if byConf[0].ID != 2 || byConf[2].ID != 1 {
		t.Fatalf("unexpected confidence order: %d %d %d", byConf[0].ID, byConf[1].ID, byConf[2].ID)
	}
	byName := SortRecords(testRecords(), SortSpec{Field: SortByFileName})
	if byName[0].FileName != "Field_A.jpg" {
		t.Fatalf("expected byte-wise lexicographic order, got %s first", byName[0].FileName)
	}
}

func TestParseSortSpec(t *testing.T) {
	spec, err := ParseSortSpec("", "")
	if err != nil || spec != DefaultSort {
		t.Fatalf("expected default sort, got %+v err=%v", spec, err)
	}
	spec, err = ParseSortSpec("confidence", "desc")
	if err != nil || spec.Field != SortByConfidence || !spec.Descending {
		t.Fatalf("unexpected spec %+v err=%v", spec, err)
	}
	if _, err := ParseSortSpec("advice", ""); !IsKind(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown field, got %v", err)
	}
}

func TestHistoryRecordDecodesNaiveTimestamp(t *testing.T) {
	payload := `{"id":9,"fileName":"a.jpg","label":0,"label_name":"N","confidence":0.9,"threshold":0.8,
"probs":[0.9,0.05,0.05],"model_key":"xception","advice":"x","created_at":"2025-03-01T10:15:30.123456"}`

	var rec HistoryRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := time.Date(2025, 3, 1, 10, 15, 30, 123456000, time.UTC)
	if !rec.CreatedAt.Equal(want) {
		t.Fatalf("expected %s, got %s", want, rec.CreatedAt)
	}
	if rec.HasImage() {
		t.Fatalf("summary record must not report an image")
	}
}

func TestAdviceOrDefault(t *testing.T) {
	if got := (HistoryRecord{}).AdviceOrDefault(); got != "No advice available." {
		t.Fatalf("unexpected fallback %q", got)
	}
}
