package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

// Journal is the submission journal used when no Postgres DSN is configured.
// It keeps at most limit entries, dropping the oldest.
type Journal struct {
	mu      sync.Mutex
	limit   int
	records map[string]*domain.SubmissionRecord
	now     func() time.Time
}

func NewJournal(limit int) *Journal {
	if limit <= 0 {
		limit = 500
	}
	return &Journal{
		limit:   limit,
		records: make(map[string]*domain.SubmissionRecord),
		now:     time.Now,
	}
}

func (j *Journal) Begin(_ context.Context, rec domain.SubmissionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	copyRec := rec
	j.records[rec.Token] = &copyRec
	j.evictLocked()
	return nil
}

func (j *Journal) Finish(_ context.Context, token string, state domain.SubmissionState, itemCount int, errMessage string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[token]
	if !ok {
		return domain.WrapError(domain.ErrNotFound, "finish submission", fmt.Errorf("token=%s", token))
	}
	finished := j.now().UTC()
	rec.State = state
	rec.ItemCount = itemCount
	rec.ErrorMessage = errMessage
	rec.FinishedAt = &finished
	return nil
}

func (j *Journal) Recent(_ context.Context, limit int) ([]domain.SubmissionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.SubmissionRecord, 0, len(j.records))
	for _, rec := range j.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt.After(out[b].SubmittedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (j *Journal) Get(_ context.Context, token string) (domain.SubmissionRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[token]
	if !ok {
		return domain.SubmissionRecord{}, domain.WrapError(domain.ErrNotFound, "get submission", fmt.Errorf("token=%s", token))
	}
	return *rec, nil
}

func (j *Journal) evictLocked() {
	for len(j.records) > j.limit {
		var oldest string
		var oldestAt time.Time
		for token, rec := range j.records {
			if oldest == "" || rec.SubmittedAt.Before(oldestAt) {
				oldest, oldestAt = token, rec.SubmittedAt
			}
		}
		delete(j.records, oldest)
	}
}
