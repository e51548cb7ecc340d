package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/ports"
)

const (
	historyListCacheKey = "history:list"

	// tombstoneTTL outlives any list request that could still carry a
	// deleted row.
	tombstoneTTL = 10 * time.Minute
)

// HistoryObserver receives outcome signals; metrics implement it.
type HistoryObserver interface {
	ObserveImageHydration(outcome string)
	ObserveDelete(outcome string, count int)
}

type noopHistoryObserver struct{}

func (noopHistoryObserver) ObserveImageHydration(string) {}
func (noopHistoryObserver) ObserveDelete(string, int)    {}

type HistoryOptions struct {
	// ListTTL caches list summaries; zero disables the cache.
	ListTTL    time.Duration
	ConfirmTTL time.Duration
	Observer   HistoryObserver
	Now        func() time.Time
}

// tombstone marks a deleted id. gen is the list generation after removal;
// summaries fetched before that generation must not bring the id back.
type tombstone struct {
	gen       uint64
	deletedAt time.Time
}

type pendingDelete struct {
	ids       map[int64]struct{}
	expiresAt time.Time
}

// HistoryService owns the in-memory history projection. Records are keyed by
// id and keep their pointer identity across refreshes and image hydration;
// fields are only written while holding mu.
type HistoryService struct {
	store      ports.HistoryStore
	listCache  *cache.Cache
	listTTL    time.Duration
	confirmTTL time.Duration
	observer   HistoryObserver
	now        func() time.Time
	images     singleflight.Group

	mu         sync.RWMutex
	records    map[int64]*domain.HistoryRecord
	listGen    uint64
	tombstones map[int64]tombstone

	confirmMu     sync.Mutex
	confirmations map[string]pendingDelete
}

func NewHistoryService(store ports.HistoryStore, opts HistoryOptions) *HistoryService {
	if opts.ConfirmTTL <= 0 {
		opts.ConfirmTTL = 2 * time.Minute
	}
	if opts.Observer == nil {
		opts.Observer = noopHistoryObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &HistoryService{
		store:         store,
		listTTL:       opts.ListTTL,
		confirmTTL:    opts.ConfirmTTL,
		observer:      opts.Observer,
		now:           opts.Now,
		records:       make(map[int64]*domain.HistoryRecord),
		tombstones:    make(map[int64]tombstone),
		confirmations: make(map[string]pendingDelete),
	}
	if opts.ListTTL > 0 {
		s.listCache = cache.New(opts.ListTTL, 2*opts.ListTTL)
	}
	return s
}

// List refreshes the projection from the store (or the summary cache) and
// returns it newest first. Image payloads are never expected here.
func (s *HistoryService) List(ctx context.Context) ([]*domain.HistoryRecord, error) {
	summaries, gen, err := s.loadSummaries(ctx)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return s.reconcile(summaries, gen), nil
}

// Snapshot returns a detached copy of the record taken under the lock.
func (s *HistoryService) Snapshot(id int64) (domain.HistoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.HistoryRecord{}, false
	}
	return rec.Clone(), true
}

// Get returns a record snapshot, reloading the list once when id is unknown.
func (s *HistoryService) Get(ctx context.Context, id int64) (domain.HistoryRecord, error) {
	if rec, ok := s.Snapshot(id); ok {
		return rec, nil
	}
	if _, err := s.List(ctx); err != nil {
		return domain.HistoryRecord{}, err
	}
	if rec, ok := s.Snapshot(id); ok {
		return rec, nil
	}
	return domain.HistoryRecord{}, domain.WrapError(domain.ErrNotFound, "get history record", fmt.Errorf("id=%d", id))
}

// FetchImage hydrates the record's image payload. Already hydrated records are
// served from memory and concurrent calls for one id share a single request.
func (s *HistoryService) FetchImage(ctx context.Context, id int64) (string, error) {
	s.mu.RLock()
	if rec, ok := s.records[id]; ok && rec.ImageData != "" {
		data := rec.ImageData
		s.mu.RUnlock()
		s.observer.ObserveImageHydration("cached")
		return data, nil
	}
	s.mu.RUnlock()

	// The flight outlives any single caller; each caller still stops
	// waiting when its own ctx is done.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.images.DoChan(strconv.FormatInt(id, 10), func() (any, error) {
		data, err := s.store.FetchImage(flightCtx, id)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(data) == "" {
			return "", domain.WrapError(domain.ErrNoImageAvailable, "fetch image", fmt.Errorf("record %d has no image payload", id))
		}
		s.merge(id, func(rec *domain.HistoryRecord) {
			if rec.ImageData == "" {
				rec.ImageData = data
			}
		})
		return data, nil
	})

	var v any
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case res := <-ch:
		v, err = res.Val, res.Err
	}
	if err != nil {
		outcome := "error"
		if domain.IsKind(err, domain.ErrNoImageAvailable) {
			outcome = "missing"
		}
		s.observer.ObserveImageHydration(outcome)
		return "", fmt.Errorf("fetch image for record %d: %w", id, err)
	}
	s.observer.ObserveImageHydration("fetched")
	return v.(string), nil
}

// ConfirmDelete issues the single-use token a delete of exactly ids requires.
func (s *HistoryService) ConfirmDelete(ids ...int64) (domain.DeleteConfirmation, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return domain.DeleteConfirmation{}, domain.WrapError(domain.ErrInvalidInput, "confirm delete", errors.New("no record ids given"))
	}

	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	token := uuid.NewString()
	expiresAt := s.now().Add(s.confirmTTL)

	s.confirmMu.Lock()
	s.pruneConfirmationsLocked()
	s.confirmations[token] = pendingDelete{ids: set, expiresAt: expiresAt}
	s.confirmMu.Unlock()

	return domain.DeleteConfirmation{Token: token, IDs: ids, ExpiresAt: expiresAt}, nil
}

// DeleteOne removes a single record. On failure the projection is untouched.
func (s *HistoryService) DeleteOne(ctx context.Context, token string, id int64) error {
	if err := s.consumeConfirmation(token, []int64{id}); err != nil {
		return err
	}

	if err := s.store.DeleteHistory(ctx, id); err != nil {
		slog.Warn("history_delete_failed", "id", id, "error", err)
		s.observer.ObserveDelete("error", 1)
		return fmt.Errorf("delete history record %d: %w", id, err)
	}

	s.remove([]int64{id})
	s.observer.ObserveDelete("success", 1)
	slog.Info("history_deleted", "id", id)
	return nil
}

// DeleteMany issues every delete concurrently and waits for all of them. Only
// confirmed successes leave the projection; a *domain.PartialDeleteError is
// returned alongside the result when any delete failed.
func (s *HistoryService) DeleteMany(ctx context.Context, token string, ids []int64) (domain.BatchDeleteResult, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return domain.BatchDeleteResult{}, domain.WrapError(domain.ErrInvalidInput, "delete many", errors.New("no record ids given"))
	}
	if err := s.consumeConfirmation(token, ids); err != nil {
		return domain.BatchDeleteResult{}, err
	}

	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.store.DeleteHistory(ctx, id)
		}()
	}
	wg.Wait()

	var result domain.BatchDeleteResult
	for i, id := range ids {
		if errs[i] != nil {
			result.Failed = append(result.Failed, domain.DeleteFailure{ID: id, Err: errs[i]})
			continue
		}
		result.Succeeded = append(result.Succeeded, id)
	}

	if len(result.Succeeded) > 0 {
		s.remove(result.Succeeded)
		s.observer.ObserveDelete("success", len(result.Succeeded))
	}
	if result.Partial() {
		s.observer.ObserveDelete("error", len(result.Failed))
		slog.Warn("history_batch_delete_partial",
			"succeeded", result.Succeeded,
			"failed", result.FailedIDs(),
		)
		return result, &domain.PartialDeleteError{Result: result}
	}
	slog.Info("history_batch_deleted", "count", len(result.Succeeded))
	return result, nil
}

// InvalidateList drops cached summaries so the next List hits the store. A
// list request already in flight will not repopulate the cache.
func (s *HistoryService) InvalidateList() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listGen++
	if s.listCache != nil {
		s.listCache.Delete(historyListCacheKey)
	}
}

// loadSummaries returns the summaries with the list generation they were
// read at.
func (s *HistoryService) loadSummaries(ctx context.Context) ([]domain.HistoryRecord, uint64, error) {
	s.mu.RLock()
	gen := s.listGen
	s.mu.RUnlock()

	if s.listCache != nil {
		if cached, ok := s.listCache.Get(historyListCacheKey); ok {
			return cached.([]domain.HistoryRecord), gen, nil
		}
	}

	summaries, err := s.store.ListHistory(ctx)
	if err != nil {
		return nil, 0, err
	}
	if s.listCache != nil {
		s.mu.Lock()
		if s.listGen == gen {
			s.listCache.Set(historyListCacheKey, summaries, s.listTTL)
		}
		s.mu.Unlock()
	}
	return summaries, gen, nil
}

func (s *HistoryService) reconcile(summaries []domain.HistoryRecord, gen uint64) []*domain.HistoryRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneTombstonesLocked()

	seen := make(map[int64]struct{}, len(summaries))
	out := make([]*domain.HistoryRecord, 0, len(summaries))
	for _, summary := range summaries {
		if _, dup := seen[summary.ID]; dup {
			continue
		}
		if t, ok := s.tombstones[summary.ID]; ok && t.gen > gen {
			continue
		}
		seen[summary.ID] = struct{}{}

		fresh := summary.Clone()
		rec, ok := s.records[summary.ID]
		if !ok {
			rec = &fresh
			s.records[summary.ID] = rec
		} else {
			image := rec.ImageData
			*rec = fresh
			if rec.ImageData == "" {
				rec.ImageData = image
			}
		}
		out = append(out, rec)
	}

	for id := range s.records {
		if _, ok := seen[id]; !ok {
			delete(s.records, id)
		}
	}
	return domain.SortRecords(out, domain.DefaultSort)
}

func (s *HistoryService) merge(id int64, patch func(*domain.HistoryRecord)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return false
	}
	patch(rec)
	return true
}

func (s *HistoryService) remove(ids []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listGen++
	if s.listCache != nil {
		s.listCache.Delete(historyListCacheKey)
	}
	now := s.now()
	for _, id := range ids {
		delete(s.records, id)
		s.tombstones[id] = tombstone{gen: s.listGen, deletedAt: now}
	}
}

func (s *HistoryService) pruneTombstonesLocked() {
	now := s.now()
	for id, t := range s.tombstones {
		if now.Sub(t.deletedAt) > tombstoneTTL {
			delete(s.tombstones, id)
		}
	}
}

func (s *HistoryService) consumeConfirmation(token string, ids []int64) error {
	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()

	token = strings.TrimSpace(token)
	pending, ok := s.confirmations[token]
	if !ok {
		return domain.WrapError(domain.ErrConfirmationRequired, "delete history", errors.New("unknown or already used confirmation token"))
	}
	delete(s.confirmations, token)

	if s.now().After(pending.expiresAt) {
		return domain.WrapError(domain.ErrConfirmationRequired, "delete history", errors.New("confirmation expired"))
	}
	if len(ids) != len(pending.ids) {
		return domain.WrapError(domain.ErrConfirmationRequired, "delete history", fmt.Errorf("confirmation covers %d records, got %d", len(pending.ids), len(ids)))
	}
	for _, id := range ids {
		if _, ok := pending.ids[id]; !ok {
			return domain.WrapError(domain.ErrConfirmationRequired, "delete history", fmt.Errorf("record %d was not confirmed", id))
		}
	}
	return nil
}

func (s *HistoryService) pruneConfirmationsLocked() {
	now := s.now()
	for token, pending := range s.confirmations {
		if now.After(pending.expiresAt) {
			delete(s.confirmations, token)
		}
	}
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
