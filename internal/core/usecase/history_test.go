package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

type historyStoreFake struct {
	mu         sync.Mutex
	records    []domain.HistoryRecord
	images     map[int64]string
	failDelete map[int64]error
	imageErr   error
	listCalls  int
	imageCalls int
	deleted    []int64

	// When set, the next call announces itself on *Entered and blocks
	// until *Release is closed.
	listEntered  chan struct{}
	listRelease  chan struct{}
	imageEntered chan struct{}
	imageRelease chan struct{}
}

func newHistoryStoreFake(ids ...int64) *historyStoreFake {
	f := &historyStoreFake{
		images:     make(map[int64]string),
		failDelete: make(map[int64]error),
	}
	base := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range ids {
		f.records = append(f.records, domain.HistoryRecord{
			ID:         id,
			FileName:   fmt.Sprintf("leaf_%d.jpg", id),
			LabelName:  domain.LabelNitrogen,
			Confidence: 0.9,
			Threshold:  0.8,
			Probs:      []float64{0.9, 0.05, 0.05},
			ModelKey:   "xception",
			CreatedAt:  domain.Timestamp{Time: base.Add(time.Duration(i) * time.Hour)},
		})
	}
	return f
}

func (f *historyStoreFake) ListHistory(context.Context) ([]domain.HistoryRecord, error) {
	f.mu.Lock()
	f.listCalls++
	out := make([]domain.HistoryRecord, len(f.records))
	copy(out, f.records)
	entered, release := f.listEntered, f.listRelease
	f.listEntered, f.listRelease = nil, nil
	f.mu.Unlock()

	if release != nil {
		close(entered)
		<-release
	}
	return out, nil
}

func (f *historyStoreFake) FetchImage(ctx context.Context, id int64) (string, error) {
	f.mu.Lock()
	f.imageCalls++
	entered, release := f.imageEntered, f.imageRelease
	f.imageEntered, f.imageRelease = nil, nil
	f.mu.Unlock()

	if release != nil {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imageErr != nil {
		return "", f.imageErr
	}
	return f.images[id], nil
}

func (f *historyStoreFake) DeleteHistory(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failDelete[id]; err != nil {
		return err
	}
	f.deleted = append(f.deleted, id)
	kept := f.records[:0]
	for _, rec := range f.records {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	f.records = kept
	return nil
}

// projection returns the current records without contacting the store.
func (s *HistoryService) projection() []*domain.HistoryRecord {
	s.mu.RLock()
	out := make([]*domain.HistoryRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	return domain.SortRecords(out, domain.DefaultSort)
}

// lookup returns the stable record pointer for id.
func (s *HistoryService) lookup(id int64) (*domain.HistoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

type historyObserverFake struct {
	mu        sync.Mutex
	hydration map[string]int
	deletes   map[string]int
}

func newHistoryObserverFake() *historyObserverFake {
	return &historyObserverFake{hydration: map[string]int{}, deletes: map[string]int{}}
}

func (o *historyObserverFake) ObserveImageHydration(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hydration[outcome]++
}

func (o *historyObserverFake) ObserveDelete(outcome string, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deletes[outcome] += count
}

func TestHistoryDeleteManyPartialFailureKeepsFailedRecord(t *testing.T) {
	store := newHistoryStoreFake(1, 2, 3)
	store.failDelete[2] = errors.New("store rejected delete")
	observer := newHistoryObserverFake()
	svc := NewHistoryService(store, HistoryOptions{Observer: observer})

	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	confirmation, err := svc.ConfirmDelete(3, 1, 2)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	result, err := svc.DeleteMany(context.Background(), confirmation.Token, []int64{1, 2, 3})
	if !domain.IsKind(err, domain.ErrPartialBatchDelete) {
		t.Fatalf("expected partial batch delete error, got %v", err)
	}
	var partial *domain.PartialDeleteError
	if !errors.As(err, &partial) {
		t.Fatalf("expected *PartialDeleteError, got %T", err)
	}

	if fmt.Sprint(result.Succeeded) != "[1 3]" {
		t.Fatalf("expected succeeded [1 3], got %v", result.Succeeded)
	}
	if fmt.Sprint(result.FailedIDs()) != "[2]" {
		t.Fatalf("expected failed [2], got %v", result.FailedIDs())
	}
	if fmt.Sprint(partial.Result.FailedIDs()) != "[2]" {
		t.Fatalf("error must carry failed ids, got %v", partial.Result.FailedIDs())
	}

	if _, ok := svc.lookup(2); !ok {
		t.Fatalf("record 2 must remain visible after its delete failed")
	}
	for _, id := range []int64{1, 3} {
		if _, ok := svc.lookup(id); ok {
			t.Fatalf("record %d must be removed", id)
		}
	}
	if len(svc.projection()) != 1 {
		t.Fatalf("expected one remaining record, got %d", len(svc.projection()))
	}
	if observer.deletes["success"] != 2 || observer.deletes["error"] != 1 {
		t.Fatalf("unexpected delete observations: %+v", observer.deletes)
	}
}

func TestHistoryDeleteManyAllSucceed(t *testing.T) {
	store := newHistoryStoreFake(1, 2)
	svc := NewHistoryService(store, HistoryOptions{})
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	confirmation, err := svc.ConfirmDelete(1, 2)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}

	result, err := svc.DeleteMany(context.Background(), confirmation.Token, []int64{2, 1, 2})
	if err != nil {
		t.Fatalf("delete many: %v", err)
	}
	if result.Partial() || len(result.Succeeded) != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(svc.projection()) != 0 {
		t.Fatalf("expected empty projection")
	}
}

func TestHistoryFetchImageConcurrentKeepsSingleRecord(t *testing.T) {
	store := newHistoryStoreFake(5)
	store.images[5] = "aGVsbG8="
	observer := newHistoryObserverFake()
	svc := NewHistoryService(store, HistoryOptions{Observer: observer})
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	selected, ok := svc.lookup(5)
	if !ok {
		t.Fatalf("record 5 missing")
	}

	var wg sync.WaitGroup
	payloads := make([]string, 2)
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			payloads[i], errs[i] = svc.FetchImage(context.Background(), 5)
		}()
	}
	wg.Wait()

	for i := range 2 {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if payloads[i] != "aGVsbG8=" {
			t.Fatalf("fetch %d returned %q", i, payloads[i])
		}
	}
	after, _ := svc.lookup(5)
	if after != selected {
		t.Fatalf("record identity changed across hydration")
	}
	snap, _ := svc.Snapshot(5)
	if snap.ImageData != "aGVsbG8=" {
		t.Fatalf("expected hydrated image, got %q", snap.ImageData)
	}
	if len(svc.projection()) != 1 {
		t.Fatalf("hydration must not duplicate records")
	}

	if _, err := svc.FetchImage(context.Background(), 5); err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	store.mu.Lock()
	calls := store.imageCalls
	store.mu.Unlock()
	if calls < 1 || calls > 2 {
		t.Fatalf("expected one or two store calls, got %d", calls)
	}
	if observer.hydration["cached"] < 1 {
		t.Fatalf("third fetch must be served from memory: %+v", observer.hydration)
	}
}

func TestHistoryRefreshPreservesIdentityAndImage(t *testing.T) {
	store := newHistoryStoreFake(7)
	store.images[7] = "aGVsbG8="
	svc := NewHistoryService(store, HistoryOptions{})
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	before, _ := svc.lookup(7)
	if _, err := svc.FetchImage(context.Background(), 7); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	store.mu.Lock()
	store.records[0].Advice = "apply urea"
	store.mu.Unlock()

	records, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if len(records) != 1 || records[0] != before {
		t.Fatalf("refresh must reuse the existing record pointer")
	}
	snap, _ := svc.Snapshot(7)
	if snap.Advice != "apply urea" || snap.ImageData == "" {
		t.Fatalf("expected refreshed summary with retained image, got %+v", snap)
	}
}

func TestHistoryFetchImageWithoutPayload(t *testing.T) {
	store := newHistoryStoreFake(4)
	observer := newHistoryObserverFake()
	svc := NewHistoryService(store, HistoryOptions{Observer: observer})
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}

	_, err := svc.FetchImage(context.Background(), 4)
	if !domain.IsKind(err, domain.ErrNoImageAvailable) {
		t.Fatalf("expected no image available, got %v", err)
	}
	if domain.IsKind(err, domain.ErrTransport) {
		t.Fatalf("missing image must not look like a transport failure")
	}
	if observer.hydration["missing"] != 1 {
		t.Fatalf("unexpected hydration observations: %+v", observer.hydration)
	}
}

func TestHistoryDeleteRequiresConfirmation(t *testing.T) {
	store := newHistoryStoreFake(1, 2)
	svc := NewHistoryService(store, HistoryOptions{})
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}

	if err := svc.DeleteOne(context.Background(), "", 1); !domain.IsKind(err, domain.ErrConfirmationRequired) {
		t.Fatalf("expected confirmation required, got %v", err)
	}

	confirmation, err := svc.ConfirmDelete(1)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := svc.DeleteOne(context.Background(), confirmation.Token, 2); !domain.IsKind(err, domain.ErrConfirmationRequired) {
		t.Fatalf("token for id 1 must not delete id 2, got %v", err)
	}
	if err := svc.DeleteOne(context.Background(), confirmation.Token, 1); !domain.IsKind(err, domain.ErrConfirmationRequired) {
		t.Fatalf("token must be single use, got %v", err)
	}
	if len(store.deleted) != 0 {
		t.Fatalf("store must not see unconfirmed deletes, got %v", store.deleted)
	}
}

func TestHistoryConfirmationExpires(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	store := newHistoryStoreFake(1)
	svc := NewHistoryService(store, HistoryOptions{
		ConfirmTTL: time.Minute,
		Now:        func() time.Time { return now },
	})

	confirmation, err := svc.ConfirmDelete(1)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	now = now.Add(2 * time.Minute)
	if err := svc.DeleteOne(context.Background(), confirmation.Token, 1); !domain.IsKind(err, domain.ErrConfirmationRequired) {
		t.Fatalf("expected expired confirmation, got %v", err)
	}
}

func TestHistoryDeleteOneFailureLeavesProjection(t *testing.T) {
	store := newHistoryStoreFake(1)
	store.failDelete[1] = errors.New("boom")
	svc := NewHistoryService(store, HistoryOptions{})
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	confirmation, _ := svc.ConfirmDelete(1)

	if err := svc.DeleteOne(context.Background(), confirmation.Token, 1); err == nil {
		t.Fatalf("expected delete error")
	}
	if _, ok := svc.lookup(1); !ok {
		t.Fatalf("failed delete must leave record in place")
	}
}

func TestHistoryListCacheInvalidatedByDelete(t *testing.T) {
	store := newHistoryStoreFake(1, 2)
	svc := NewHistoryService(store, HistoryOptions{ListTTL: time.Minute})

	for range 3 {
		if _, err := svc.List(context.Background()); err != nil {
			t.Fatalf("list: %v", err)
		}
	}
	if store.listCalls != 1 {
		t.Fatalf("expected cached list, store saw %d calls", store.listCalls)
	}

	confirmation, _ := svc.ConfirmDelete(1)
	if err := svc.DeleteOne(context.Background(), confirmation.Token, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	records, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if store.listCalls != 2 {
		t.Fatalf("delete must invalidate cached list, store saw %d calls", store.listCalls)
	}
	if len(records) != 1 || records[0].ID != 2 {
		t.Fatalf("unexpected records after delete: %+v", records)
	}
}

func TestHistoryGetReloadsUnknownID(t *testing.T) {
	store := newHistoryStoreFake(1)
	svc := NewHistoryService(store, HistoryOptions{})

	rec, err := svc.Get(context.Background(), 1)
	if err != nil || rec.ID != 1 {
		t.Fatalf("expected record 1, got %+v err=%v", rec, err)
	}
	if _, err := svc.Get(context.Background(), 99); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestHistoryListInFlightAcrossDeleteKeepsRecordDeleted(t *testing.T) {
	store := newHistoryStoreFake(1, 2)
	listEntered, listRelease := make(chan struct{}), make(chan struct{})
	store.listEntered, store.listRelease = listEntered, listRelease
	svc := NewHistoryService(store, HistoryOptions{ListTTL: time.Minute})

	type listResult struct {
		records []*domain.HistoryRecord
		err     error
	}
	done := make(chan listResult, 1)
	go func() {
		records, err := svc.List(context.Background())
		done <- listResult{records, err}
	}()
	<-listEntered

	confirmation, err := svc.ConfirmDelete(1)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := svc.DeleteOne(context.Background(), confirmation.Token, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	close(listRelease)

	stale := <-done
	if stale.err != nil {
		t.Fatalf("in-flight list: %v", stale.err)
	}
	for _, rec := range stale.records {
		if rec.ID == 1 {
			t.Fatalf("list started before the delete returned record 1")
		}
	}

	records, err := svc.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ID != 2 {
		t.Fatalf("expected only record 2, got %d records", len(records))
	}
	if _, ok := svc.lookup(1); ok {
		t.Fatalf("record 1 must stay out of the projection")
	}
	store.mu.Lock()
	calls := store.listCalls
	store.mu.Unlock()
	if calls != 2 {
		t.Fatalf("list read before the delete must not be cached, store calls=%d", calls)
	}
}

func TestHistoryFetchImageOutlivesFirstCaller(t *testing.T) {
	store := newHistoryStoreFake(5)
	store.images[5] = "aGVsbG8="
	svc := NewHistoryService(store, HistoryOptions{})
	if _, err := svc.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	imageEntered, imageRelease := make(chan struct{}), make(chan struct{})
	store.imageEntered, store.imageRelease = imageEntered, imageRelease

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.FetchImage(firstCtx, 5)
		firstErr <- err
	}()
	<-imageEntered
	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("first caller should stop on its own cancel, got %v", err)
	}

	type fetchResult struct {
		data string
		err  error
	}
	second := make(chan fetchResult, 1)
	go func() {
		data, err := svc.FetchImage(context.Background(), 5)
		second <- fetchResult{data, err}
	}()
	close(imageRelease)

	got := <-second
	if got.err != nil {
		t.Fatalf("second caller failed: %v", got.err)
	}
	if got.data != "aGVsbG8=" {
		t.Fatalf("unexpected payload %q", got.data)
	}
	store.mu.Lock()
	calls := store.imageCalls
	store.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected the shared request to finish once, store calls=%d", calls)
	}
}
