package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrNotFound             = errors.New("not found")
	ErrTemporary            = errors.New("temporary failure")
	ErrTransport            = errors.New("transport error")
	ErrInvalidResponseShape = errors.New("invalid response shape")
	ErrNoImageAvailable     = errors.New("no image available")
	ErrPartialBatchDelete   = errors.New("partial batch delete failure")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrSuperseded           = errors.New("submission superseded")

	// ErrPerItemClassification marks a batch row the service could not classify.
	// It never fails the batch itself.
	ErrPerItemClassification = errors.New("per-item classification error")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// DeleteFailure is the outcome of one rejected delete inside a batch.
type DeleteFailure struct {
	ID  int64
	Err error
}

// BatchDeleteResult keeps every per-id outcome of a batch delete.
type BatchDeleteResult struct {
	Succeeded []int64
	Failed    []DeleteFailure
}

func (r BatchDeleteResult) FailedIDs() []int64 {
	ids := make([]int64, 0, len(r.Failed))
	for _, f := range r.Failed {
		ids = append(ids, f.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r BatchDeleteResult) Partial() bool {
	return len(r.Failed) > 0
}

// PartialDeleteError reports which ids of a batch delete were not removed.
type PartialDeleteError struct {
	Result BatchDeleteResult
}

func (e *PartialDeleteError) Error() string {
	if e == nil {
		return ErrPartialBatchDelete.Error()
	}
	parts := make([]string, 0, len(e.Result.Failed))
	for _, f := range e.Result.Failed {
		parts = append(parts, fmt.Sprintf("id=%d: %v", f.ID, f.Err))
	}
	return fmt.Sprintf("%s: %d succeeded, %d failed (%s)",
		ErrPartialBatchDelete.Error(),
		len(e.Result.Succeeded),
		len(e.Result.Failed),
		strings.Join(parts, "; "),
	)
}

func (e *PartialDeleteError) Is(target error) bool {
	return target == ErrPartialBatchDelete
}
