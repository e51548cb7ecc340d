package leafapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "leaf api status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("leaf api %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("leaf api %s status: %s: %s", e.Operation, e.Status, strings.TrimSpace(e.Body))
}

// countsAgainstBreaker keeps caller mistakes and cancellations out of the
// breaker statistics.
func countsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError || statusErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// classify attaches the domain kind callers branch on.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrInvalidResponseShape) ||
		domain.IsKind(err, domain.ErrNoImageAvailable) ||
		domain.IsKind(err, domain.ErrTransport) ||
		domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusNotFound:
			return domain.WrapError(domain.ErrNotFound, operation, err)
		case statusErr.StatusCode == http.StatusBadRequest,
			statusErr.StatusCode == http.StatusUnprocessableEntity,
			statusErr.StatusCode == http.StatusRequestEntityTooLarge:
			return domain.WrapError(domain.ErrInvalidInput, operation, err)
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode == http.StatusServiceUnavailable:
			return domain.WrapError(domain.ErrTemporary, operation, domain.WrapError(domain.ErrTransport, operation, err))
		default:
			return domain.WrapError(domain.ErrTransport, operation, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTransport, operation, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return domain.WrapError(domain.ErrTransport, operation, err)
}
