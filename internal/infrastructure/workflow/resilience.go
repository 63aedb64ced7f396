package workflow

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/infrastructure/resilience"
)

type HTTPStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "workflow status error"
	}
	if e.Body == "" {
		return fmt.Sprintf("workflow status: %s", e.Status)
	}
	return fmt.Sprintf("workflow status: %s: %s", e.Status, e.Body)
}

// classifyWorkflowError never retries on deadline: the hand-off budget is
// shared by every attempt.
func classifyWorkflowError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}

	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if isRetryableHTTPStatus(statusErr.StatusCode) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		// 4xx means the payload was rejected; the workflow itself is healthy.
		return resilience.ErrorClassification{
			Retryable:     false,
			RecordFailure: statusErr.StatusCode >= 500,
		}
	}

	// Only a refused dial is known not to have reached the workflow.
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func wrapWorkflowError(err error) error {
	if err == nil {
		return nil
	}
	if resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, TriggerOperation, err)
	}
	return domain.WrapError(domain.ErrExternal, TriggerOperation, err)
}

// isRetryableHTTPStatus admits replies that mean the run was not started.
// 502 and 504 may come back after the workflow already began, and a second
// trigger would transcribe the recording twice.
func isRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}
