package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

var errUnavailable = errors.New("workflow unavailable")

func retryUnavailable(err error) ErrorClassification {
	return ErrorClassification{Retryable: errors.Is(err, errUnavailable), RecordFailure: true}
}

func fastRetries(attempts int) Config {
	return Config{
		RetryMaxAttempts:    attempts,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2,
	}
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	exec := NewExecutor(fastRetries(3))

	calls := 0
	err := exec.Execute(context.Background(), "workflow.trigger", func(context.Context) error {
		calls++
		if calls < 3 {
			return errUnavailable
		}
		return nil
	}, retryUnavailable)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestExecuteStopsOnPermanentError(t *testing.T) {
	exec := NewExecutor(fastRetries(3))

	rejected := errors.New("400 bad audio url")
	calls := 0
	err := exec.Execute(context.Background(), "workflow.trigger", func(context.Context) error {
		calls++
		return rejected
	}, retryUnavailable)
	if !errors.Is(err, rejected) || calls != 1 {
		t.Fatalf("expected one call returning the rejection, got calls=%d err=%v", calls, err)
	}
}

func TestExecuteReturnsLastErrorWhenAttemptsRunOut(t *testing.T) {
	exec := NewExecutor(fastRetries(2))

	calls := 0
	err := exec.Execute(context.Background(), "workflow.trigger", func(context.Context) error {
		calls++
		return errUnavailable
	}, retryUnavailable)
	if !errors.Is(err, errUnavailable) || calls != 2 {
		t.Fatalf("expected 2 calls ending in unavailable, got calls=%d err=%v", calls, err)
	}
}

func TestExecuteSkipsRetryThatWouldOutliveDeadline(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    5,
		RetryInitialBackoff: time.Second,
		RetryMaxBackoff:     time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	calls := 0
	started := time.Now()
	err := exec.Execute(ctx, "workflow.trigger", func(context.Context) error {
		calls++
		return errUnavailable
	}, retryUnavailable)
	if !errors.Is(err, errUnavailable) {
		t.Fatalf("expected the attempt error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected no retry past the deadline, got %d calls", calls)
	}
	if elapsed := time.Since(started); elapsed > 50*time.Millisecond {
		t.Fatalf("expected an immediate return, took %s", elapsed)
	}
}

func TestExecuteDoesNotCallWhenContextDone(t *testing.T) {
	exec := NewExecutor(fastRetries(3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := exec.Execute(ctx, "nats.publish", func(context.Context) error {
		t.Fatalf("operation must not run on a cancelled context")
		return nil
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBreakerOpensAndReportsState(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:        1,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	})
	if got := exec.BreakerState("workflow.trigger"); got != "closed" {
		t.Fatalf("expected closed before first call, got %q", got)
	}

	for i := 0; i < 2; i++ {
		err := exec.Execute(context.Background(), "workflow.trigger", func(context.Context) error {
			return errUnavailable
		}, retryUnavailable)
		if !errors.Is(err, errUnavailable) {
			t.Fatalf("call %d: expected unavailable, got %v", i, err)
		}
	}

	err := exec.Execute(context.Background(), "workflow.trigger", func(context.Context) error {
		t.Fatalf("open breaker must not call the workflow")
		return nil
	}, retryUnavailable)
	if !errors.Is(err, gobreaker.ErrOpenState) || !IsCircuitOpen(err) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if got := exec.BreakerState("workflow.trigger"); got != "open" {
		t.Fatalf("expected open, got %q", got)
	}
	if got := exec.BreakerState("nats.publish"); got != "closed" {
		t.Fatalf("breakers are per operation, got %q", got)
	}
}

func TestBreakerIgnoresUnrecordedFailures(t *testing.T) {
	exec := NewExecutor(Config{
		RetryMaxAttempts:    1,
		BreakerEnabled:      true,
		BreakerMinRequests:  1,
		BreakerFailureRatio: 0.1,
		BreakerOpenTimeout:  time.Minute,
	})
	callerFault := func(error) ErrorClassification { return ErrorClassification{} }

	for i := 0; i < 3; i++ {
		_ = exec.Execute(context.Background(), "workflow.trigger", func(context.Context) error {
			return errors.New("400 bad request")
		}, callerFault)
	}
	if got := exec.BreakerState("workflow.trigger"); got != "closed" {
		t.Fatalf("caller-side errors must not trip the breaker, got %q", got)
	}
}

func TestNormalizeFillsDefaultsAndClampsJitter(t *testing.T) {
	cfg := Config{RetryInitialBackoff: 5 * time.Second, RetryMaxBackoff: time.Second, RetryJitter: 3}.normalize()
	def := DefaultConfig()

	if cfg.RetryMaxAttempts != def.RetryMaxAttempts || cfg.BreakerMinRequests != def.BreakerMinRequests {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	if cfg.RetryMaxBackoff != 5*time.Second {
		t.Fatalf("max backoff must not be below the initial one, got %s", cfg.RetryMaxBackoff)
	}
	if cfg.RetryJitter != 1 {
		t.Fatalf("expected jitter clamped to 1, got %v", cfg.RetryJitter)
	}
}

func TestJitterStaysWithinSpread(t *testing.T) {
	exec := NewExecutor(Config{RetryJitter: 0.25})
	for i := 0; i < 100; i++ {
		got := exec.jittered(time.Second)
		if got < 750*time.Millisecond || got > 1250*time.Millisecond {
			t.Fatalf("jittered wait %s outside 25%% spread", got)
		}
	}
}
