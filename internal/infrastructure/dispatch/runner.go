package dispatch

import (
	"context"
	"sync"

	"github.com/kirillkom/medscribe/internal/core/domain"
	"github.com/kirillkom/medscribe/internal/core/ports"
)

// Runner executes hand-offs on goroutines owned by the API process. A
// continuation is lost if the process dies before it finishes; the queue
// dispatcher is the durable alternative.
type Runner struct {
	handoff ports.HandoffRunner
	wg      sync.WaitGroup
}

func NewRunner(handoff ports.HandoffRunner) *Runner {
	return &Runner{handoff: handoff}
}

// Dispatch starts the hand-off detached from ctx cancellation, so a client
// disconnect does not abort it.
func (r *Runner) Dispatch(ctx context.Context, job domain.Transcription) <-chan domain.HandoffOutcome {
	out := make(chan domain.HandoffOutcome, 1)
	background := context.WithoutCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		out <- r.handoff.Run(background, job)
	}()
	return out
}

// Wait blocks until running hand-offs finish or ctx expires.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
