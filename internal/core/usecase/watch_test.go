package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.WatchEvent
}

func (r *eventRecorder) emit(event domain.WatchEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *eventRecorder) types() []domain.WatchEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.WatchEventType, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Type)
	}
	return out
}

func TestWatchStreamsUntilCompleted(t *testing.T) {
	repo := newJobRepoFake()
	repo.put(processingJob("job-1"))
	watcher := NewStatusWatcher(repo, 5*time.Millisecond, time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		text := "Patient presents with..."
		_, _ = repo.Transition(context.Background(), "job-1", domain.Transition{To: domain.StatusCompleted, RawText: &text})
	}()

	recorder := &eventRecorder{}
	if err := watcher.Watch(context.Background(), "job-1", recorder.emit); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	got := recorder.types()
	want := []domain.WatchEventType{domain.WatchEventStatus, domain.WatchEventStatus, domain.WatchEventComplete}
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected events %v", got)
		}
	}
	final := recorder.events[2].Data.(domain.StatusSnapshot)
	if final.Text != "Patient presents with..." {
		t.Fatalf("complete frame must carry the transcript, got %+v", final)
	}
}

func TestWatchEmitsErrorForFailedJob(t *testing.T) {
	repo := newJobRepoFake()
	job := pendingJob("job-1")
	job.Status = domain.StatusFailed
	job.Error = "external workflow timed out after 45s"
	repo.put(job)

	recorder := &eventRecorder{}
	if err := NewStatusWatcher(repo, time.Millisecond, time.Second).Watch(context.Background(), "job-1", recorder.emit); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	got := recorder.types()
	if len(got) != 2 || got[1] != domain.WatchEventError {
		t.Fatalf("unexpected events %v", got)
	}
	if recorder.events[1].Data.(domain.StatusSnapshot).Error != job.Error {
		t.Fatalf("error frame must carry the failure detail")
	}
}

func TestWatchTimesOutWithinBudget(t *testing.T) {
	repo := newJobRepoFake()
	repo.put(processingJob("job-1"))
	watcher := NewStatusWatcher(repo, 5*time.Millisecond, 40*time.Millisecond)

	recorder := &eventRecorder{}
	started := time.Now()
	if err := watcher.Watch(context.Background(), "job-1", recorder.emit); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Fatalf("observer exceeded its budget: %s", elapsed)
	}

	got := recorder.types()
	if got[len(got)-1] != domain.WatchEventTimeout {
		t.Fatalf("expected timeout frame last, got %v", got)
	}
	last := recorder.events[len(recorder.events)-1].Data.(domain.StatusSnapshot)
	if last.Error != "status unknown: observer timed out" || last.Status != domain.StatusProcessing {
		t.Fatalf("unexpected timeout frame %+v", last)
	}
}

func TestWatchStopsWhenConsumerCancels(t *testing.T) {
	repo := newJobRepoFake()
	repo.put(processingJob("job-1"))
	watcher := NewStatusWatcher(repo, 5*time.Millisecond, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := watcher.Watch(ctx, "job-1", (&eventRecorder{}).emit)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestWatchUnknownJob(t *testing.T) {
	watcher := NewStatusWatcher(newJobRepoFake(), time.Millisecond, time.Second)
	err := watcher.Watch(context.Background(), "ghost", (&eventRecorder{}).emit)
	if !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestWatchReturnsEmitError(t *testing.T) {
	repo := newJobRepoFake()
	repo.put(processingJob("job-1"))
	broken := errors.New("client went away")

	err := NewStatusWatcher(repo, time.Millisecond, time.Second).Watch(context.Background(), "job-1", func(domain.WatchEvent) error {
		return broken
	})
	if !errors.Is(err, broken) {
		t.Fatalf("expected emit error, got %v", err)
	}
}
