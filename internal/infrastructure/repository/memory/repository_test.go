package memory

import (
	"context"
	"testing"
	"time"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

func seed(t *testing.T, repo *Repository, id, owner string, created time.Time) {
	t.Helper()
	err := repo.Create(context.Background(), &domain.Transcription{
		ID:        id,
		OwnerID:   owner,
		Status:    domain.StatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
}

func TestTransitionFollowsStateMachine(t *testing.T) {
	repo := New()
	ctx := context.Background()
	seed(t, repo, "job-1", "owner-1", time.Now())

	text := "Patient presents with..."
	applied, err := repo.Transition(ctx, "job-1", domain.Transition{To: domain.StatusCompleted, RawText: &text, Processed: true, Reason: "callback"})
	if err != nil || !applied {
		t.Fatalf("Transition() = %v, %v", applied, err)
	}

	// A late hand-off result must not overwrite the callback.
	applied, err = repo.Transition(ctx, "job-1", domain.Transition{To: domain.StatusProcessing, Reason: "handoff"})
	if err != nil || applied {
		t.Fatalf("expected no-op, got %v, %v", applied, err)
	}

	job, err := repo.GetByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if job.Status != domain.StatusCompleted || job.RawText != text || job.ProcessedAt == nil {
		t.Fatalf("unexpected job %+v", job)
	}

	events, _ := repo.ListEvents(ctx, "job-1")
	if len(events) != 1 || events[0].FromStatus != domain.StatusPending || events[0].Reason != "callback" {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestTransitionMergesMetadataAndKeepsAudioURL(t *testing.T) {
	repo := New()
	ctx := context.Background()
	seed(t, repo, "job-1", "owner-1", time.Now())
	if err := repo.SetAudioReference(ctx, "job-1", "audio/k.wav", "https://s/k.wav"); err != nil {
		t.Fatalf("SetAudioReference() error = %v", err)
	}

	_, _ = repo.Transition(ctx, "job-1", domain.Transition{To: domain.StatusProcessing, Metadata: map[string]any{"workflow_status": 200}})
	_, _ = repo.Transition(ctx, "job-1", domain.Transition{
		To:       domain.StatusFailed,
		Error:    "external workflow timed out after 45s",
		AudioURL: "https://other/k.wav",
		Metadata: map[string]any{"step": "handoff"},
	})

	job, _ := repo.GetByID(ctx, "job-1")
	if job.AudioURL != "https://s/k.wav" {
		t.Fatalf("audio url must be immutable once set, got %q", job.AudioURL)
	}
	if job.Metadata["workflow_status"] != 200 || job.Metadata["step"] != "handoff" {
		t.Fatalf("unexpected metadata %v", job.Metadata)
	}
	if job.Error == "" {
		t.Fatalf("expected error on failed job")
	}

	text := "late transcript"
	applied, _ := repo.Transition(ctx, "job-1", domain.Transition{To: domain.StatusCompleted, RawText: &text})
	job, _ = repo.GetByID(ctx, "job-1")
	if !applied || job.Error != "" || job.Status != domain.StatusCompleted {
		t.Fatalf("late callback should recover failed job, got %+v", job)
	}
}

func TestGetByIDReturnsCopy(t *testing.T) {
	repo := New()
	ctx := context.Background()
	seed(t, repo, "job-1", "owner-1", time.Now())
	_, _ = repo.Transition(ctx, "job-1", domain.Transition{To: domain.StatusProcessing, Metadata: map[string]any{"a": 1}})

	job, _ := repo.GetByID(ctx, "job-1")
	job.Metadata["a"] = 2
	again, _ := repo.GetByID(ctx, "job-1")
	if again.Metadata["a"] != 1 {
		t.Fatalf("stored metadata mutated through returned copy")
	}
}

func TestListByOwnerFiltersAndPages(t *testing.T) {
	repo := New()
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	seed(t, repo, "a", "owner-1", base)
	seed(t, repo, "b", "owner-1", base.Add(time.Hour))
	seed(t, repo, "c", "owner-2", base.Add(2*time.Hour))
	seed(t, repo, "d", "owner-1", base.Add(3*time.Hour))
	_, _ = repo.Transition(ctx, "d", domain.Transition{To: domain.StatusProcessing})

	all, _ := repo.ListByOwner(ctx, "owner-1", domain.ListFilter{})
	if len(all) != 3 || all[0].ID != "d" || all[2].ID != "a" {
		t.Fatalf("unexpected order %+v", all)
	}

	pending, _ := repo.ListByOwner(ctx, "owner-1", domain.ListFilter{Status: domain.StatusPending})
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	page, _ := repo.ListByOwner(ctx, "owner-1", domain.ListFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "b" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestMissingJobOperations(t *testing.T) {
	repo := New()
	ctx := context.Background()
	if _, err := repo.GetByID(ctx, "missing"); !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("GetByID: expected not found, got %v", err)
	}
	if _, err := repo.Transition(ctx, "missing", domain.Transition{To: domain.StatusCompleted}); !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("Transition: expected not found, got %v", err)
	}
	if err := repo.Delete(ctx, "missing"); !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("Delete: expected not found, got %v", err)
	}
	if len(repo.jobs) != 0 {
		t.Fatalf("store must stay empty")
	}
}
