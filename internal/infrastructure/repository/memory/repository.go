package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

// Repository keeps jobs in process memory. It is meant for local runs and
// tests; state is lost on restart.
type Repository struct {
	mu     sync.Mutex
	jobs   map[string]domain.Transcription
	events map[string][]domain.StatusEvent
	nextID int64
	now    func() time.Time
}

func New() *Repository {
	return &Repository{
		jobs:   make(map[string]domain.Transcription),
		events: make(map[string][]domain.StatusEvent),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Repository) Create(_ context.Context, job *domain.Transcription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return fmt.Errorf("insert transcription: duplicate id %s", job.ID)
	}
	r.jobs[job.ID] = cloneJob(*job)
	return nil
}

func (r *Repository) GetByID(_ context.Context, id string) (*domain.Transcription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, notFound("get transcription", id)
	}
	out := cloneJob(job)
	return &out, nil
}

func (r *Repository) ListByOwner(_ context.Context, ownerID string, filter domain.ListFilter) ([]domain.Transcription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Transcription, 0)
	for _, job := range r.jobs {
		if job.OwnerID != ownerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	offset := max(filter.Offset, 0)
	if offset >= len(out) {
		return []domain.Transcription{}, nil
	}
	out = out[offset:]
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) SetAudioReference(_ context.Context, id, key, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return notFound("set audio reference", id)
	}
	job.AudioKey = key
	job.AudioURL = url
	job.UpdatedAt = r.now()
	r.jobs[id] = job
	return nil
}

func (r *Repository) Transition(_ context.Context, id string, tr domain.Transition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return false, notFound("transition transcription", id)
	}
	from := job.Status
	if !domain.CanTransition(from, tr.To) {
		return false, nil
	}

	now := r.now()
	job.Status = tr.To
	job.Error = ""
	if tr.To == domain.StatusFailed {
		job.Error = tr.Error
	}
	if tr.RawText != nil {
		job.RawText = *tr.RawText
	}
	if tr.FormattedText != nil {
		job.FormattedText = *tr.FormattedText
	}
	if job.AudioURL == "" {
		job.AudioURL = tr.AudioURL
	}
	if len(tr.Metadata) > 0 {
		if job.Metadata == nil {
			job.Metadata = make(map[string]any, len(tr.Metadata))
		}
		maps.Copy(job.Metadata, tr.Metadata)
	}
	if tr.Processed {
		job.ProcessedAt = &now
	}
	job.UpdatedAt = now
	r.jobs[id] = job

	r.nextID++
	r.events[id] = append(r.events[id], domain.StatusEvent{
		ID:              r.nextID,
		TranscriptionID: id,
		FromStatus:      from,
		ToStatus:        tr.To,
		Reason:          tr.Reason,
		Meta:            maps.Clone(tr.Metadata),
		At:              now,
	})
	return true, nil
}

func (r *Repository) SaveFinalText(_ context.Context, id, finalText string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return notFound("save final text", id)
	}
	now := r.now()
	job.FinalText = finalText
	job.ReviewedAt = &now
	job.UpdatedAt = now
	r.jobs[id] = job
	return nil
}

func (r *Repository) SaveFormattedText(_ context.Context, id, formatted string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return notFound("save formatted text", id)
	}
	job.FormattedText = formatted
	job.UpdatedAt = r.now()
	r.jobs[id] = job
	return nil
}

func (r *Repository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return notFound("delete transcription", id)
	}
	delete(r.jobs, id)
	delete(r.events, id)
	return nil
}

func (r *Repository) ListEvents(_ context.Context, id string) ([]domain.StatusEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events[id]
	out := make([]domain.StatusEvent, len(events))
	copy(out, events)
	return out, nil
}

func cloneJob(job domain.Transcription) domain.Transcription {
	job.Metadata = maps.Clone(job.Metadata)
	if job.ProcessedAt != nil {
		at := *job.ProcessedAt
		job.ProcessedAt = &at
	}
	if job.ReviewedAt != nil {
		at := *job.ReviewedAt
		job.ReviewedAt = &at
	}
	return job
}

func notFound(operation, id string) error {
	return domain.WrapError(domain.ErrJobNotFound, operation, fmt.Errorf("id=%s", id))
}
