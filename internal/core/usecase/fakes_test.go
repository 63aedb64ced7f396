package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"

	"github.com/kirillkom/medscribe/internal/core/domain"
)

type jobRepoFake struct {
	mu          sync.Mutex
	jobs        map[string]domain.Transcription
	events      []domain.StatusEvent
	createErr   error
	transitions int

	// failTransitions makes the next n Transition calls return transitionErr.
	failTransitions int
	transitionErr   error
}

func newJobRepoFake() *jobRepoFake {
	return &jobRepoFake{jobs: make(map[string]domain.Transcription)}
}

func (f *jobRepoFake) put(job domain.Transcription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
}

func (f *jobRepoFake) get(id string) (domain.Transcription, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	return job, ok
}

func (f *jobRepoFake) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *jobRepoFake) Create(_ context.Context, job *domain.Transcription) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.put(*job)
	return nil
}

func (f *jobRepoFake) GetByID(_ context.Context, id string) (*domain.Transcription, error) {
	job, ok := f.get(id)
	if !ok {
		return nil, domain.WrapError(domain.ErrJobNotFound, "get transcription", fmt.Errorf("id=%s", id))
	}
	job.Metadata = maps.Clone(job.Metadata)
	return &job, nil
}

func (f *jobRepoFake) ListByOwner(_ context.Context, ownerID string, filter domain.ListFilter) ([]domain.Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Transcription, 0)
	for _, job := range f.jobs {
		if job.OwnerID == ownerID && (filter.Status == "" || job.Status == filter.Status) {
			out = append(out, job)
		}
	}
	return out, nil
}

func (f *jobRepoFake) SetAudioReference(_ context.Context, id, key, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	job.AudioKey = key
	job.AudioURL = url
	f.jobs[id] = job
	return nil
}

func (f *jobRepoFake) Transition(_ context.Context, id string, tr domain.Transition) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTransitions > 0 {
		f.failTransitions--
		return false, f.transitionErr
	}
	job, ok := f.jobs[id]
	if !ok {
		return false, domain.WrapError(domain.ErrJobNotFound, "transition transcription", fmt.Errorf("id=%s", id))
	}
	if !domain.CanTransition(job.Status, tr.To) {
		return false, nil
	}
	f.transitions++
	f.events = append(f.events, domain.StatusEvent{TranscriptionID: id, FromStatus: job.Status, ToStatus: tr.To, Reason: tr.Reason})
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
			job.Metadata = map[string]any{}
		}
		maps.Copy(job.Metadata, tr.Metadata)
	}
	f.jobs[id] = job
	return true, nil
}

func (f *jobRepoFake) SaveFinalText(_ context.Context, id, finalText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.FinalText = finalText
	now := time.Now()
	job.ReviewedAt = &now
	f.jobs[id] = job
	return nil
}

func (f *jobRepoFake) SaveFormattedText(_ context.Context, id, formatted string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	job.FormattedText = formatted
	f.jobs[id] = job
	return nil
}

func (f *jobRepoFake) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.jobs[id]; !ok {
		return domain.ErrJobNotFound
	}
	delete(f.jobs, id)
	return nil
}

func (f *jobRepoFake) ListEvents(_ context.Context, id string) ([]domain.StatusEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.StatusEvent, 0)
	for _, event := range f.events {
		if event.TranscriptionID == id {
			out = append(out, event)
		}
	}
	return out, nil
}

type storageFake struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	deleted []string
	saveErr error
	urlErr  error
}

func newStorageFake() *storageFake {
	return &storageFake{objects: map[string][]byte{}, types: map[string]string{}}
}

func (f *storageFake) Save(_ context.Context, key string, data io.Reader, _ int64, contentType string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = raw
	f.types[key] = contentType
	return nil
}

func (f *storageFake) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *storageFake) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

func (f *storageFake) URL(_ context.Context, key string) (string, error) {
	if f.urlErr != nil {
		return "", f.urlErr
	}
	return "https://storage.example.com/" + key, nil
}

func (f *storageFake) objectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

type dispatcherFake struct {
	mu      sync.Mutex
	outcome *domain.HandoffOutcome
	jobs    []domain.Transcription
}

// Dispatch never settles when outcome is nil, like a slow workflow.
func (f *dispatcherFake) Dispatch(_ context.Context, job domain.Transcription) <-chan domain.HandoffOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	out := make(chan domain.HandoffOutcome, 1)
	if f.outcome != nil {
		out <- *f.outcome
	}
	return out
}

type tokenFake struct{}

func (tokenFake) Sign(subject string) string { return "tok-" + subject }
func (tokenFake) Verify(subject, token string) bool {
	return token != "" && token == "tok-"+subject
}

type workflowFake struct {
	mu       sync.Mutex
	reply    domain.WorkflowReply
	err      error
	block    bool
	payloads []domain.WorkflowPayload
	onCall   func()
}

func (f *workflowFake) Trigger(ctx context.Context, payload domain.WorkflowPayload) (domain.WorkflowReply, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	if f.block {
		<-ctx.Done()
		return domain.WorkflowReply{}, fmt.Errorf("workflow request: %w", ctx.Err())
	}
	return f.reply, f.err
}

type metricsFake struct {
	mu          sync.Mutex
	submissions []string
	handoffs    []string
	callbacks   []string
}

func (m *metricsFake) RecordSubmission(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions = append(m.submissions, outcome)
}

func (m *metricsFake) RecordHandoff(outcome string, _ float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handoffs = append(m.handoffs, outcome)
}

func (m *metricsFake) RecordCallback(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, result)
}

func pendingJob(id string) domain.Transcription {
	now := time.Now().UTC()
	return domain.Transcription{
		ID:           id,
		OwnerID:      "owner-1",
		Status:       domain.StatusPending,
		FileName:     "visit.wav",
		FileSize:     2 << 20,
		FileType:     "audio/wav",
		AudioKey:     "audio/owner-1/" + id + "/visit.wav",
		AudioURL:     "https://storage.example.com/audio/owner-1/" + id + "/visit.wav",
		DoctorName:   "Dr. Smith",
		PatientName:  "Jane Doe",
		DocumentType: "consultation",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
