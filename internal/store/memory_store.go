package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/videoforge/internal/models"
)

// queueEntry is one element of the in-memory priority queue.
type queueEntry struct {
	id          string
	priority    int
	submittedAt time.Time
}

// MemoryStore is an in-process Store used by tests and local runs to
// exercise the dispatcher, reconciler, and API handlers without a live
// Redis instance.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*models.Job
	queue []queueEntry
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
	}
}

func (s *MemoryStore) Create(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrAlreadyExists
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Patch(_ context.Context, id string, expectedStatus models.Status, fields PatchFields) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != expectedStatus {
		return nil, ErrConflict
	}

	applyPatch(job, fields)
	s.jobs[id] = job
	return job.Clone(), nil
}

func applyPatch(job *models.Job, f PatchFields) {
	if f.Status != nil {
		job.Status = *f.Status
	}
	if f.Progress != nil {
		job.Progress = f.Progress
	}
	if f.ClearReplicaID {
		job.ReplicaID = ""
	} else if f.ReplicaID != nil {
		job.ReplicaID = *f.ReplicaID
	}
	if f.ClearStartedAt {
		job.StartedAt = nil
	} else if f.StartedAt != nil {
		t := *f.StartedAt
		job.StartedAt = &t
	}
	if f.CompletedAt != nil {
		t := *f.CompletedAt
		job.CompletedAt = &t
	}
	if f.ClearLease {
		job.LeaseExpiresAt = nil
	} else if f.LeaseExpiresAt != nil {
		t := *f.LeaseExpiresAt
		job.LeaseExpiresAt = &t
	}
	if f.ArtifactPath != nil {
		job.ArtifactPath = *f.ArtifactPath
	}
	if f.ErrorKind != nil {
		job.ErrorKind = *f.ErrorKind
	}
	if f.ErrorDetail != nil {
		job.ErrorDetail = *f.ErrorDetail
	}
	if f.CancelRequested != nil {
		job.CancelRequested = *f.CancelRequested
	}
	if f.RetryCount != nil {
		job.RetryCount = *f.RetryCount
	}
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter, page, pageSize int) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		matched = append(matched, job.Clone())
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
			return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	totalPages := (total + pageSize - 1) / pageSize
	if totalPages == 0 {
		totalPages = 1
	}

	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	return Page{
		Jobs:       matched[start:end],
		Total:      total,
		Page:       page,
		TotalPages: totalPages,
	}, nil
}

func (s *MemoryStore) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// queueLess mirrors the Redis implementation's composite ordering key:
// higher priority first, then earlier submission time.
func queueLess(a, b queueEntry) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.submittedAt.Before(b.submittedAt)
}

func (s *MemoryStore) Enqueue(_ context.Context, id string, priority int, submittedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.queue {
		if e.id == id {
			return nil // idempotent
		}
	}
	s.queue = append(s.queue, queueEntry{id: id, priority: priority, submittedAt: submittedAt})
	sort.Slice(s.queue, func(i, j int) bool { return queueLess(s.queue[i], s.queue[j]) })
	return nil
}

func (s *MemoryStore) TryClaim(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return "", nil
	}
	head := s.queue[0]
	s.queue = s.queue[1:]
	return head.id, nil
}

func (s *MemoryStore) Requeue(ctx context.Context, id string, priority int, submittedAt time.Time) error {
	return s.Enqueue(ctx, id, priority, submittedAt)
}

func (s *MemoryStore) RemoveFromQueue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, e := range s.queue {
		if e.id == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil // best-effort: absent ids are not an error
}

func (s *MemoryStore) QueueLength(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }
func (s *MemoryStore) Close() error                        { return nil }
