package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/videoforge/internal/gpuregistry"
	"github.com/psantana5/videoforge/internal/metrics"
	"github.com/psantana5/videoforge/internal/models"
	"github.com/psantana5/videoforge/internal/store"
)

func processingJobWithExpiredLease(id string, retryCount int) *models.Job {
	now := time.Now()
	started := now.Add(-time.Hour)
	expired := now.Add(-time.Minute)
	return &models.Job{
		ID:             id,
		Status:         models.StatusProcessing,
		Params:         models.GenerationParams{Prompt: "x"},
		SubmittedAt:    started,
		StartedAt:      &started,
		LeaseExpiresAt: &expired,
		ReplicaID:      "dead-replica",
		RetryCount:     retryCount,
	}
}

func newReconciler(s store.Store, cfg Config) *Reconciler {
	return New(s, nil, cfg, metrics.New(), zerolog.Nop())
}

func TestSweepOnce_RequeuesExpiredLeaseUnderRetryBudget(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := processingJobWithExpiredLease("job-1", 0)
	require.NoError(t, s.Create(ctx, job))

	r := newReconciler(s, Config{NRetry: 3, JobMaxWallTime: time.Hour, RetentionAge: 24 * time.Hour})
	r.sweepOnce(ctx)

	updated, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Equal(t, "", updated.ReplicaID)
	assert.Nil(t, updated.StartedAt)
	assert.Nil(t, updated.LeaseExpiresAt)

	n, err := s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "requeued job must reappear in the submission queue")
}

func TestSweepOnce_MarksLostWhenRetryBudgetExhausted(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := processingJobWithExpiredLease("job-1", 3)
	require.NoError(t, s.Create(ctx, job))

	r := newReconciler(s, Config{NRetry: 3, JobMaxWallTime: time.Hour, RetentionAge: 24 * time.Hour})
	r.sweepOnce(ctx)

	updated, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	assert.Equal(t, models.ErrorKindLost, updated.ErrorKind)
	assert.Nil(t, updated.LeaseExpiresAt)
}

func TestSweepOnce_IgnoresJobsWithLiveLease(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	started := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	job := &models.Job{
		ID:             "job-1",
		Status:         models.StatusProcessing,
		SubmittedAt:    started,
		StartedAt:      &started,
		LeaseExpiresAt: &future,
		ReplicaID:      "alive-replica",
	}
	require.NoError(t, s.Create(ctx, job))

	r := newReconciler(s, Config{NRetry: 3, JobMaxWallTime: time.Hour, RetentionAge: 24 * time.Hour})
	r.sweepOnce(ctx)

	updated, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, updated.Status, "a job with a live lease must not be touched")
}

func TestSweepOnce_EnforcesJobMaxWallTimeIndependentOfLease(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	started := now.Add(-time.Hour)
	// Lease was just renewed (live), but the job has run far longer than
	// the overall wall-time budget: a stuck-but-alive executor case.
	liveLease := now.Add(time.Minute)
	job := &models.Job{
		ID:             "job-1",
		Status:         models.StatusProcessing,
		SubmittedAt:    started,
		StartedAt:      &started,
		LeaseExpiresAt: &liveLease,
		ReplicaID:      "alive-replica",
	}
	require.NoError(t, s.Create(ctx, job))

	r := newReconciler(s, Config{NRetry: 3, JobMaxWallTime: 5 * time.Minute, RetentionAge: 24 * time.Hour})
	r.sweepOnce(ctx)

	updated, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, updated.Status)
	assert.Equal(t, models.ErrorKindTimeout, updated.ErrorKind)
}

func TestSweepOnce_RetentionDeletesOldTerminalRecords(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	oldCompleted := time.Now().Add(-48 * time.Hour)
	job := &models.Job{
		ID:          "job-1",
		Status:      models.StatusCompleted,
		SubmittedAt: oldCompleted,
		CompletedAt: &oldCompleted,
	}
	require.NoError(t, s.Create(ctx, job))

	r := newReconciler(s, Config{NRetry: 3, JobMaxWallTime: time.Hour, RetentionAge: time.Hour})
	r.sweepOnce(ctx)

	_, err := s.Get(ctx, "job-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepOnce_ReleasesGPUSlotHeldByTerminalJob(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	job := &models.Job{
		ID:          "job-1",
		Status:      models.StatusFailed,
		SubmittedAt: now,
		CompletedAt: &now,
		ErrorKind:   models.ErrorKindGenerator,
	}
	require.NoError(t, s.Create(ctx, job))

	gpus := gpuregistry.NewCounted(1)
	_, err := gpus.Acquire("job-1")
	require.NoError(t, err)

	r := New(s, gpus, Config{NRetry: 3, JobMaxWallTime: time.Hour, RetentionAge: 24 * time.Hour}, metrics.New(), zerolog.Nop())
	r.sweepOnce(ctx)

	assert.Equal(t, 1, gpus.Snapshot().Available, "slot held by a terminal job must be freed")
}

func TestSweepOnce_ReEnqueuesPendingJobMissingFromQueue(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	// Pending but not enqueued: the state a crash between the queue pop
	// and the claim CAS leaves behind.
	job := &models.Job{ID: "job-1", Status: models.StatusPending, SubmittedAt: time.Now()}
	require.NoError(t, s.Create(ctx, job))

	r := newReconciler(s, Config{NRetry: 3, JobMaxWallTime: time.Hour, RetentionAge: 24 * time.Hour})
	r.sweepOnce(ctx)

	n, err := s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second sweep must not duplicate the entry.
	r.sweepOnce(ctx)
	n, err = s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSweepOnce_IdempotentAcrossRepeatedRuns(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	job := processingJobWithExpiredLease("job-1", 0)
	require.NoError(t, s.Create(ctx, job))

	r := newReconciler(s, Config{NRetry: 3, JobMaxWallTime: time.Hour, RetentionAge: 24 * time.Hour})
	// Two sweeps back to back must not double-requeue or error: the
	// second pass finds the job already pending and does nothing.
	r.sweepOnce(ctx)
	r.sweepOnce(ctx)

	n, err := s.QueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, updated.RetryCount)
}
