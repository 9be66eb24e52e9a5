// Package reconcile implements the periodic repair sweep: it resurrects
// processing jobs whose lease expired, gives up on jobs that have
// exhausted their retry budget, enforces the overall job wall-clock
// timeout, restores the queue for orphaned pending jobs, and runs the
// terminal-record retention sweep.
package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/psantana5/videoforge/internal/gpuregistry"
	"github.com/psantana5/videoforge/internal/metrics"
	"github.com/psantana5/videoforge/internal/models"
	"github.com/psantana5/videoforge/internal/store"
)

// Config bundles the reconciler's timing and retry knobs.
type Config struct {
	Interval       time.Duration
	NRetry         int
	JobMaxWallTime time.Duration
	RetentionAge   time.Duration
	LeaderLeaseTTL time.Duration
}

// Reconciler runs one sweep per Interval. Its operations are each
// independently idempotent, so the cooperative leader lock is an
// optimization against redundant work, not a correctness requirement.
type Reconciler struct {
	store store.Store
	gpus  *gpuregistry.Registry // local replica's slots; nil when no sweep is wanted
	cfg   Config
	m     *metrics.Collector
	log   zerolog.Logger

	lockToken string
}

func New(st store.Store, gpus *gpuregistry.Registry, cfg Config, m *metrics.Collector, log zerolog.Logger) *Reconciler {
	if cfg.LeaderLeaseTTL <= 0 {
		cfg.LeaderLeaseTTL = cfg.Interval * 2
	}
	return &Reconciler{store: st, gpus: gpus, cfg: cfg, m: m, log: log, lockToken: uuid.NewString()}
}

// Run sweeps on Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	// The local slot sweep runs on every replica regardless of who holds
	// the leader lock: no other replica can release this one's slots.
	r.releaseTerminalSlots(ctx)

	if locker, ok := r.store.(leaderLocker); ok {
		acquired, err := locker.AcquireLeaderLock(ctx, "reconcile:lease", r.lockToken, r.cfg.LeaderLeaseTTL)
		if err != nil {
			r.log.Warn().Err(err).Msg("leader lock check failed, sweeping anyway")
		} else if !acquired {
			return
		}
	}

	start := time.Now()
	r.reclaimExpiredLeases(ctx)
	r.enforceWallTime(ctx)
	r.reEnqueuePending(ctx)
	r.runRetention(ctx)
	r.reportStatusCounts(ctx)
	r.m.ReconcileCycleDuration.Observe(time.Since(start).Seconds())
}

// leaderLocker is an optional capability store implementations may offer;
// RedisStore implements it via SET NX PX, MemoryStore does not (a single
// in-process store has no leader-election problem to solve).
type leaderLocker interface {
	AcquireLeaderLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// reclaimExpiredLeases finds processing jobs whose lease_expires_at has
// passed and either requeues them (retry budget remains) or marks them
// failed with error_kind=lost.
func (r *Reconciler) reclaimExpiredLeases(ctx context.Context) {
	page, err := r.store.List(ctx, store.ListFilter{Status: models.StatusProcessing}, 1, 10000)
	if err != nil {
		r.log.Warn().Err(err).Msg("reconcile: list processing jobs failed")
		return
	}

	now := time.Now()
	for _, job := range page.Jobs {
		if job.LeaseExpiresAt == nil || job.LeaseExpiresAt.After(now) {
			continue
		}

		if job.RetryCount >= r.cfg.NRetry {
			r.markLost(ctx, job)
			continue
		}
		r.requeueExpired(ctx, job)
	}
}

func (r *Reconciler) requeueExpired(ctx context.Context, job *models.Job) {
	retryCount := job.RetryCount + 1
	_, err := r.store.Patch(ctx, job.ID, models.StatusProcessing, store.PatchFields{
		Status:         statusPtr(models.StatusPending),
		ClearReplicaID: true,
		ClearStartedAt: true,
		ClearLease:     true,
		RetryCount:     &retryCount,
	})
	if err != nil {
		if err != store.ErrConflict {
			r.log.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: requeue patch failed")
		}
		return
	}
	if err := r.store.Enqueue(ctx, job.ID, job.Priority, job.SubmittedAt); err != nil {
		r.log.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: re-enqueue failed")
		return
	}
	r.m.JobsRequeuedTotal.Inc()
	r.log.Info().Str("job_id", job.ID).Int("retry_count", retryCount).Msg("reclaimed expired lease, requeued")
}

func (r *Reconciler) markLost(ctx context.Context, job *models.Job) {
	now := time.Now()
	kind := models.ErrorKindLost
	detail := "lease expired and retry budget exhausted"
	cancelCleared := false
	_, err := r.store.Patch(ctx, job.ID, models.StatusProcessing, store.PatchFields{
		Status:          statusPtr(models.StatusFailed),
		ErrorKind:       &kind,
		ErrorDetail:     &detail,
		CompletedAt:     &now,
		ClearReplicaID:  true,
		ClearLease:      true,
		CancelRequested: &cancelCleared,
	})
	if err != nil {
		if err != store.ErrConflict {
			r.log.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: mark-lost patch failed")
		}
		return
	}
	r.m.JobsLostTotal.Inc()
	r.log.Info().Str("job_id", job.ID).Msg("marked lost: retry budget exhausted")
}

// enforceWallTime fails any processing job that has run past
// JobMaxWallTime, independent of lease state: a lease can be renewed
// indefinitely by a live but stuck executor, so this is a separate check.
func (r *Reconciler) enforceWallTime(ctx context.Context) {
	page, err := r.store.List(ctx, store.ListFilter{Status: models.StatusProcessing}, 1, 10000)
	if err != nil {
		return
	}
	now := time.Now()
	for _, job := range page.Jobs {
		if job.StartedAt == nil || now.Sub(*job.StartedAt) < r.cfg.JobMaxWallTime {
			continue
		}
		kind := models.ErrorKindTimeout
		detail := "exceeded job_max_wall_time"
		cancelCleared := false
		_, err := r.store.Patch(ctx, job.ID, models.StatusProcessing, store.PatchFields{
			Status:          statusPtr(models.StatusFailed),
			ErrorKind:       &kind,
			ErrorDetail:     &detail,
			CompletedAt:     &now,
			ClearReplicaID:  true,
			ClearLease:      true,
			CancelRequested: &cancelCleared,
		})
		if err != nil && err != store.ErrConflict {
			r.log.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: timeout patch failed")
			continue
		}
		if err == nil {
			r.m.JobsFailedTotal.WithLabelValues(string(kind)).Inc()
			r.log.Info().Str("job_id", job.ID).Msg("failed job for exceeding job_max_wall_time")
		}
	}
}

// releaseTerminalSlots frees any local GPU slot whose occupying job has
// already reached a terminal state or no longer exists. The executor's
// deferred Release makes this a no-op in normal operation; it matters
// when an executor goroutine dies without unwinding.
func (r *Reconciler) releaseTerminalSlots(ctx context.Context) {
	if r.gpus == nil {
		return
	}
	for _, id := range r.gpus.AllocatedJobs() {
		job, err := r.store.Get(ctx, id)
		if err == store.ErrNotFound || (err == nil && job.Status.IsTerminal()) {
			r.gpus.Release(id)
			r.log.Info().Str("job_id", id).Msg("released gpu slot held by terminal job")
		}
	}
}

// reEnqueuePending restores the queue-iff-pending invariant: a replica
// crash between the queue pop and the claim CAS leaves a pending job
// with no queue entry. Enqueue is idempotent, so re-adding every pending
// job is safe; a concurrently-claimed id is discarded by the loser's
// failed CAS.
func (r *Reconciler) reEnqueuePending(ctx context.Context) {
	page, err := r.store.List(ctx, store.ListFilter{Status: models.StatusPending}, 1, 10000)
	if err != nil {
		return
	}
	for _, job := range page.Jobs {
		if err := r.store.Enqueue(ctx, job.ID, job.Priority, job.SubmittedAt); err != nil {
			r.log.Warn().Err(err).Str("job_id", job.ID).Msg("reconcile: pending re-enqueue failed")
		}
	}
}

// reportStatusCounts refreshes the jobs-by-status gauge from the store.
func (r *Reconciler) reportStatusCounts(ctx context.Context) {
	for _, st := range []models.Status{
		models.StatusPending, models.StatusProcessing,
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
	} {
		page, err := r.store.List(ctx, store.ListFilter{Status: st}, 1, 1)
		if err != nil {
			return
		}
		r.m.JobsByStatus.WithLabelValues(string(st)).Set(float64(page.Total))
	}
}

// runRetention deletes terminal records older than RetentionAge.
func (r *Reconciler) runRetention(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.RetentionAge)
	n, err := r.store.DeleteTerminalOlderThan(ctx, cutoff)
	if err != nil {
		r.log.Warn().Err(err).Msg("reconcile: retention sweep failed")
		return
	}
	if n > 0 {
		r.log.Info().Int("deleted", n).Msg("retention sweep removed terminal records")
	}
}

func statusPtr(s models.Status) *models.Status { return &s }
