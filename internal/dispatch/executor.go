// Package dispatch runs the claim-and-execute side of the orchestrator:
// Dispatcher claims jobs off the submission queue and launches an Executor
// per claim; Executor drives one job's generator.Generator invocation
// through to a terminal state, renewing its store lease and honoring
// cooperative cancellation along the way.
package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/psantana5/videoforge/internal/generator"
	"github.com/psantana5/videoforge/internal/gpuregistry"
	"github.com/psantana5/videoforge/internal/metrics"
	"github.com/psantana5/videoforge/internal/models"
	"github.com/psantana5/videoforge/internal/queue"
	"github.com/psantana5/videoforge/internal/retry"
	"github.com/psantana5/videoforge/internal/store"
)

// Config bundles the timing knobs an Executor needs.
type Config struct {
	LeaseDuration       time.Duration
	ProgressMinInterval time.Duration
	JobMaxWallTime      time.Duration
	CancelGrace         time.Duration
	StoreRetryBudget    time.Duration
	OutputDir           string
}

// Executor drives a single claimed job from processing to a terminal
// state.
type Executor struct {
	store     store.Store
	queue     *queue.Queue
	gpus      *gpuregistry.Registry
	gen       generator.Generator
	cfg       Config
	replicaID string
	metrics   *metrics.Collector
	log       zerolog.Logger
}

// NewExecutor builds an Executor sharing the Dispatcher's collaborators.
func NewExecutor(st store.Store, q *queue.Queue, gpus *gpuregistry.Registry, gen generator.Generator, cfg Config, replicaID string, m *metrics.Collector, log zerolog.Logger) *Executor {
	return &Executor{store: st, queue: q, gpus: gpus, gen: gen, cfg: cfg, replicaID: replicaID, metrics: m, log: log}
}

// Run executes job id end to end: acquires a GPU slot, transitions
// pending->processing, drives the generator with periodic lease renewal,
// and writes the terminal transition. The slot is always released before
// Run returns.
func (e *Executor) Run(parent context.Context, id string) {
	log := e.log.With().Str("job_id", id).Logger()

	deviceID, err := e.gpus.Acquire(id)
	if err != nil {
		// No GPU free: put it back on the queue for another pass — but
		// only if it is still pending. A cancel can land between the
		// queue pop and this point, and a terminal job must never
		// reappear in the queue.
		job, getErr := e.store.Get(parent, id)
		if getErr == nil && job.Status == models.StatusPending {
			_ = e.queue.Requeue(parent, id, job.Priority, job.SubmittedAt)
			log.Debug().Err(err).Msg("no free gpu slot, requeued")
		}
		return
	}
	defer e.gpus.Release(id)

	job, err := e.claim(parent, id, deviceID)
	if err != nil {
		log.Warn().Err(err).Msg("claim failed after gpu acquire")
		return
	}

	deadlineCtx, cancelDeadline := context.WithTimeout(parent, e.cfg.JobMaxWallTime)
	defer cancelDeadline()
	ctx, cancel := context.WithCancel(deadlineCtx)
	defer cancel()

	start := time.Now()
	sink := &progressSink{
		store:       e.store,
		id:          id,
		minInterval: e.cfg.ProgressMinInterval,
	}

	leaseDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.renewLeaseLoop(ctx, id, leaseDone)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.enforceCancelGrace(ctx, id, cancel, leaseDone)
	}()

	outputPath := filepath.Join(e.cfg.OutputDir, id+".mp4")
	result, genErr := e.gen.Generate(ctx, job.Params, deviceID, outputPath, sink)

	close(leaseDone)
	wg.Wait()

	e.metrics.JobDuration.Observe(time.Since(start).Seconds())

	if genErr != nil {
		e.finishWithError(parent, id, genErr, ctx)
		return
	}
	e.finishSuccess(parent, id, result)
}

func (e *Executor) claim(ctx context.Context, id string, deviceID int) (*models.Job, error) {
	now := time.Now()
	lease := now.Add(e.cfg.LeaseDuration)
	var claimed *models.Job
	err := retry.Do(ctx, retry.DefaultPolicy(e.cfg.StoreRetryBudget), func(ctx context.Context) error {
		j, err := e.store.Patch(ctx, id, models.StatusPending, store.PatchFields{
			Status:         statusPtr(models.StatusProcessing),
			ReplicaID:      strPtr(e.replicaID),
			StartedAt:      timePtr(now),
			LeaseExpiresAt: timePtr(lease),
		})
		if err != nil {
			return permanentIfConflict(err)
		}
		claimed = j
		return nil
	})
	return claimed, err
}

func (e *Executor) renewLeaseLoop(ctx context.Context, id string, done <-chan struct{}) {
	interval := e.cfg.LeaseDuration / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			newLease := time.Now().Add(e.cfg.LeaseDuration)
			_ = retry.Do(ctx, retry.DefaultPolicy(e.cfg.StoreRetryBudget), func(ctx context.Context) error {
				_, err := e.store.Patch(ctx, id, models.StatusProcessing, store.PatchFields{
					LeaseExpiresAt: timePtr(newLease),
				})
				return permanentIfConflict(err)
			})
		}
	}
}

// enforceCancelGrace watches for a cancel request on the job record and,
// if the generator has not returned within CancelGrace of that request,
// cancels ctx to force the generator to stop at its next context check.
// Cooperative checkpointing via IsCancelled is the fast path; this is the
// backstop for generators that don't poll often enough.
func (e *Executor) enforceCancelGrace(ctx context.Context, id string, cancel context.CancelFunc, done <-chan struct{}) {
	pollInterval := e.cfg.ProgressMinInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	t := time.NewTicker(pollInterval)
	defer t.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			job, err := e.store.Get(ctx, id)
			if err != nil || !job.CancelRequested {
				continue
			}
			grace := time.NewTimer(e.cfg.CancelGrace)
			select {
			case <-done:
				grace.Stop()
				return
			case <-ctx.Done():
				grace.Stop()
				return
			case <-grace.C:
				cancel()
				return
			}
		}
	}
}

func (e *Executor) finishSuccess(ctx context.Context, id string, result generator.Result) {
	now := time.Now()
	err := retry.Do(ctx, retry.DefaultPolicy(e.cfg.StoreRetryBudget), func(ctx context.Context) error {
		_, err := e.store.Patch(ctx, id, models.StatusProcessing, store.PatchFields{
			Status:          statusPtr(models.StatusCompleted),
			ArtifactPath:    strPtr(result.ArtifactPath),
			CompletedAt:     timePtr(now),
			ClearReplicaID:  true,
			ClearLease:      true,
			CancelRequested: boolPtr(false),
		})
		return permanentIfConflict(err)
	})
	if err != nil {
		// The reconciler will find this lease-expired job and mark it
		// lost; the artifact is already on disk so a future retry policy
		// could pick it up, but that is out of scope here.
		e.log.Error().Err(err).Str("job_id", id).Msg("failed to persist completion")
		return
	}
	e.metrics.JobsCompletedTotal.Inc()
}

func (e *Executor) finishWithError(ctx context.Context, id string, genErr error, genCtx context.Context) {
	now := time.Now()
	kind := models.ErrorKindGenerator
	detail := genErr.Error()
	if ge, ok := genErr.(*generator.Error); ok {
		kind = ge.Kind
		detail = ge.Detail
	}

	targetStatus := models.StatusFailed
	if kind == models.ErrorKindCancelled {
		targetStatus = models.StatusCancelled
	}
	if genCtx.Err() == context.DeadlineExceeded {
		kind = models.ErrorKindTimeout
		detail = fmt.Sprintf("exceeded job_max_wall_time: %v", detail)
		targetStatus = models.StatusFailed
	}

	err := retry.Do(ctx, retry.DefaultPolicy(e.cfg.StoreRetryBudget), func(ctx context.Context) error {
		_, err := e.store.Patch(ctx, id, models.StatusProcessing, store.PatchFields{
			Status:          statusPtr(targetStatus),
			ErrorKind:       errorKindPtr(kind),
			ErrorDetail:     strPtr(detail),
			CompletedAt:     timePtr(now),
			ClearReplicaID:  true,
			ClearLease:      true,
			CancelRequested: boolPtr(false),
		})
		return permanentIfConflict(err)
	})
	if err != nil {
		e.log.Error().Err(err).Str("job_id", id).Msg("failed to persist terminal failure; reconciler will reclaim")
		return
	}
	if targetStatus == models.StatusCancelled {
		e.metrics.JobsCancelledTotal.Inc()
	} else {
		e.metrics.JobsFailedTotal.WithLabelValues(string(kind)).Inc()
	}
}

// progressSink implements generator.ProgressSink against the store: it
// enforces strictly monotone progress and coalesces writes to at most one
// per ProgressMinInterval (a report of 1.0 is always written), and reads
// cancel_requested directly off the live record.
type progressSink struct {
	store       store.Store
	id          string
	minInterval time.Duration

	mu       sync.Mutex
	last     float64
	lastSent time.Time
}

func (s *progressSink) Report(ctx context.Context, fraction float64) error {
	s.mu.Lock()
	if fraction <= s.last {
		s.mu.Unlock()
		return nil
	}
	if !s.lastSent.IsZero() && time.Since(s.lastSent) < s.minInterval && fraction < 1.0 {
		s.mu.Unlock()
		return nil
	}
	s.last = fraction
	s.lastSent = time.Now()
	s.mu.Unlock()

	_, err := s.store.Patch(ctx, s.id, models.StatusProcessing, store.PatchFields{
		Progress: &fraction,
	})
	return err
}

func (s *progressSink) IsCancelled(ctx context.Context) bool {
	job, err := s.store.Get(ctx, s.id)
	if err != nil {
		return false
	}
	return job.CancelRequested
}

// permanentIfConflict marks a lost CAS race as non-retryable: another
// replica already moved the job off the status this executor expected, so
// backoff cannot fix it and retrying only burns StoreRetryBudget the
// reconciler would rather spend elsewhere.
func permanentIfConflict(err error) error {
	if err == store.ErrConflict {
		return retry.Permanent(err)
	}
	return err
}

func statusPtr(s models.Status) *models.Status          { return &s }
func boolPtr(b bool) *bool                              { return &b }
func errorKindPtr(k models.ErrorKind) *models.ErrorKind { return &k }
func strPtr(s string) *string                           { return &s }
func timePtr(t time.Time) *time.Time                    { return &t }
