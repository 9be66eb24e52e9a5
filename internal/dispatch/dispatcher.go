package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/psantana5/videoforge/internal/generator"
	"github.com/psantana5/videoforge/internal/gpuregistry"
	"github.com/psantana5/videoforge/internal/metrics"
	"github.com/psantana5/videoforge/internal/queue"
	"github.com/psantana5/videoforge/internal/store"
)

// Dispatcher is the claim loop: it polls the submission queue, and for
// every claim spawns an Executor bounded by available GPU slots and the
// local concurrency cap. Lease renewal lives per-executor rather than as
// a shared sweep, so this is the only loop the replica needs.
type Dispatcher struct {
	store     store.Store
	queue     *queue.Queue
	gpus      *gpuregistry.Registry
	gen       generator.Generator
	cfg       Config
	replicaID string
	metrics   *metrics.Collector
	log       zerolog.Logger

	maxConcurrent int
	pollBackoff   time.Duration

	mu     sync.Mutex
	active int
	wg     sync.WaitGroup
}

// New builds a Dispatcher ready to Run. maxConcurrentJobs caps local
// active executors independent of GPU count and may sit below it; a
// value <= 0 falls back to the GPU registry's own capacity.
func New(st store.Store, gpus *gpuregistry.Registry, gen generator.Generator, cfg Config, replicaID string, m *metrics.Collector, log zerolog.Logger, maxConcurrentJobs int) *Dispatcher {
	if maxConcurrentJobs <= 0 || maxConcurrentJobs > gpus.Capacity() {
		maxConcurrentJobs = gpus.Capacity()
	}
	return &Dispatcher{
		store:         st,
		queue:         queue.New(st),
		gpus:          gpus,
		gen:           gen,
		cfg:           cfg,
		replicaID:     replicaID,
		metrics:       m,
		log:           log,
		maxConcurrent: maxConcurrentJobs,
		pollBackoff:   250 * time.Millisecond,
	}
}

// Run claims jobs until ctx is cancelled, then waits for all in-flight
// executors to return. Executors run under ctx, so cancelling it also
// cancels their generator runs; a job cut off this way keeps its
// processing record until the reconciler reclaims its expired lease.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			return
		default:
		}

		start := time.Now()
		snap := d.gpus.Snapshot()
		d.metrics.GPUSlotsTotal.Set(float64(snap.Total))
		d.metrics.GPUSlotsInUse.Set(float64(snap.Allocated))
		if snap.Available == 0 || d.activeCount() >= d.maxConcurrent {
			d.sleep(ctx, queue.JitteredBackoff(d.pollBackoff))
			continue
		}

		id, err := d.queue.TryClaim(ctx)
		d.metrics.DispatchCycleDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			d.log.Warn().Err(err).Msg("queue claim failed")
			d.sleep(ctx, queue.JitteredBackoff(d.pollBackoff))
			continue
		}
		if id == "" {
			if n, err := d.queue.Length(ctx); err == nil {
				d.metrics.QueueDepth.Set(float64(n))
			}
			d.sleep(ctx, queue.JitteredBackoff(d.pollBackoff))
			continue
		}

		exec := NewExecutor(d.store, d.queue, d.gpus, d.gen, d.cfg, d.replicaID, d.metrics, d.log)
		d.incActive()
		d.wg.Add(1)
		go func(jobID string) {
			defer d.wg.Done()
			defer d.decActive()
			exec.Run(ctx, jobID)
		}(id)
	}
}

func (d *Dispatcher) activeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Dispatcher) incActive() {
	d.mu.Lock()
	d.active++
	d.mu.Unlock()
}

func (d *Dispatcher) decActive() {
	d.mu.Lock()
	d.active--
	d.mu.Unlock()
}

func (d *Dispatcher) sleep(ctx context.Context, dur time.Duration) {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
