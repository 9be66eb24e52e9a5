// Command server runs one orchestrator replica: the HTTP API, the
// dispatcher/executor pool, the reconciler sweep, and the Prometheus
// exporter. All configuration comes from environment variables; there
// are no flags or subcommands.
package main

import (
	"context"
	"net/http"
	"time"

	"github.com/psantana5/videoforge/internal/api"
	"github.com/psantana5/videoforge/internal/config"
	"github.com/psantana5/videoforge/internal/dispatch"
	"github.com/psantana5/videoforge/internal/generator"
	"github.com/psantana5/videoforge/internal/gpuregistry"
	"github.com/psantana5/videoforge/internal/logging"
	"github.com/psantana5/videoforge/internal/metrics"
	"github.com/psantana5/videoforge/internal/reconcile"
	"github.com/psantana5/videoforge/internal/replica"
	"github.com/psantana5/videoforge/internal/shutdown"
	"github.com/psantana5/videoforge/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	replicaID := replica.ID()
	log := logging.New(cfg.LogFormat, cfg.LogLevel, replicaID)
	log.Info().Str("replica_id", replicaID).Msg("starting videoforge server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := newStore(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}

	gpus := gpuregistry.NewCounted(cfg.NGPUPerReplica)
	gen := newGenerator(cfg.ModelBinary, cfg.ModelCacheDir)
	m := metrics.New()

	shut := shutdown.New(30*time.Second, log)
	shut.Register(func(context.Context) error { return st.Close() })

	outputDir := cfg.OutputDir

	dispatchCfg := dispatch.Config{
		LeaseDuration:       cfg.LeaseDuration,
		ProgressMinInterval: cfg.ProgressMinInterval,
		JobMaxWallTime:      cfg.JobMaxWallTime,
		CancelGrace:         cfg.CancelGrace,
		StoreRetryBudget:    cfg.StoreRetryBudget,
		OutputDir:           outputDir,
	}
	dispLog := logging.Component(log, "dispatch")
	d := dispatch.New(st, gpus, gen, dispatchCfg, replicaID, m, dispLog, cfg.MaxConcurrentJobs)

	reconcileCfg := reconcile.Config{
		Interval:       cfg.ReconcileInterval,
		NRetry:         cfg.NRetry,
		JobMaxWallTime: cfg.JobMaxWallTime,
		RetentionAge:   cfg.RetentionAge,
	}
	reconcileLog := logging.Component(log, "reconcile")
	r := reconcile.New(st, gpus, reconcileCfg, m, reconcileLog)

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	go d.Run(dispatchCtx)
	go r.Run(ctx)
	shut.Register(func(shutdownCtx context.Context) error {
		stopDispatch()
		return nil
	})

	apiCfg := api.Config{
		APIKey:         cfg.APIKey,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		OutputDir:      outputDir,
	}
	router := api.NewRouter(st, gpus, apiCfg, m, logging.Component(log, "api"))
	apiServer := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("api server error")
		}
	}()
	shut.Register(func(shutdownCtx context.Context) error { return apiServer.Shutdown(shutdownCtx) })

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	shut.Register(func(shutdownCtx context.Context) error { return metricsServer.Shutdown(shutdownCtx) })

	shut.WaitForSignal(ctx)
}

func newStore(ctx context.Context, redisURL string) (store.Store, error) {
	if redisURL == "memory" {
		return store.NewMemoryStore(), nil
	}
	return store.NewRedisStore(ctx, redisURL)
}

func newGenerator(modelBinary, modelCacheDir string) generator.Generator {
	if modelBinary == "" {
		return generator.NewSimulatedGenerator()
	}
	return generator.NewSubprocessGenerator(modelBinary, modelCacheDir)
}
