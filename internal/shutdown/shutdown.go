// Package shutdown runs the orchestrator's registered shutdown hooks once
// a termination signal arrives. Hooks run LIFO under a single timeout; a
// hook that only cancels a context does not wait for the work under it.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Manager runs registered hooks in reverse-registration order once a
// shutdown signal arrives or Shutdown is called directly.
type Manager struct {
	mu      sync.Mutex
	hooks   []func(context.Context) error
	timeout time.Duration
	log     zerolog.Logger
}

func New(timeout time.Duration, log zerolog.Logger) *Manager {
	return &Manager{timeout: timeout, log: log}
}

// Register adds a hook. Hooks run LIFO, so register collaborators in
// dependency order (store first, HTTP server last) and they unwind in the
// opposite, safe order.
func (m *Manager) Register(hook func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hook)
}

// WaitForSignal blocks until SIGINT/SIGTERM, then runs every hook within
// the configured timeout.
func (m *Manager) WaitForSignal(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		m.log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}
	m.Shutdown()
}

// Shutdown runs every hook, most-recently-registered first, logging but
// not aborting on individual hook failures.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	hooks := append([]func(context.Context) error(nil), m.hooks...)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			m.log.Error().Err(err).Int("hook_index", i).Msg("shutdown hook failed")
		}
	}
	m.log.Info().Msg("graceful shutdown complete")
}
