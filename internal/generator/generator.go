// Package generator defines the boundary to the external video synthesis
// model. The orchestrator treats the model as opaque: it hands over
// parameters, a GPU index, and a progress sink, and gets back an
// artifact path or a classified error.
package generator

import (
	"context"

	"github.com/psantana5/videoforge/internal/models"
)

// ProgressSink is what the generator reports through during a run: a
// fraction in [0,1], plus a cooperative cancellation poll. The executor
// implements this against the store; it rejects any fraction that would
// make progress regress.
type ProgressSink interface {
	Report(ctx context.Context, fraction float64) error
	IsCancelled(ctx context.Context) bool
}

// Result is what a successful run produces.
type Result struct {
	ArtifactPath string
}

// Error classifies a failed run by the error kind the executor needs to
// choose a terminal state.
type Error struct {
	Kind   models.ErrorKind
	Detail string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Detail }

// Generator produces a video artifact for a job's parameters on a given
// GPU device index, reporting progress and observing cancellation
// through sink. It must return promptly after sink reports cancellation
// was honored; past the cancel grace window the executor terminates it
// forcibly.
type Generator interface {
	Generate(ctx context.Context, params models.GenerationParams, deviceID int, outputPath string, sink ProgressSink) (Result, error)
}
