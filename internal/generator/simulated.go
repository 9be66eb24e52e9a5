package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/psantana5/videoforge/internal/models"
)

// mp4FtypBox is a minimal valid ISO base media file box header so the
// artifact SimulatedGenerator produces is a real (if content-free) MP4
// container rather than an arbitrary blob, in case a reader sniffs the
// file type.
var mp4FtypBox = []byte{
	0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p',
	'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00,
	'i', 's', 'o', 'm', 'i', 's', 'o', '2',
}

// SimulatedGenerator stands in for the real synthesis model when
// MODEL_BINARY is unset (local development, and tests). It produces a real, small artifact with a per-frame progress
// curve rather than faking success instantly, so the progress and
// cancellation paths get exercised the way a live model would.
type SimulatedGenerator struct {
	// FrameInterval is how long one simulated frame "takes" to render;
	// tests shrink this to keep runs fast.
	FrameInterval time.Duration
}

// NewSimulatedGenerator returns a generator with a production-plausible
// per-frame cost.
func NewSimulatedGenerator() *SimulatedGenerator {
	return &SimulatedGenerator{FrameInterval: 30 * time.Millisecond}
}

func (g *SimulatedGenerator) Generate(ctx context.Context, params models.GenerationParams, deviceID int, outputPath string, sink ProgressSink) (Result, error) {
	frames := params.NumFrames
	if frames <= 0 {
		frames = 1
	}

	tmpPath := outputPath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return Result{}, &Error{Kind: models.ErrorKindGenerator, Detail: fmt.Sprintf("create output dir: %v", err)}
	}
	f, err := os.Create(tmpPath)
	if err != nil {
		return Result{}, &Error{Kind: models.ErrorKindGenerator, Detail: fmt.Sprintf("create temp file: %v", err)}
	}
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := f.Write(mp4FtypBox); err != nil {
		f.Close()
		return Result{}, &Error{Kind: models.ErrorKindGenerator, Detail: fmt.Sprintf("write header: %v", err)}
	}

	for frame := 1; frame <= frames; frame++ {
		select {
		case <-ctx.Done():
			f.Close()
			return Result{}, &Error{Kind: models.ErrorKindCancelled, Detail: "context cancelled"}
		case <-time.After(g.FrameInterval):
		}

		if sink.IsCancelled(ctx) {
			f.Close()
			return Result{}, &Error{Kind: models.ErrorKindCancelled, Detail: "cancellation observed at checkpoint"}
		}

		if _, err := f.Write([]byte{byte(frame), byte(frame >> 8), byte(frame >> 16), byte(frame >> 24)}); err != nil {
			f.Close()
			return Result{}, &Error{Kind: models.ErrorKindGenerator, Detail: fmt.Sprintf("write frame %d: %v", frame, err)}
		}

		fraction := float64(frame) / float64(frames)
		if err := sink.Report(ctx, fraction); err != nil {
			f.Close()
			return Result{}, &Error{Kind: models.ErrorKindGenerator, Detail: fmt.Sprintf("report progress: %v", err)}
		}
	}

	if err := f.Close(); err != nil {
		return Result{}, &Error{Kind: models.ErrorKindGenerator, Detail: fmt.Sprintf("close temp file: %v", err)}
	}

	if err := os.Rename(tmpPath, outputPath); err != nil {
		return Result{}, &Error{Kind: models.ErrorKindGenerator, Detail: fmt.Sprintf("finalize artifact: %v", err)}
	}

	return Result{ArtifactPath: outputPath}, nil
}
