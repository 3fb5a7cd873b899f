package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/lessonforge/transcriber/internal/transcription"
	"github.com/lessonforge/transcriber/internal/types"
)

// ErrOutOfOrderStage is returned when a stage runs before its
// predecessor succeeded. This is a pipeline invariant violation, a bug
// rather than a transient condition.
var ErrOutOfOrderStage = errors.New("stage out of order")

// ErrSegmentBusy is returned when a segment operation conflicts with an
// active job for the same segment.
var ErrSegmentBusy = errors.New("segment has an active job")

// ErrSourceVideoMissing is returned when a job is submitted for a
// segment with no uploaded source video.
var ErrSourceVideoMissing = errors.New("source video missing")

// ErrCancelled is returned when cooperative cancellation was observed
// at a stage boundary.
var ErrCancelled = errors.New("job cancelled")

// StageError wraps a stage failure with the stage it occurred in and
// the failure classification, so job status can always report the most
// specific failure kind.
type StageError struct {
	Stage types.Stage
	Kind  types.FailureKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s failure: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// classifyFailure decides whether an error is worth retrying.
// Timeouts and unknown environment failures are transient; rejected
// media, malformed oracle output, and bad presets are terminal.
func classifyFailure(err error) types.FailureKind {
	switch {
	case errors.Is(err, transcription.ErrBadMedia),
		errors.Is(err, transcription.ErrMalformedOutput),
		errors.Is(err, transcription.ErrInvalidPreset):
		return types.FailureTerminal
	case errors.Is(err, transcription.ErrOracleTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return types.FailureTransient
	default:
		return types.FailureTransient
	}
}
