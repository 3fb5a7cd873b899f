package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lessonforge/transcriber/internal/storage"
	"github.com/lessonforge/transcriber/internal/types"
)

// claimJob submits and claims one job for runner-level tests.
func claimJob(t *testing.T, env *testEnv, ref types.SegmentRef) *types.Job {
	t.Helper()
	env.uploadVideo(t, ref)
	if _, err := env.pipe.Submit(ref, "balanced"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := env.store.Claim(time.Minute)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	return job
}

// TestRunStageOutOfOrder verifies transcribe cannot run before
// extract-audio has succeeded.
func TestRunStageOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	job := claimJob(t, env, types.SegmentRef{CourseID: 1, SegmentID: 1})

	err := env.pipe.runner.RunStage(context.Background(), job, types.StageTranscribe,
		func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrOutOfOrderStage) {
		t.Fatalf("error = %v, want ErrOutOfOrderStage", err)
	}
}

// TestRunStageUnknown verifies an unrecognized stage name is rejected.
func TestRunStageUnknown(t *testing.T) {
	env := newTestEnv(t)
	job := claimJob(t, env, types.SegmentRef{CourseID: 1, SegmentID: 2})

	err := env.pipe.runner.RunStage(context.Background(), job, types.Stage("publish"),
		func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrOutOfOrderStage) {
		t.Fatalf("error = %v, want ErrOutOfOrderStage", err)
	}
}

// TestRunStageBracketing verifies the started record is written before
// the body runs and the finish record after.
func TestRunStageBracketing(t *testing.T) {
	env := newTestEnv(t)
	job := claimJob(t, env, types.SegmentRef{CourseID: 1, SegmentID: 3})

	var sawStartRecord bool
	body := func(ctx context.Context) error {
		records, err := env.store.StageRecords(job.ID)
		if err != nil {
			return err
		}
		for _, r := range records {
			if r.Stage == types.StageExtractAudio && r.Event == storage.StageEventStarted {
				sawStartRecord = true
			}
		}
		return nil
	}

	if err := env.pipe.runner.RunStage(context.Background(), job, types.StageExtractAudio, body); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !sawStartRecord {
		t.Error("stage body ran without a started record in place")
	}

	records, err := env.store.StageRecords(job.ID)
	if err != nil {
		t.Fatalf("records: %v", err)
	}
	last := records[len(records)-1]
	if last.Event != storage.StageEventSucceeded || last.Attempt != 1 {
		t.Errorf("final record = %s attempt %d, want succeeded attempt 1", last.Event, last.Attempt)
	}
}

// TestRunStageSkipsSucceeded verifies re-running a succeeded stage is a
// no-op.
func TestRunStageSkipsSucceeded(t *testing.T) {
	env := newTestEnv(t)
	job := claimJob(t, env, types.SegmentRef{CourseID: 1, SegmentID: 4})

	runs := 0
	body := func(ctx context.Context) error { runs++; return nil }

	if err := env.pipe.runner.RunStage(context.Background(), job, types.StageExtractAudio, body); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := env.pipe.runner.RunStage(context.Background(), job, types.StageExtractAudio, body); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if runs != 1 {
		t.Errorf("body ran %d times, want 1", runs)
	}
}

// TestRunStageObservesCancel verifies a cancel flag set while a job is
// running is honored before the next attempt starts.
func TestRunStageObservesCancel(t *testing.T) {
	env := newTestEnv(t)
	job := claimJob(t, env, types.SegmentRef{CourseID: 1, SegmentID: 5})

	if err := env.store.RequestCancel(job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	err := env.pipe.runner.RunStage(context.Background(), job, types.StageExtractAudio,
		func(ctx context.Context) error {
			t.Error("stage body ran after cancellation")
			return nil
		})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("error = %v, want ErrCancelled", err)
	}

	final, err := env.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != types.StatusCancelled {
		t.Errorf("status = %s, want cancelled", final.Status)
	}
}

// TestRunStageTimeoutIsTransient verifies a body exceeding the stage
// timeout is classified transient and retried.
func TestRunStageTimeoutIsTransient(t *testing.T) {
	env := newTestEnv(t)
	env.pipe.runner.cfg.StageTimeout = 10 * time.Millisecond
	env.pipe.runner.cfg.MaxAttempts = 2
	job := claimJob(t, env, types.SegmentRef{CourseID: 1, SegmentID: 6})

	attempts := 0
	err := env.pipe.runner.RunStage(context.Background(), job, types.StageExtractAudio,
		func(ctx context.Context) error {
			attempts++
			<-ctx.Done()
			return ctx.Err()
		})

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error = %v, want StageError", err)
	}
	if stageErr.Kind != types.FailureTransient {
		t.Errorf("kind = %s, want transient", stageErr.Kind)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}
