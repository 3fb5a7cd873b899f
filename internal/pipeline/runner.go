package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lessonforge/transcriber/internal/storage"
	"github.com/lessonforge/transcriber/internal/types"
)

// StageFunc is the body of one pipeline stage.
type StageFunc func(ctx context.Context) error

// RunnerConfig bounds stage execution and retries.
type RunnerConfig struct {
	// MaxAttempts is the retry budget per stage for transient failures.
	MaxAttempts int
	// Backoff is the linear backoff unit: attempt n waits n*Backoff.
	Backoff time.Duration
	// StageTimeout bounds one attempt of a stage body, including the
	// oracle call. Overruns are treated as transient failures.
	StageTimeout time.Duration
}

// Runner executes one named stage of a job idempotently, bracketing the
// body with started/finished records. The bracketing is the crash-
// recovery mechanism: a "started" record with no finish marks an
// abandoned attempt to resume from the same stage.
type Runner struct {
	store *storage.JobStore
	cfg   RunnerConfig
	sleep func(time.Duration)
}

// NewRunner creates a stage runner over the job store.
func NewRunner(store *storage.JobStore, cfg RunnerConfig) *Runner {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 300 * time.Second
	}
	return &Runner{
		store: store,
		cfg:   cfg,
		sleep: time.Sleep,
	}
}

// RunStage executes stage for job. Preconditions: the prior stage, if
// any, must have succeeded, else ErrOutOfOrderStage. A stage that
// already succeeded for this job is skipped, which makes resuming a
// recovered job idempotent. Transient failures are retried internally
// with linear backoff and never surface until the budget is exhausted.
func (r *Runner) RunStage(ctx context.Context, job *types.Job, stage types.Stage, body StageFunc) error {
	if !stage.Valid() {
		return fmt.Errorf("%w: unknown stage %q", ErrOutOfOrderStage, stage)
	}

	if prior, ok := stage.Prior(); ok {
		done, err := r.store.StageSucceeded(job.ID, prior)
		if err != nil {
			return err
		}
		if !done {
			return fmt.Errorf("%w: %s before %s succeeded", ErrOutOfOrderStage, stage, prior)
		}
	}

	done, err := r.store.StageSucceeded(job.ID, stage)
	if err != nil {
		return err
	}
	if done {
		log.Printf("Job %s: stage %s already succeeded, skipping", job.ID, stage)
		return nil
	}

	job.Stage = stage
	for {
		if cancelled, err := r.store.CancelRequested(job.ID); err != nil {
			return err
		} else if cancelled {
			if err := r.store.MarkTerminal(job, types.StatusCancelled, types.FailureCancelled, ""); err != nil {
				return err
			}
			return ErrCancelled
		}

		job.AttemptCount++
		job.Status = types.StatusRunning
		if err := r.store.UpdateProgress(job); err != nil {
			return err
		}
		if err := r.store.RecordStageEvent(job.ID, stage, storage.StageEventStarted, job.AttemptCount, ""); err != nil {
			return err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.StageTimeout)
		bodyErr := body(attemptCtx)
		cancel()

		if bodyErr == nil {
			if err := r.store.RecordStageEvent(job.ID, stage, storage.StageEventSucceeded, job.AttemptCount, ""); err != nil {
				return err
			}
			// Attempt budget is per stage.
			job.AttemptCount = 0
			job.FailureKind = types.FailureNone
			job.LastError = ""
			return r.store.UpdateProgress(job)
		}

		kind := classifyFailure(bodyErr)
		if recErr := r.store.RecordStageEvent(job.ID, stage, storage.StageEventFailed, job.AttemptCount, bodyErr.Error()); recErr != nil {
			return recErr
		}

		stageErr := &StageError{Stage: stage, Kind: kind, Err: bodyErr}

		if kind == types.FailureTerminal {
			log.Printf("Job %s: stage %s terminal failure: %v", job.ID, stage, bodyErr)
			if err := r.store.MarkTerminal(job, types.StatusFailed, kind, bodyErr.Error()); err != nil {
				return err
			}
			return stageErr
		}

		if job.AttemptCount >= r.cfg.MaxAttempts {
			log.Printf("Job %s: stage %s failed after %d attempts: %v", job.ID, stage, job.AttemptCount, bodyErr)
			if err := r.store.MarkTerminal(job, types.StatusFailed, kind, bodyErr.Error()); err != nil {
				return err
			}
			return stageErr
		}

		if ctx.Err() != nil {
			// The worker itself is shutting down; leave the job
			// leased so the reaper re-queues it.
			return ctx.Err()
		}

		job.Status = types.StatusRetrying
		job.FailureKind = kind
		job.LastError = bodyErr.Error()
		if err := r.store.UpdateProgress(job); err != nil {
			return err
		}

		wait := time.Duration(job.AttemptCount) * r.cfg.Backoff
		log.Printf("Job %s: stage %s attempt %d failed (%v), retrying in %s",
			job.ID, stage, job.AttemptCount, bodyErr, wait)
		r.sleep(wait)
	}
}
