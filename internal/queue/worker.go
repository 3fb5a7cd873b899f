package queue

import (
	"context"
	"errors"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/lessonforge/transcriber/internal/pipeline"
	"github.com/lessonforge/transcriber/internal/storage"
)

// WorkerPool runs N workers consuming jobs from the durable store.
// Workers claim jobs under a lease: a claimed job is invisible to the
// others until the lease expires or the job reaches a terminal state.
type WorkerPool struct {
	store       *storage.JobStore
	pipe        *pipeline.Pipeline
	workerCount int
	leaseFor    time.Duration
	poll        time.Duration

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorkerPool creates a pool of workerCount workers.
func NewWorkerPool(workerCount int, store *storage.JobStore, pipe *pipeline.Pipeline, leaseFor, poll time.Duration) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &WorkerPool{
		store:       store,
		pipe:        pipe,
		workerCount: workerCount,
		leaseFor:    leaseFor,
		poll:        poll,
		wake:        make(chan struct{}, 1),
	}
}

// Wake nudges an idle worker to check the queue. Non-blocking; used as
// the pipeline's enqueue notification.
func (wp *WorkerPool) Wake() {
	select {
	case wp.wake <- struct{}{}:
	default:
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	wp.cancel = cancel

	log.Printf("Starting worker pool with %d workers", wp.workerCount)
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// Stop asks the workers to finish their current job and exit.
func (wp *WorkerPool) Stop() {
	if wp.cancel != nil {
		wp.cancel()
	}
	wp.wg.Wait()
	log.Println("Worker pool stopped")
}

// worker claims and runs jobs until the pool shuts down.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()
	log.Printf("Worker %d started", id)

	ticker := time.NewTicker(wp.poll)
	defer ticker.Stop()

	for {
		job, err := wp.store.Claim(wp.leaseFor)
		if err != nil {
			log.Printf("Worker %d: claim failed: %v", id, err)
		}
		if job != nil {
			wp.runJob(ctx, id, job.ID)
			// Drain the queue before going back to sleep.
			continue
		}

		select {
		case <-ctx.Done():
			log.Printf("Worker %d exiting", id)
			return
		case <-wp.wake:
		case <-ticker.C:
		}
	}
}

// runJob executes one claimed job with panic recovery.
func (wp *WorkerPool) runJob(ctx context.Context, id int, jobID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Worker %d: PANIC processing job %s: %v\n%s", id, jobID, r, string(debug.Stack()))
			// Leave the lease in place; the reaper re-queues the
			// job once it expires.
		}
	}()

	job, err := wp.store.GetJob(jobID)
	if err != nil {
		log.Printf("Worker %d: job %s vanished: %v", id, jobID, err)
		return
	}

	log.Printf("Worker %d: processing job %s (segment %d/%d, stage %s)",
		id, job.ID, job.Segment.CourseID, job.Segment.SegmentID, job.Stage)

	if err := wp.pipe.Run(ctx, job); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrCancelled):
			log.Printf("Worker %d: job %s cancelled", id, job.ID)
		case errors.Is(err, context.Canceled):
			log.Printf("Worker %d: shutdown while running job %s, releasing it", id, job.ID)
			if relErr := wp.store.Release(job.ID); relErr != nil {
				log.Printf("Worker %d: failed to release job %s: %v", id, job.ID, relErr)
			}
		default:
			log.Printf("Worker %d: job %s failed: %v", id, job.ID, err)
		}
	}
}
