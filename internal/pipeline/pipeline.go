package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/lessonforge/transcriber/internal/analysis"
	"github.com/lessonforge/transcriber/internal/storage"
	"github.com/lessonforge/transcriber/internal/transcription"
	"github.com/lessonforge/transcriber/internal/types"
)

// Mirror copies finished transcripts to remote storage, best effort.
type Mirror interface {
	Upload(name string, content []byte) (string, error)
}

// Config tunes pipeline behavior.
type Config struct {
	Runner RunnerConfig
	// DeleteRetries bounds re-attempts of a partially failed
	// cascading delete before surfacing the error.
	DeleteRetries int
	// LeaseFor is how long a worker's claim on a job stays valid;
	// extended at each stage boundary.
	LeaseFor time.Duration
}

// Pipeline orchestrates the ordered stage sequence for segment
// processing jobs: extract-audio, transcribe, postprocess.
type Pipeline struct {
	store     *storage.JobStore
	artifacts *storage.ArtifactStore
	oracle    transcription.Oracle
	runner    *Runner
	mirror    Mirror
	cfg       Config
	notify    func()

	// extract abstracts the ffmpeg invocation for testability.
	extract func(ctx context.Context, videoPath, audioPath string) error
}

// New creates a pipeline. mirror may be nil when no remote mirror is
// configured.
func New(store *storage.JobStore, artifacts *storage.ArtifactStore, oracle transcription.Oracle, mirror Mirror, cfg Config) *Pipeline {
	if cfg.DeleteRetries < 1 {
		cfg.DeleteRetries = 3
	}
	if cfg.LeaseFor <= 0 {
		cfg.LeaseFor = 10 * time.Minute
	}
	return &Pipeline{
		store:     store,
		artifacts: artifacts,
		oracle:    oracle,
		runner:    NewRunner(store, cfg.Runner),
		mirror:    mirror,
		cfg:       cfg,
		extract:   transcription.ExtractAudio,
	}
}

// OnEnqueue registers a callback fired after each accepted submission,
// used by the worker pool as a wakeup.
func (p *Pipeline) OnEnqueue(fn func()) {
	p.notify = fn
}

// SetExtract overrides the audio extraction step. The default shells
// out to ffmpeg.
func (p *Pipeline) SetExtract(fn func(ctx context.Context, videoPath, audioPath string) error) {
	p.extract = fn
}

// Submit validates and enqueues a processing job for a segment.
// Submitting while a non-terminal job exists for the same segment
// returns that job's ID rather than creating a duplicate: submission
// is idempotent per segment.
func (p *Pipeline) Submit(ref types.SegmentRef, preset string) (string, error) {
	if _, err := transcription.ResolvePreset(preset); err != nil {
		return "", err
	}

	hasVideo, err := p.artifacts.Exists(ref, types.ArtifactVideo)
	if err != nil {
		return "", err
	}
	if !hasVideo {
		return "", fmt.Errorf("%w for segment %d/%d", ErrSourceVideoMissing, ref.CourseID, ref.SegmentID)
	}

	job := &types.Job{
		ID:      uuid.New().String(),
		Segment: ref,
		Preset:  preset,
		Stage:   types.StageExtractAudio,
		Status:  types.StatusPending,
	}
	// Find-and-insert is atomic in the store so racing submits for the
	// same segment cannot create a second active job.
	id, err := p.store.CreateJobUnlessActive(job)
	if err != nil {
		return "", err
	}
	if id != job.ID {
		log.Printf("Segment %d/%d already has active job %s, returning it", ref.CourseID, ref.SegmentID, id)
		return id, nil
	}

	log.Printf("Job %s enqueued (segment: %d/%d, preset: %s)", job.ID, ref.CourseID, ref.SegmentID, preset)
	if p.notify != nil {
		p.notify()
	}
	return job.ID, nil
}

// Status returns the job record, always carrying the stage and the
// most specific failure kind.
func (p *Pipeline) Status(jobID string) (*types.Job, error) {
	return p.store.GetJob(jobID)
}

// Cancel requests cooperative cancellation: a queued job is cancelled
// outright, a running one at its next stage boundary. In-flight oracle
// calls run to completion or timeout.
func (p *Pipeline) Cancel(jobID string) error {
	return p.store.RequestCancel(jobID)
}

// Run executes the job's remaining stages in order. Stages already
// recorded as succeeded are skipped, so a recovered job resumes where
// it left off instead of restarting from scratch.
func (p *Pipeline) Run(ctx context.Context, job *types.Job) error {
	var result *types.TranscriptionResult

	bodies := map[types.Stage]StageFunc{
		types.StageExtractAudio: func(ctx context.Context) error {
			return p.extractAudio(ctx, job.Segment)
		},
		types.StageTranscribe: func(ctx context.Context) error {
			r, err := p.transcribe(ctx, job.Segment, job.Preset)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		types.StagePostprocess: func(ctx context.Context) error {
			return p.postprocess(job.Segment, result)
		},
	}

	for _, stage := range types.StageOrder {
		cancelled, err := p.store.CancelRequested(job.ID)
		if err != nil {
			return err
		}
		if cancelled {
			log.Printf("Job %s: cancel observed at %s boundary", job.ID, stage)
			if err := p.store.MarkTerminal(job, types.StatusCancelled, types.FailureCancelled, ""); err != nil {
				return err
			}
			return ErrCancelled
		}

		if err := p.store.ExtendLease(job.ID, p.cfg.LeaseFor); err != nil {
			return err
		}

		if err := p.runner.RunStage(ctx, job, stage, bodies[stage]); err != nil {
			return err
		}
	}

	if err := p.store.MarkTerminal(job, types.StatusSucceeded, types.FailureNone, ""); err != nil {
		return err
	}
	log.Printf("Job %s completed for segment %d/%d", job.ID, job.Segment.CourseID, job.Segment.SegmentID)
	return nil
}

// extractAudio produces the audio artifact from the segment's source
// video, overwriting any previous copy at the same canonical path.
func (p *Pipeline) extractAudio(ctx context.Context, ref types.SegmentRef) error {
	videoPath, err := p.artifacts.Path(ref, types.ArtifactVideo)
	if err != nil {
		return err
	}
	audioPath, err := p.artifacts.Path(ref, types.ArtifactAudio)
	if err != nil {
		return err
	}
	return p.extract(ctx, videoPath, audioPath)
}

// transcribe calls the oracle on the audio artifact and writes the
// transcript artifacts (text, SRT, JSON) at their segment-derived
// paths.
func (p *Pipeline) transcribe(ctx context.Context, ref types.SegmentRef, preset string) (*types.TranscriptionResult, error) {
	cfg, err := transcription.ResolvePreset(preset)
	if err != nil {
		return nil, err
	}
	audioPath, err := p.artifacts.Path(ref, types.ArtifactAudio)
	if err != nil {
		return nil, err
	}

	result, err := p.oracle.Transcribe(ctx, audioPath, cfg)
	if err != nil {
		return nil, err
	}

	resultJSON, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcript: %v", err)
	}

	if _, err := p.artifacts.Write(ref, types.ArtifactTranscriptText, []byte(result.Text)); err != nil {
		return nil, err
	}
	if _, err := p.artifacts.Write(ref, types.ArtifactTranscriptSRT, []byte(transcription.FormatSRT(result.Segments))); err != nil {
		return nil, err
	}
	if _, err := p.artifacts.Write(ref, types.ArtifactTranscriptJSON, resultJSON); err != nil {
		return nil, err
	}
	return result, nil
}

// postprocess validates the stored transcript, logs its teaching
// pattern, and mirrors the transcript remotely when a mirror is
// configured. Reads the transcript artifact rather than trusting
// in-memory state so a resumed job works after a crash.
func (p *Pipeline) postprocess(ref types.SegmentRef, result *types.TranscriptionResult) error {
	if result == nil {
		data, err := p.artifacts.Read(ref, types.ArtifactTranscriptJSON)
		if err != nil {
			return err
		}
		var stored types.TranscriptionResult
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("%w: stored transcript: %v", transcription.ErrMalformedOutput, err)
		}
		result = &stored
	}

	pattern := analysis.Classify(result.Segments, result.Duration)
	log.Printf("Segment %d/%d: pattern=%s confidence=%.2f words=%d",
		ref.CourseID, ref.SegmentID, pattern.PatternType, pattern.Confidence, result.WordCount)

	if p.mirror != nil {
		name := fmt.Sprintf("course%d_segment%d_transcript.txt", ref.CourseID, ref.SegmentID)
		var url string
		var err error
		for attempt := 1; attempt <= 3; attempt++ {
			url, err = p.mirror.Upload(name, []byte(result.Text))
			if err == nil {
				log.Printf("Segment %d/%d: transcript mirrored to %s", ref.CourseID, ref.SegmentID, url)
				break
			}
			log.Printf("Mirror upload attempt %d/3 failed: %v", attempt, err)
			if attempt < 3 {
				time.Sleep(time.Duration(attempt*attempt) * time.Second)
			}
		}
		if err != nil {
			log.Printf("WARNING: mirror upload failed after 3 attempts, keeping local copy only")
		}
	}
	return nil
}

// Pattern recomputes the teaching-pattern classification from the
// stored transcript. Derived on demand, never persisted.
func (p *Pipeline) Pattern(ref types.SegmentRef) (*analysis.PatternResult, error) {
	data, err := p.artifacts.Read(ref, types.ArtifactTranscriptJSON)
	if err != nil {
		return nil, err
	}
	var result types.TranscriptionResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("%w: stored transcript: %v", transcription.ErrMalformedOutput, err)
	}
	pattern := analysis.Classify(result.Segments, result.Duration)
	return &pattern, nil
}

// DeleteSegment removes the segment's source video and every derived
// artifact. A partial failure is retried to completion rather than
// left inconsistent. Rejected while a job for the segment is active.
func (p *Pipeline) DeleteSegment(ref types.SegmentRef) error {
	if active, err := p.store.FindActiveBySegment(ref); err != nil {
		return err
	} else if active != nil {
		return fmt.Errorf("%w: job %s", ErrSegmentBusy, active.ID)
	}

	var err error
	for attempt := 1; attempt <= p.cfg.DeleteRetries; attempt++ {
		err = p.artifacts.DeleteSegment(ref)
		if err == nil {
			log.Printf("Segment %d/%d: all artifacts deleted", ref.CourseID, ref.SegmentID)
			return nil
		}
		log.Printf("Segment %d/%d: delete attempt %d incomplete: %v", ref.CourseID, ref.SegmentID, attempt, err)
	}
	return err
}

// Artifact returns the current content of one artifact of a segment.
func (p *Pipeline) Artifact(ref types.SegmentRef, kind types.ArtifactKind) ([]byte, error) {
	return p.artifacts.Read(ref, kind)
}
