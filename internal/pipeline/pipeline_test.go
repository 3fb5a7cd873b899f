package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lessonforge/transcriber/internal/storage"
	"github.com/lessonforge/transcriber/internal/transcription"
	"github.com/lessonforge/transcriber/internal/types"
)

// fakeOracle returns queued errors first, then a fixed result.
type fakeOracle struct {
	calls  int
	errs   []error
	result *types.TranscriptionResult
}

func (o *fakeOracle) Transcribe(ctx context.Context, audioPath string, preset transcription.PresetConfig) (*types.TranscriptionResult, error) {
	o.calls++
	if len(o.errs) > 0 {
		err := o.errs[0]
		o.errs = o.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if o.result != nil {
		return o.result, nil
	}
	return &types.TranscriptionResult{
		Text:     "one two three",
		Language: "en",
		Duration: 60,
		Segments: []types.Segment{
			{Start: 0, End: 10, Text: "one two"},
			{Start: 30, End: 40, Text: "three"},
		},
		WordCount: 3,
	}, nil
}

type testEnv struct {
	store     *storage.JobStore
	artifacts *storage.ArtifactStore
	oracle    *fakeOracle
	pipe      *Pipeline
}

// newTestEnv wires a pipeline over temp storage with a fake oracle and
// a fake ffmpeg step that derives the audio bytes from the video bytes.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.NewJobStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	artifacts := storage.NewArtifactStore(storage.NewLayout(t.TempDir()))
	oracle := &fakeOracle{}

	pipe := New(store, artifacts, oracle, nil, Config{
		Runner: RunnerConfig{
			MaxAttempts:  3,
			Backoff:      0,
			StageTimeout: time.Second,
		},
		LeaseFor: time.Minute,
	})
	pipe.extract = func(ctx context.Context, videoPath, audioPath string) error {
		data, err := os.ReadFile(videoPath)
		if err != nil {
			return fmt.Errorf("%w: %v", transcription.ErrBadMedia, err)
		}
		return os.WriteFile(audioPath, append([]byte("wav:"), data...), 0644)
	}

	return &testEnv{store: store, artifacts: artifacts, oracle: oracle, pipe: pipe}
}

// uploadVideo stores a fake source video for the segment.
func (env *testEnv) uploadVideo(t *testing.T, ref types.SegmentRef) {
	t.Helper()
	if _, err := env.artifacts.Write(ref, types.ArtifactVideo, []byte("mp4-bytes")); err != nil {
		t.Fatalf("upload video: %v", err)
	}
}

// submitAndRun submits a job for ref and runs it the way a worker
// would: claim under a lease, then execute the stage sequence.
func (env *testEnv) submitAndRun(t *testing.T, ref types.SegmentRef) (*types.Job, error) {
	t.Helper()

	jobID, err := env.pipe.Submit(ref, "balanced")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := env.store.Claim(time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("claimed %+v, want job %s", job, jobID)
	}
	return job, env.pipe.Run(context.Background(), job)
}

// TestPipelineFullRun drives one job through every stage and checks all
// derived artifacts exist with the expected content.
func TestPipelineFullRun(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 1, SegmentID: 42}
	env.uploadVideo(t, ref)

	job, err := env.submitAndRun(t, ref)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	final, err := env.store.GetJob(job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != types.StatusSucceeded {
		t.Fatalf("status = %s (%s), want succeeded", final.Status, final.LastError)
	}

	audio, err := env.artifacts.Read(ref, types.ArtifactAudio)
	if err != nil {
		t.Fatalf("audio: %v", err)
	}
	if string(audio) != "wav:mp4-bytes" {
		t.Errorf("audio = %q", audio)
	}

	text, err := env.artifacts.Read(ref, types.ArtifactTranscriptText)
	if err != nil {
		t.Fatalf("transcript text: %v", err)
	}
	if string(text) != "one two three" {
		t.Errorf("transcript = %q", text)
	}

	for _, kind := range []types.ArtifactKind{types.ArtifactTranscriptSRT, types.ArtifactTranscriptJSON} {
		if _, err := env.artifacts.Read(ref, kind); err != nil {
			t.Errorf("%s: %v", kind, err)
		}
	}
}

// TestPipelineIdempotentRerun runs the pipeline twice for the same
// segment and verifies exactly one copy of each artifact remains, byte
// identical to the first run's output.
func TestPipelineIdempotentRerun(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 1, SegmentID: 7}
	env.uploadVideo(t, ref)

	if _, err := env.submitAndRun(t, ref); err != nil {
		t.Fatalf("first run: %v", err)
	}

	firstRun := map[types.ArtifactKind][]byte{}
	for _, kind := range types.DerivedArtifactKinds {
		data, err := env.artifacts.Read(ref, kind)
		if err != nil {
			t.Fatalf("read %s: %v", kind, err)
		}
		firstRun[kind] = data
	}

	if _, err := env.submitAndRun(t, ref); err != nil {
		t.Fatalf("second run: %v", err)
	}

	for _, kind := range types.DerivedArtifactKinds {
		data, err := env.artifacts.Read(ref, kind)
		if err != nil {
			t.Fatalf("re-read %s: %v", kind, err)
		}
		if !bytes.Equal(data, firstRun[kind]) {
			t.Errorf("%s changed between identical runs", kind)
		}
	}

	// One file per artifact slot, nothing orphaned.
	entries, err := os.ReadDir(env.artifacts.Layout().SegmentDir(ref))
	if err != nil {
		t.Fatalf("read segment dir: %v", err)
	}
	if len(entries) != len(types.AllArtifactKinds) {
		t.Errorf("segment dir has %d files, want %d", len(entries), len(types.AllArtifactKinds))
	}
}

// TestSubmitDuplicateReturnsExisting pins the duplicate-submission
// policy: while a job for the segment is active, a second submit
// returns the first job's ID instead of creating another.
func TestSubmitDuplicateReturnsExisting(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 2, SegmentID: 3}
	env.uploadVideo(t, ref)

	first, err := env.pipe.Submit(ref, "balanced")
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := env.pipe.Submit(ref, "balanced")
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first != second {
		t.Errorf("second submit created job %s, want existing %s", second, first)
	}
}

// TestSubmitConcurrentDuplicates races many submissions for one
// segment and verifies they all resolve to a single active job.
func TestSubmitConcurrentDuplicates(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 2, SegmentID: 9}
	env.uploadVideo(t, ref)

	const n = 32
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := env.pipe.Submit(ref, "balanced")
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("submit %d got job %s, submit 0 got %s; want one job", i, ids[i], ids[0])
		}
	}

	jobs, err := env.store.ListJobs(n * 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	active := 0
	for _, job := range jobs {
		if job.Segment == ref && !job.Status.Terminal() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("%d active jobs for the segment, want exactly 1", active)
	}
}

// TestSubmitValidation covers preset and source-video validation at the
// submission boundary.
func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 4, SegmentID: 4}

	if _, err := env.pipe.Submit(ref, "ultra"); !errors.Is(err, transcription.ErrInvalidPreset) {
		t.Errorf("bad preset error = %v, want ErrInvalidPreset", err)
	}
	if _, err := env.pipe.Submit(ref, "balanced"); !errors.Is(err, ErrSourceVideoMissing) {
		t.Errorf("missing video error = %v, want ErrSourceVideoMissing", err)
	}
}

// TestTransientFailuresExhaustBudget checks that three consecutive
// oracle timeouts with a budget of three attempts leave the job
// terminally failed with the transient kind and attempt_count 3.
func TestTransientFailuresExhaustBudget(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 1, SegmentID: 8}
	env.uploadVideo(t, ref)
	env.oracle.errs = []error{
		transcription.ErrOracleTimeout,
		transcription.ErrOracleTimeout,
		transcription.ErrOracleTimeout,
	}

	_, err := env.submitAndRun(t, ref)
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error = %v, want StageError", err)
	}
	if stageErr.Stage != types.StageTranscribe || stageErr.Kind != types.FailureTransient {
		t.Errorf("stage error = %+v", stageErr)
	}

	job, err := env.store.GetJob(stageErrJobID(t, env))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != types.StatusFailed {
		t.Errorf("status = %s, want failed", job.Status)
	}
	if job.FailureKind != types.FailureTransient {
		t.Errorf("failure kind = %s, want transient", job.FailureKind)
	}
	if job.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", job.AttemptCount)
	}
	if job.Stage != types.StageTranscribe {
		t.Errorf("stage = %s, want transcribe", job.Stage)
	}
	if env.oracle.calls != 3 {
		t.Errorf("oracle calls = %d, want 3", env.oracle.calls)
	}
}

// stageErrJobID returns the single job in the store.
func stageErrJobID(t *testing.T, env *testEnv) string {
	t.Helper()
	jobs, err := env.store.ListJobs(10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("jobs = %v (err %v), want exactly 1", jobs, err)
	}
	return jobs[0].ID
}

// TestTransientThenSuccess checks a transient failure is retried
// internally and never surfaces once a later attempt succeeds.
func TestTransientThenSuccess(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 1, SegmentID: 9}
	env.uploadVideo(t, ref)
	env.oracle.errs = []error{transcription.ErrOracleTimeout}

	_, err := env.submitAndRun(t, ref)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if env.oracle.calls != 2 {
		t.Errorf("oracle calls = %d, want 2", env.oracle.calls)
	}

	job, err := env.store.GetJob(stageErrJobID(t, env))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != types.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", job.Status)
	}
}

// TestTerminalFailureSkipsRetry checks rejected media fails immediately
// without consuming the retry budget, and the transcribe stage never
// starts.
func TestTerminalFailureSkipsRetry(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 1, SegmentID: 10}
	env.uploadVideo(t, ref)
	env.pipe.extract = func(ctx context.Context, videoPath, audioPath string) error {
		return fmt.Errorf("%w: garbled container", transcription.ErrBadMedia)
	}

	_, err := env.submitAndRun(t, ref)
	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("error = %v, want StageError", err)
	}
	if stageErr.Kind != types.FailureTerminal {
		t.Errorf("kind = %s, want terminal", stageErr.Kind)
	}

	job, err := env.store.GetJob(stageErrJobID(t, env))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if job.Status != types.StatusFailed || job.FailureKind != types.FailureTerminal {
		t.Errorf("job = %s/%s, want failed/terminal", job.Status, job.FailureKind)
	}
	if job.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", job.AttemptCount)
	}
	if env.oracle.calls != 0 {
		t.Errorf("oracle called %d times after extract failed", env.oracle.calls)
	}
}

// TestResumeSkipsSucceededStages verifies a recovered job resumes from
// its failed stage instead of restarting: a stage already bracketed as
// succeeded is not executed again.
func TestResumeSkipsSucceededStages(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 6, SegmentID: 1}
	env.uploadVideo(t, ref)

	jobID, err := env.pipe.Submit(ref, "balanced")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Pretend a previous worker completed extract-audio before dying.
	if err := env.store.RecordStageEvent(jobID, types.StageExtractAudio, storage.StageEventSucceeded, 1, ""); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if _, err := env.artifacts.Write(ref, types.ArtifactAudio, []byte("wav:recovered")); err != nil {
		t.Fatalf("seed audio: %v", err)
	}
	env.pipe.extract = func(ctx context.Context, videoPath, audioPath string) error {
		t.Error("extract ran again for an already-succeeded stage")
		return nil
	}

	job, err := env.store.Claim(time.Minute)
	if err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	if err := env.pipe.Run(context.Background(), job); err != nil {
		t.Fatalf("resume run: %v", err)
	}

	final, err := env.store.GetJob(jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != types.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", final.Status)
	}
}

// TestDeleteSegmentRejectedWhileActive verifies cascade delete refuses
// to race an active job.
func TestDeleteSegmentRejectedWhileActive(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 3, SegmentID: 3}
	env.uploadVideo(t, ref)

	if _, err := env.pipe.Submit(ref, "fast"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := env.pipe.DeleteSegment(ref); !errors.Is(err, ErrSegmentBusy) {
		t.Errorf("delete error = %v, want ErrSegmentBusy", err)
	}
}

// TestDeleteSegmentCascades verifies a completed segment's artifacts
// are all removed.
func TestDeleteSegmentCascades(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 3, SegmentID: 4}
	env.uploadVideo(t, ref)

	if _, err := env.submitAndRun(t, ref); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := env.pipe.DeleteSegment(ref); err != nil {
		t.Fatalf("delete: %v", err)
	}

	for _, kind := range types.AllArtifactKinds {
		if _, err := env.pipe.Artifact(ref, kind); !errors.Is(err, storage.ErrArtifactNotFound) {
			t.Errorf("%s: error = %v, want ErrArtifactNotFound after delete", kind, err)
		}
	}
}

// TestPatternFromStoredTranscript verifies on-demand classification
// from the transcript artifact.
func TestPatternFromStoredTranscript(t *testing.T) {
	env := newTestEnv(t)
	ref := types.SegmentRef{CourseID: 5, SegmentID: 2}
	env.uploadVideo(t, ref)

	if _, err := env.pipe.Pattern(ref); !errors.Is(err, storage.ErrArtifactNotFound) {
		t.Fatalf("pattern before run: %v, want ErrArtifactNotFound", err)
	}

	if _, err := env.submitAndRun(t, ref); err != nil {
		t.Fatalf("run: %v", err)
	}

	result, err := env.pipe.Pattern(ref)
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	// 20s of speech in a 60s recording: mostly non-speech.
	if result.PatternType != "demonstration" {
		t.Errorf("pattern = %s, want demonstration", result.PatternType)
	}
	if result.Evidence["speech_ratio"] == 0 {
		t.Error("missing speech_ratio evidence")
	}
}
