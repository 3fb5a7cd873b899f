package cleanup

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lessonforge/transcriber/internal/storage"
	"github.com/lessonforge/transcriber/internal/types"
)

// TestCleanOldFiles verifies only files past the age limit are pruned.
func TestCleanOldFiles(t *testing.T) {
	tempDir := t.TempDir()

	oldFile := filepath.Join(tempDir, "old.wav")
	newFile := filepath.Join(tempDir, "new.wav")
	for _, f := range []string{oldFile, newFile} {
		if err := os.WriteFile(f, []byte("x"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	stale := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(oldFile, stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	store := newStore(t)
	s := NewScheduler(store, tempDir, time.Hour, 24*time.Hour)
	s.runOnce()

	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Error("stale file survived cleanup")
	}
	if _, err := os.Stat(newFile); err != nil {
		t.Errorf("fresh file removed: %v", err)
	}
}

// TestRunOnceRecoversJobs verifies the maintenance pass re-queues a job
// whose worker lease expired.
func TestRunOnceRecoversJobs(t *testing.T) {
	store := newStore(t)

	job := &types.Job{
		ID:      "job-1",
		Segment: types.SegmentRef{CourseID: 1, SegmentID: 1},
		Preset:  "fast",
		Stage:   types.StageTranscribe,
		Status:  types.StatusPending,
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(-time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	s := NewScheduler(store, t.TempDir(), time.Hour, time.Hour)
	s.runOnce()

	got, err := store.GetJob("job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.StatusRetrying {
		t.Errorf("status = %s, want retrying after recovery", got.Status)
	}
}

func newStore(t *testing.T) *storage.JobStore {
	t.Helper()
	store, err := storage.NewJobStore(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
