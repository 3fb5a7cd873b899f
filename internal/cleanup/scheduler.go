package cleanup

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/lessonforge/transcriber/internal/storage"
)

// Scheduler periodically recovers abandoned jobs and prunes old files
// from the temp directory.
type Scheduler struct {
	store    *storage.JobStore
	tempDir  string
	interval time.Duration
	maxAge   time.Duration
	stopChan chan struct{}
}

// NewScheduler creates the maintenance scheduler.
func NewScheduler(store *storage.JobStore, tempDir string, interval, maxAge time.Duration) *Scheduler {
	return &Scheduler{
		store:    store,
		tempDir:  tempDir,
		interval: interval,
		maxAge:   maxAge,
		stopChan: make(chan struct{}),
	}
}

// Start begins the maintenance loop. An immediate pass runs on startup
// so jobs abandoned by a crashed process resume without waiting a full
// interval.
func (s *Scheduler) Start() {
	s.runOnce()

	ticker := time.NewTicker(s.interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				s.runOnce()
			case <-s.stopChan:
				ticker.Stop()
				return
			}
		}
	}()

	log.Printf("Maintenance scheduler started (interval: %s, temp max age: %s)", s.interval, s.maxAge)
}

// Stop stops the scheduler.
func (s *Scheduler) Stop() {
	close(s.stopChan)
	log.Println("Maintenance scheduler stopped")
}

func (s *Scheduler) runOnce() {
	s.recoverAbandoned()
	s.cleanOldFiles()
}

// recoverAbandoned re-queues jobs whose worker died mid-stage. They
// resume from the stage they were in, relying on stable artifact paths
// to make re-execution an overwrite rather than a duplicate.
func (s *Scheduler) recoverAbandoned() {
	n, err := s.store.RecoverAbandoned()
	if err != nil {
		log.Printf("Failed to recover abandoned jobs: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Re-queued %d abandoned job(s) for resume", n)
	}
}

// cleanOldFiles removes files older than maxAge from the temp
// directory.
func (s *Scheduler) cleanOldFiles() {
	now := time.Now()

	var deletedCount int
	var deletedSize int64

	err := filepath.Walk(s.tempDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if info.IsDir() {
			return nil
		}

		age := now.Sub(info.ModTime())
		if age > s.maxAge {
			size := info.Size()
			if err := os.Remove(path); err != nil {
				log.Printf("Failed to delete old file %s: %v", path, err)
			} else {
				deletedCount++
				deletedSize += size
			}
		}
		return nil
	})

	if err != nil {
		log.Printf("Error during temp cleanup: %v", err)
	}

	if deletedCount > 0 {
		log.Printf("Temp cleanup: %d files deleted, %.2fMB freed",
			deletedCount, float64(deletedSize)/(1024*1024))
	}
}

// EnsureTempDirExists creates the temp directory if it doesn't exist.
func EnsureTempDirExists(tempDir string) error {
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		return err
	}
	log.Printf("Temp directory ready: %s", tempDir)
	return nil
}
