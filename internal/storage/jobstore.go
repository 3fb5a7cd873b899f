package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lessonforge/transcriber/internal/types"
)

// ErrJobNotFound is returned when no job exists for the given ID.
var ErrJobNotFound = errors.New("job not found")

// Stage record events. A "started" row with no matching finish row is
// how an abandoned attempt is recognized after a crash.
const (
	StageEventStarted   = "started"
	StageEventSucceeded = "succeeded"
	StageEventFailed    = "failed"
)

// StageRecord is one before/after bracket entry for a stage attempt.
type StageRecord struct {
	JobID      string
	Stage      types.Stage
	Event      string
	Attempt    int
	Detail     string
	RecordedAt time.Time
}

// JobStore persists jobs and stage records in SQLite. It doubles as the
// durable queue: workers claim pending jobs under a bounded lease and
// must extend or release it explicitly.
type JobStore struct {
	db *sql.DB
}

// NewJobStore opens (creating if needed) the job database.
func NewJobStore(dbPath string) (*JobStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	// A single writer keeps lease claims simple.
	db.SetMaxOpenConns(1)

	createSQL := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		course_id INTEGER NOT NULL,
		segment_id INTEGER NOT NULL,
		preset TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		failure_kind TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		lease_expires_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_segment ON jobs(course_id, segment_id);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

	-- At most one non-terminal job per segment. The literals mirror the
	-- non-terminal Status values.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_one_active ON jobs(course_id, segment_id)
		WHERE status IN ('PENDING', 'RUNNING', 'RETRYING');

	CREATE TABLE IF NOT EXISTS stage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		event TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stage_records_job ON stage_records(job_id, stage);
	`

	if _, err := db.Exec(createSQL); err != nil {
		return nil, fmt.Errorf("failed to create tables: %v", err)
	}

	return &JobStore{db: db}, nil
}

// CreateJob inserts a new pending job.
func (js *JobStore) CreateJob(job *types.Job) error {
	query := `
	INSERT INTO jobs (job_id, course_id, segment_id, preset, stage, status, attempt_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := js.db.Exec(query, job.ID, job.Segment.CourseID, job.Segment.SegmentID,
		job.Preset, string(job.Stage), string(job.Status), now, now)
	if err != nil {
		return fmt.Errorf("failed to create job: %v", err)
	}
	return nil
}

// CreateJobUnlessActive inserts job as a new pending job unless the
// segment already has a non-terminal one, in which case nothing is
// inserted and the existing job's ID is returned. The check and the
// insert run in one transaction, and the partial unique index on
// active jobs backstops the invariant against writers on other
// connections, so concurrent submits for the same segment always
// resolve to a single job.
func (js *JobStore) CreateJobUnlessActive(job *types.Job) (string, error) {
	tx, err := js.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin submit: %v", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRow(`
	SELECT job_id FROM jobs
	WHERE course_id = ? AND segment_id = ? AND status IN (?, ?, ?)
	ORDER BY created_at LIMIT 1
	`, job.Segment.CourseID, job.Segment.SegmentID,
		string(types.StatusPending), string(types.StatusRunning), string(types.StatusRetrying)).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to find active job: %v", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
	INSERT INTO jobs (job_id, course_id, segment_id, preset, stage, status, attempt_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, job.ID, job.Segment.CourseID, job.Segment.SegmentID,
		job.Preset, string(job.Stage), string(job.Status), now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			// Lost the race to a submit on another connection.
			tx.Rollback()
			if active, findErr := js.FindActiveBySegment(job.Segment); findErr == nil && active != nil {
				return active.ID, nil
			}
		}
		return "", fmt.Errorf("failed to create job: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit submit: %v", err)
	}

	job.CreatedAt = now
	job.UpdatedAt = now
	return job.ID, nil
}

const jobColumns = `job_id, course_id, segment_id, preset, stage, status, attempt_count, failure_kind, last_error, cancel_requested, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*types.Job, bool, error) {
	var job types.Job
	var cancelRequested int
	err := row.Scan(&job.ID, &job.Segment.CourseID, &job.Segment.SegmentID,
		&job.Preset, &job.Stage, &job.Status, &job.AttemptCount,
		&job.FailureKind, &job.LastError, &cancelRequested,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, false, err
	}
	return &job, cancelRequested != 0, nil
}

// GetJob retrieves a job by ID.
func (js *JobStore) GetJob(jobID string) (*types.Job, error) {
	row := js.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, _, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %v", err)
	}
	return job, nil
}

// FindActiveBySegment returns the non-terminal job for a segment, or
// nil when none exists. At most one can be active at a time.
func (js *JobStore) FindActiveBySegment(ref types.SegmentRef) (*types.Job, error) {
	query := `
	SELECT ` + jobColumns + ` FROM jobs
	WHERE course_id = ? AND segment_id = ? AND status IN (?, ?, ?)
	ORDER BY created_at LIMIT 1
	`
	row := js.db.QueryRow(query, ref.CourseID, ref.SegmentID,
		string(types.StatusPending), string(types.StatusRunning), string(types.StatusRetrying))
	job, _, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active job: %v", err)
	}
	return job, nil
}

// Claim leases the oldest claimable job for leaseFor and marks it
// running. Returns nil when the queue is empty. A claimed job is
// invisible to other workers until the lease expires or is released.
func (js *JobStore) Claim(leaseFor time.Duration) (*types.Job, error) {
	tx, err := js.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %v", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	query := `
	SELECT ` + jobColumns + ` FROM jobs
	WHERE status IN (?, ?) AND (lease_expires_at IS NULL OR lease_expires_at < ?)
	ORDER BY created_at LIMIT 1
	`
	row := tx.QueryRow(query, string(types.StatusPending), string(types.StatusRetrying), now)
	job, _, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select claimable job: %v", err)
	}

	expires := now.Add(leaseFor)
	_, err = tx.Exec(`UPDATE jobs SET status = ?, lease_expires_at = ?, updated_at = ? WHERE job_id = ?`,
		string(types.StatusRunning), expires, now, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %v", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %v", err)
	}

	job.Status = types.StatusRunning
	job.UpdatedAt = now
	return job, nil
}

// ExtendLease pushes the lease expiry forward for a job still being
// worked on. Workers call this at stage boundaries.
func (js *JobStore) ExtendLease(jobID string, leaseFor time.Duration) error {
	now := time.Now().UTC()
	res, err := js.db.Exec(`UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE job_id = ? AND status = ?`,
		now.Add(leaseFor), now, jobID, string(types.StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to extend lease: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Release hands a claimed job back to the queue: the lease is cleared
// and a running job returns to RETRYING so another worker can claim it
// immediately instead of waiting for the lease to lapse.
func (js *JobStore) Release(jobID string) error {
	now := time.Now().UTC()
	_, err := js.db.Exec(`
	UPDATE jobs SET lease_expires_at = NULL, updated_at = ?,
		status = CASE WHEN status = ? THEN ? ELSE status END
	WHERE job_id = ?
	`, now, string(types.StatusRunning), string(types.StatusRetrying), jobID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %v", err)
	}
	return nil
}

// UpdateProgress persists the job's current stage, status, attempt
// count and error detail. Each call is one small atomic transition.
func (js *JobStore) UpdateProgress(job *types.Job) error {
	now := time.Now().UTC()
	query := `
	UPDATE jobs SET stage = ?, status = ?, attempt_count = ?, failure_kind = ?, last_error = ?, updated_at = ?
	WHERE job_id = ?
	`
	res, err := js.db.Exec(query, string(job.Stage), string(job.Status),
		job.AttemptCount, string(job.FailureKind), job.LastError, now, job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	job.UpdatedAt = now
	return nil
}

// MarkTerminal moves a job to a terminal status and clears its lease.
func (js *JobStore) MarkTerminal(job *types.Job, status types.Status, kind types.FailureKind, lastError string) error {
	now := time.Now().UTC()
	query := `
	UPDATE jobs SET status = ?, failure_kind = ?, last_error = ?, lease_expires_at = NULL, updated_at = ?
	WHERE job_id = ?
	`
	if _, err := js.db.Exec(query, string(status), string(kind), lastError, now, job.ID); err != nil {
		return fmt.Errorf("failed to finalize job: %v", err)
	}
	job.Status = status
	job.FailureKind = kind
	job.LastError = lastError
	job.UpdatedAt = now
	return nil
}

// RequestCancel flags a job for cooperative cancellation. A pending job
// is cancelled outright; a running one is cancelled at the next stage
// boundary.
func (js *JobStore) RequestCancel(jobID string) error {
	job, err := js.GetJob(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	if job.Status == types.StatusPending {
		_, err = js.db.Exec(`UPDATE jobs SET status = ?, failure_kind = ?, lease_expires_at = NULL, updated_at = ? WHERE job_id = ?`,
			string(types.StatusCancelled), string(types.FailureCancelled), now, jobID)
	} else {
		_, err = js.db.Exec(`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE job_id = ?`, now, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to request cancel: %v", err)
	}
	return nil
}

// CancelRequested reports whether cooperative cancellation was asked
// for. Checked at stage boundaries only, never mid-stage.
func (js *JobStore) CancelRequested(jobID string) (bool, error) {
	row := js.db.QueryRow(`SELECT cancel_requested FROM jobs WHERE job_id = ?`, jobID)
	var flag int
	if err := row.Scan(&flag); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %v", err)
	}
	return flag != 0, nil
}

// RecordStageEvent appends one bracket entry for a stage attempt.
func (js *JobStore) RecordStageEvent(jobID string, stage types.Stage, event string, attempt int, detail string) error {
	query := `
	INSERT INTO stage_records (job_id, stage, event, attempt, detail, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := js.db.Exec(query, jobID, string(stage), event, attempt, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record stage event: %v", err)
	}
	return nil
}

// StageSucceeded reports whether the stage has a success record for the
// job. StageRunner uses this to enforce stage ordering.
func (js *JobStore) StageSucceeded(jobID string, stage types.Stage) (bool, error) {
	row := js.db.QueryRow(
		`SELECT COUNT(*) FROM stage_records WHERE job_id = ? AND stage = ? AND event = ?`,
		jobID, string(stage), StageEventSucceeded)
	var count int
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check stage record: %v", err)
	}
	return count > 0, nil
}

// StageRecords returns all bracket entries for a job in insertion order.
func (js *JobStore) StageRecords(jobID string) ([]StageRecord, error) {
	rows, err := js.db.Query(
		`SELECT job_id, stage, event, attempt, detail, recorded_at FROM stage_records WHERE job_id = ? ORDER BY id`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage records: %v", err)
	}
	defer rows.Close()

	var records []StageRecord
	for rows.Next() {
		var r StageRecord
		if err := rows.Scan(&r.JobID, &r.Stage, &r.Event, &r.Attempt, &r.Detail, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage record: %v", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecoverAbandoned re-queues running jobs whose lease has expired: the
// worker died mid-stage, leaving a "started" record with no finish.
// Recovery resumes from the same stage, not from scratch; overwrite-in-
// place artifact paths make the re-execution safe. Returns the number
// of jobs re-queued.
func (js *JobStore) RecoverAbandoned() (int, error) {
	now := time.Now().UTC()
	res, err := js.db.Exec(`
	UPDATE jobs SET status = ?, lease_expires_at = NULL, updated_at = ?
	WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
	`, string(types.StatusRetrying), now, string(types.StatusRunning), now)
	if err != nil {
		return 0, fmt.Errorf("failed to recover abandoned jobs: %v", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListJobs returns the most recent jobs up to limit.
func (js *JobStore) ListJobs(limit int) ([]*types.Job, error) {
	rows, err := js.db.Query(
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %v", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, _, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %v", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Close closes the database connection.
func (js *JobStore) Close() error {
	return js.db.Close()
}
