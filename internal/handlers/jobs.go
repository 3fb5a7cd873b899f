package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/lessonforge/transcriber/internal/pipeline"
	"github.com/lessonforge/transcriber/internal/storage"
	"github.com/lessonforge/transcriber/internal/transcription"
	"github.com/lessonforge/transcriber/internal/types"
)

// JobsHandler exposes job submission, status and cancellation.
type JobsHandler struct {
	pipe *pipeline.Pipeline
}

// NewJobsHandler creates the jobs handler.
func NewJobsHandler(pipe *pipeline.Pipeline) *JobsHandler {
	return &JobsHandler{pipe: pipe}
}

type submitRequest struct {
	CourseID  int64  `json:"course_id"`
	SegmentID int64  `json:"segment_id"`
	Preset    string `json:"preset"`
}

// Submit enqueues a processing job for a segment. Re-submitting while
// a job for the same segment is active returns the active job's ID.
func (h *JobsHandler) Submit(c *fiber.Ctx) error {
	var req submitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "Invalid request body",
			"code":  "ERR_BAD_REQUEST",
		})
	}
	if req.CourseID <= 0 || req.SegmentID <= 0 {
		return c.Status(400).JSON(fiber.Map{
			"error": "course_id and segment_id are required",
			"code":  "ERR_BAD_SEGMENT",
		})
	}

	ref := types.SegmentRef{CourseID: req.CourseID, SegmentID: req.SegmentID}
	jobID, err := h.pipe.Submit(ref, req.Preset)
	if err != nil {
		switch {
		case errors.Is(err, transcription.ErrInvalidPreset):
			return c.Status(400).JSON(fiber.Map{
				"error":   err.Error(),
				"code":    "ERR_INVALID_PRESET",
				"presets": transcription.PresetNames(),
			})
		case errors.Is(err, pipeline.ErrSourceVideoMissing):
			return c.Status(404).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "ERR_NO_SOURCE_VIDEO",
			})
		default:
			return c.Status(500).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "ERR_SUBMIT_FAILED",
			})
		}
	}

	return c.JSON(fiber.Map{
		"job_id": jobID,
		"status": "queued",
	})
}

// Status reports a job's stage, status, attempt count and last error.
func (h *JobsHandler) Status(c *fiber.Ctx) error {
	job, err := h.pipe.Status(c.Params("id"))
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return c.Status(404).JSON(fiber.Map{
				"error": "Job not found",
				"code":  "ERR_JOB_NOT_FOUND",
			})
		}
		return c.Status(500).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_STATUS_FAILED",
		})
	}

	resp := fiber.Map{
		"job_id":        job.ID,
		"course_id":     job.Segment.CourseID,
		"segment_id":    job.Segment.SegmentID,
		"preset":        job.Preset,
		"stage":         job.Stage,
		"status":        job.Status,
		"attempt_count": job.AttemptCount,
	}
	if job.LastError != "" {
		resp["last_error"] = job.LastError
	}
	if job.FailureKind != types.FailureNone {
		resp["failure_kind"] = job.FailureKind
	}
	return c.JSON(resp)
}

// Cancel requests cooperative cancellation of a job.
func (h *JobsHandler) Cancel(c *fiber.Ctx) error {
	if err := h.pipe.Cancel(c.Params("id")); err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return c.Status(404).JSON(fiber.Map{
				"error": "Job not found",
				"code":  "ERR_JOB_NOT_FOUND",
			})
		}
		return c.Status(500).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_CANCEL_FAILED",
		})
	}
	return c.JSON(fiber.Map{
		"job_id": c.Params("id"),
		"status": "cancel_requested",
	})
}
