package handlers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/lessonforge/transcriber/internal/pipeline"
	"github.com/lessonforge/transcriber/internal/storage"
	"github.com/lessonforge/transcriber/internal/transcription"
	"github.com/lessonforge/transcriber/internal/types"
)

// SegmentsHandler exposes segment video upload, artifact retrieval,
// pattern classification, and cascading deletion.
type SegmentsHandler struct {
	pipe      *pipeline.Pipeline
	artifacts *storage.ArtifactStore
	maxSizeMB int
}

// NewSegmentsHandler creates the segments handler.
func NewSegmentsHandler(pipe *pipeline.Pipeline, artifacts *storage.ArtifactStore, maxSizeMB int) *SegmentsHandler {
	return &SegmentsHandler{
		pipe:      pipe,
		artifacts: artifacts,
		maxSizeMB: maxSizeMB,
	}
}

// segmentRef parses the course/segment route params.
func segmentRef(c *fiber.Ctx) (types.SegmentRef, error) {
	courseID, err := strconv.ParseInt(c.Params("course"), 10, 64)
	if err != nil || courseID <= 0 {
		return types.SegmentRef{}, fmt.Errorf("invalid course id")
	}
	segmentID, err := strconv.ParseInt(c.Params("segment"), 10, 64)
	if err != nil || segmentID <= 0 {
		return types.SegmentRef{}, fmt.Errorf("invalid segment id")
	}
	return types.SegmentRef{CourseID: courseID, SegmentID: segmentID}, nil
}

// UploadVideo stores the segment's source video at its canonical path,
// replacing any previous upload for the segment.
func (h *SegmentsHandler) UploadVideo(c *fiber.Ctx) error {
	ref, err := segmentRef(c)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_BAD_SEGMENT",
		})
	}

	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": "No file uploaded",
			"code":  "ERR_NO_FILE",
		})
	}

	maxSize := int64(h.maxSizeMB) * 1024 * 1024
	if file.Size > maxSize {
		return c.Status(400).JSON(fiber.Map{
			"error": fmt.Sprintf("File too large (max %dMB)", h.maxSizeMB),
			"code":  "ERR_FILE_TOO_LARGE",
		})
	}

	if !transcription.ValidAudioExtension(file.Filename) {
		return c.Status(400).JSON(fiber.Map{
			"error": "Unsupported media format",
			"code":  "ERR_INVALID_FORMAT",
		})
	}

	videoPath, err := h.artifacts.Path(ref, types.ArtifactVideo)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_SAVE_FAILED",
		})
	}
	if err := os.MkdirAll(filepath.Dir(videoPath), 0755); err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to create segment directory",
			"code":  "ERR_SAVE_FAILED",
		})
	}
	if err := c.SaveFile(file, videoPath); err != nil {
		return c.Status(500).JSON(fiber.Map{
			"error": "Failed to save file",
			"code":  "ERR_SAVE_FAILED",
		})
	}

	return c.JSON(fiber.Map{
		"course_id":  ref.CourseID,
		"segment_id": ref.SegmentID,
		"message":    "Source video stored",
	})
}

// artifactContentTypes maps artifact kinds to response content types.
var artifactContentTypes = map[types.ArtifactKind]string{
	types.ArtifactVideo:          "video/mp4",
	types.ArtifactAudio:          "audio/wav",
	types.ArtifactTranscriptText: "text/plain; charset=utf-8",
	types.ArtifactTranscriptSRT:  "application/x-subrip",
	types.ArtifactTranscriptJSON: "application/json",
}

// GetArtifact returns the current content of one artifact, or 404 when
// the stage producing it hasn't completed.
func (h *SegmentsHandler) GetArtifact(c *fiber.Ctx) error {
	ref, err := segmentRef(c)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_BAD_SEGMENT",
		})
	}

	kind := types.ArtifactKind(c.Params("kind"))
	data, err := h.artifacts.Read(ref, kind)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidArtifactKind):
			return c.Status(400).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "ERR_INVALID_ARTIFACT_KIND",
			})
		case errors.Is(err, storage.ErrArtifactNotFound):
			return c.Status(404).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "ERR_ARTIFACT_NOT_FOUND",
			})
		default:
			return c.Status(500).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "ERR_READ_FAILED",
			})
		}
	}

	c.Set("Content-Type", artifactContentTypes[kind])
	return c.Send(data)
}

// Pattern classifies the segment's teaching pattern from its stored
// transcript, recomputed on demand.
func (h *SegmentsHandler) Pattern(c *fiber.Ctx) error {
	ref, err := segmentRef(c)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_BAD_SEGMENT",
		})
	}

	result, err := h.pipe.Pattern(ref)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactNotFound) {
			return c.Status(404).JSON(fiber.Map{
				"error": "Transcript not available yet",
				"code":  "ERR_ARTIFACT_NOT_FOUND",
			})
		}
		return c.Status(500).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_CLASSIFY_FAILED",
		})
	}
	return c.JSON(result)
}

// Delete removes the segment's source video and every derived
// artifact.
func (h *SegmentsHandler) Delete(c *fiber.Ctx) error {
	ref, err := segmentRef(c)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_BAD_SEGMENT",
		})
	}

	if err := h.pipe.DeleteSegment(ref); err != nil {
		if errors.Is(err, pipeline.ErrSegmentBusy) {
			return c.Status(409).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "ERR_SEGMENT_BUSY",
			})
		}
		return c.Status(500).JSON(fiber.Map{
			"error": err.Error(),
			"code":  "ERR_DELETE_FAILED",
		})
	}

	return c.JSON(fiber.Map{
		"course_id":  ref.CourseID,
		"segment_id": ref.SegmentID,
		"message":    "Segment artifacts deleted",
	})
}
