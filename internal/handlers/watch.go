package handlers

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gofiber/websocket/v2"

	"github.com/lessonforge/transcriber/internal/pipeline"
)

// WatchHandler streams job status snapshots over a WebSocket until the
// job reaches a terminal state.
type WatchHandler struct {
	pipe     *pipeline.Pipeline
	interval time.Duration
}

// NewWatchHandler creates the watch handler.
func NewWatchHandler(pipe *pipeline.Pipeline) *WatchHandler {
	return &WatchHandler{
		pipe:     pipe,
		interval: time.Second,
	}
}

// Handle pushes one status snapshot per interval. The connection closes
// when the job finishes or the client goes away.
func (h *WatchHandler) Handle(c *websocket.Conn) {
	defer c.Close()

	jobID := c.Params("id")
	log.Printf("Status watch opened for job %s", jobID)

	for {
		job, err := h.pipe.Status(jobID)
		if err != nil {
			c.WriteMessage(websocket.TextMessage, []byte(`{"error":"job not found"}`))
			return
		}

		payload, err := json.Marshal(job)
		if err != nil {
			return
		}
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Printf("Status watch write failed for job %s: %v", jobID, err)
			return
		}

		if job.Status.Terminal() {
			log.Printf("Status watch closed, job %s is %s", jobID, job.Status)
			return
		}
		time.Sleep(h.interval)
	}
}
