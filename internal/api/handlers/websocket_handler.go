package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/jobs"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/logger"
)

// WebSocketHandler streams detection-job progress to the reader UI, which
// keeps a socket open instead of polling while a scan runs.
type WebSocketHandler struct {
	manager *jobs.Manager
}

func NewWebSocketHandler(manager *jobs.Manager) *WebSocketHandler {
	return &WebSocketHandler{manager: manager}
}

func (h *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	jobID := c.Params("id")

	logger.Info("Progress stream opened", zap.String("job_id", jobID))

	defer func() {
		c.Close()
		logger.Info("Progress stream closed", zap.String("job_id", jobID))
	}()

	updates, cancel := h.manager.Subscribe(jobID)
	defer cancel()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	// Subscription only carries updates from now on; send the current
	// snapshot first so late joiners are not stuck at 0%.
	if job, err := h.manager.Get(ctx, jobID); err == nil {
		if err := h.sendProgress(c, job.Progress); err != nil {
			return
		}
		if job.Status.Terminal() {
			h.sendTerminal(c, job)
			return
		}
	}

	for progress := range updates {
		if err := h.sendProgress(c, progress); err != nil {
			logger.Warn("Failed to push progress", zap.String("job_id", jobID), zap.Error(err))
			return
		}
	}

	// Channel closed: job is terminal, report the final state.
	if job, err := h.manager.Get(ctx, jobID); err == nil {
		h.sendTerminal(c, job)
	}
}

func (h *WebSocketHandler) sendProgress(c *websocket.Conn, progress models.Progress) error {
	return c.WriteJSON(map[string]interface{}{
		"type":    "progress",
		"percent": progress.Percent,
		"stage":   progress.Stage,
		"detail":  progress.Detail,
	})
}

func (h *WebSocketHandler) sendTerminal(c *websocket.Conn, job *models.DetectionJob) {
	msg := map[string]interface{}{
		"type":             "done",
		"status":           job.Status,
		"connection_count": job.ConnectionCount,
	}
	if len(job.EngineErrors) > 0 {
		msg["engine_errors"] = job.EngineErrors
	}
	if job.Error != "" {
		msg["error"] = job.Error
	}

	if err := c.WriteJSON(msg); err != nil {
		logger.Warn("Failed to push terminal state", zap.Error(err))
	}
}
