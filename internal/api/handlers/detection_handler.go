package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rhizome/backend/internal/detection"
	"github.com/rhizome/backend/internal/jobs"
	"github.com/rhizome/backend/internal/storage/models"
	"github.com/rhizome/backend/pkg/logger"
)

type DetectionHandler struct {
	manager  *jobs.Manager
	registry *detection.Registry
}

func NewDetectionHandler(manager *jobs.Manager, registry *detection.Registry) *DetectionHandler {
	return &DetectionHandler{
		manager:  manager,
		registry: registry,
	}
}

func (h *DetectionHandler) SubmitJob(c *fiber.Ctx) error {
	var req struct {
		DocumentID     string   `json:"document_id"`
		ChunkIDs       []string `json:"chunk_ids"`
		Trigger        string   `json:"trigger"`
		EnabledEngines []string `json:"enabled_engines"`
		ForceAll       bool     `json:"force_all"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.DocumentID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "document_id is required",
		})
	}
	if req.Trigger == "" {
		req.Trigger = string(models.TriggerBatch)
	}

	job, err := h.manager.Submit(c.Context(), jobs.SubmitRequest{
		DocumentID:     req.DocumentID,
		ChunkIDs:       req.ChunkIDs,
		Trigger:        models.JobTrigger(req.Trigger),
		EnabledEngines: req.EnabledEngines,
		ForceAll:       req.ForceAll,
	})
	if err != nil {
		var dup *detection.DuplicateJobError
		switch {
		case errors.As(err, &dup):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":           "An overlapping detection job is already running",
				"existing_job_id": dup.ExistingJobID,
			})
		case errors.Is(err, detection.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": err.Error(),
			})
		case errors.Is(err, detection.ErrInvalidInput):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}

		logger.Error("Failed to submit detection job", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to submit detection job",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": job.ID,
		"status": job.Status,
		"chunks": len(job.ChunkIDs),
	})
}

func (h *DetectionHandler) GetJob(c *fiber.Ctx) error {
	jobID := c.Params("id")

	job, err := h.manager.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, detection.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Job not found",
			})
		}
		logger.Error("Failed to get job", zap.String("job_id", jobID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get job",
		})
	}

	return c.JSON(jobResponse(job))
}

func (h *DetectionHandler) GetDetectionStats(c *fiber.Ctx) error {
	documentID := c.Params("id")

	stats, err := h.manager.Stats(c.Context(), documentID)
	if err != nil {
		logger.Error("Failed to get detection stats",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get detection stats",
		})
	}

	return c.JSON(fiber.Map{
		"total":      stats.Total,
		"detected":   stats.Detected,
		"undetected": stats.Undetected,
		"percentage": stats.Percentage,
	})
}

func (h *DetectionHandler) ListEngines(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"engines": h.registry.Names(),
	})
}

func jobResponse(job *models.DetectionJob) fiber.Map {
	resp := fiber.Map{
		"job_id":      job.ID,
		"document_id": job.DocumentID,
		"trigger":     job.Trigger,
		"status":      job.Status,
		"progress": fiber.Map{
			"percent": job.Progress.Percent,
			"stage":   job.Progress.Stage,
			"detail":  job.Progress.Detail,
		},
		"enabled_engines":  job.EnabledEngines,
		"connection_count": job.ConnectionCount,
		"created_at":       job.CreatedAt.Unix(),
	}
	if len(job.EngineErrors) > 0 {
		resp["engine_errors"] = job.EngineErrors
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	if job.CompletedAt != nil {
		resp["completed_at"] = job.CompletedAt.Unix()
	}
	return resp
}
