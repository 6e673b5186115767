package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/deepchecks/monitoring-oss/internal/models"
	"github.com/deepchecks/monitoring-oss/internal/storage"
)

// CreateTask handles POST /tasks
// Schedules a new background task; the queuer promotes it once the
// worker's delay has passed.
func (h *Handler) CreateTask(c *gin.Context) {
	var req models.CreateTaskRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		slog.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	if len(req.Params) == 0 {
		req.Params = json.RawMessage("{}")
	}

	task, err := h.store.CreateTask(c.Request.Context(), req)
	if err != nil {
		slog.Error("Failed to create task", "bg_worker_task", req.BgWorkerTask, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create task",
		})
		return
	}

	slog.Info("Task created",
		"task_id", task.ID,
		"bg_worker_task", task.BgWorkerTask,
		"execute_after", task.ExecuteAfter,
	)

	c.JSON(http.StatusCreated, models.CreateTaskResponse{ID: task.ID})
}

// GetTask handles GET /tasks/:id
// Returns the pending task with the given ID. A 404 means the work was
// either acknowledged complete or never scheduled.
func (h *Handler) GetTask(c *gin.Context) {
	idParam := c.Param("id")
	taskID, err := strconv.ParseInt(idParam, 10, 64)
	if err != nil {
		slog.Warn("Invalid task ID", "id", idParam, "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid task ID",
		})
		return
	}

	task, err := h.store.GetTask(c.Request.Context(), taskID)
	if err != nil {
		if errors.Is(err, storage.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Task not found",
			})
			return
		}

		slog.Error("Failed to get task", "task_id", taskID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve task",
		})
		return
	}

	c.JSON(http.StatusOK, task)
}
