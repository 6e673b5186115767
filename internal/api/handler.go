package api

import (
	"github.com/gin-gonic/gin"

	"github.com/deepchecks/monitoring-oss/internal/storage"
)

// Handler handles HTTP requests of the task producer surface
type Handler struct {
	store storage.Store
}

// NewHandler creates a new API handler
func NewHandler(store storage.Store) *Handler {
	return &Handler{
		store: store,
	}
}

// RegisterRoutes registers the producer routes on the given router
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/tasks", h.CreateTask)
	r.GET("/tasks/:id", h.GetTask)
}
