package apihandlers

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"drospect/internal/services"
)

// maxWebhookBody caps the engine payload read by the webhook.
const maxWebhookBody = 1 << 20

// TaskAPI is the task service surface exposed over HTTP.
type TaskAPI interface {
	Start(ctx context.Context, projectID string, req services.StartRequest) (*services.TaskView, error)
	Get(ctx context.Context, id string) (*services.TaskView, error)
	ListByProject(ctx context.Context, projectID string) ([]*services.TaskView, error)
	Cancel(ctx context.Context, id string) (*services.TaskView, error)
	HandleWebhook(ctx context.Context, id string, body []byte) error
}

var _ TaskAPI = (*services.TaskService)(nil)

// HealthCheck reports the named dependency's health.
type HealthCheck func(ctx context.Context) error

type APIHandler struct {
	Tasks  TaskAPI
	Checks map[string]HealthCheck
}

func NewAPIHandler(tasks TaskAPI, checks map[string]HealthCheck) *APIHandler {
	return &APIHandler{Tasks: tasks, Checks: checks}
}

// Register mounts every route on r.
func (h *APIHandler) Register(r gin.IRouter) {
	v1 := r.Group("/api/v1")
	{
		projects := v1.Group("/projects/:projectId")
		projects.POST("/orthomosaic", h.StartTaskHandler)
		projects.GET("/orthomosaic", h.ListProjectTasksHandler)

		tasks := v1.Group("/orthomosaic/tasks")
		tasks.GET("/:taskId", h.GetTaskHandler)
		tasks.POST("/:taskId/cancel", h.CancelTaskHandler)
	}
	r.POST("/webhook/:taskId/end", h.WebhookHandler)
	r.GET("/health", h.HealthHandler)
}

// StartTaskHandler handles POST /api/v1/projects/:projectId/orthomosaic.
func (h *APIHandler) StartTaskHandler(c *gin.Context) {
	var req services.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}
	view, err := h.Tasks.Start(c.Request.Context(), c.Param("projectId"), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"data": view})
}

func (h *APIHandler) ListProjectTasksHandler(c *gin.Context) {
	views, err := h.Tasks.ListByProject(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": views})
}

func (h *APIHandler) GetTaskHandler(c *gin.Context) {
	view, err := h.Tasks.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

func (h *APIHandler) CancelTaskHandler(c *gin.Context) {
	view, err := h.Tasks.Cancel(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": view})
}

// WebhookHandler receives the engine's completion push. The payload is
// opaque; anything but an unknown task is acknowledged.
func (h *APIHandler) WebhookHandler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		BadRequest(c, "unreadable webhook body")
		return
	}
	taskID := c.Param("taskId")
	if err := h.Tasks.HandleWebhook(c.Request.Context(), taskID, body); err != nil {
		respondError(c, err)
		return
	}
	log.WithField("task_id", taskID).Debug("webhook accepted")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *APIHandler) HealthHandler(c *gin.Context) {
	status := gin.H{}
	healthy := true
	for name, check := range h.Checks {
		if err := check(c.Request.Context()); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": status})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": status})
}
