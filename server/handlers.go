package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"telegram-media-downloader/monitoring"
	"telegram-media-downloader/pipeline"
	"telegram-media-downloader/storage"
	"telegram-media-downloader/utils"
)

const requestTimeout = 2 * time.Minute

// Services are the components behind the API. Monitor, Audit, DeadLetters,
// Health and Metrics may be nil.
type Services struct {
	Registry    *pipeline.Registry
	Monitor     *monitoring.NetworkMonitor
	Recovery    *storage.RecoveryService
	Audit       *storage.AuditLogger
	DeadLetters *storage.DeadLetterQueue
	Health      *monitoring.HealthMonitor
	Metrics     *monitoring.PerformanceMetrics
	Reload      func(ctx context.Context) error
}

type APIHandler struct {
	services Services
	logger   *utils.Logger
}

type TargetRequest struct {
	TaskID int64 `json:"task_id"`
	All    bool  `json:"all"`
}

type RestoreRequest struct {
	ID string `json:"id"`
}

func RegisterHandlers(r *gin.Engine, services Services, token string, logger *utils.Logger) {
	h := &APIHandler{services: services, logger: logger}

	r.GET("/health", h.health)

	api := r.Group("/api")
	if token != "" {
		api.Use(bearerAuth(token))
	}

	api.GET("/tasks", h.listTasks)
	api.GET("/tasks/:id", h.getTask)
	api.GET("/tasks/:id/history", h.taskHistory)
	api.POST("/tasks/pause", h.control("pause", services.Registry.Pause))
	api.POST("/tasks/resume", h.control("resume", services.Registry.Resume))
	api.POST("/tasks/cancel", h.control("cancel", services.Registry.Cancel))

	api.GET("/network", h.networkStatus)
	api.GET("/metrics", h.metrics)

	api.GET("/snapshots", h.listSnapshots)
	api.POST("/snapshots", h.saveSnapshot)
	api.POST("/snapshots/restore", h.restoreSnapshot)
	api.GET("/dead_letters", h.listDeadLetters)

	api.POST("/reload", h.reload)
}

func bearerAuth(token string) gin.HandlerFunc {
	expected := []byte("Bearer " + token)
	return func(c *gin.Context) {
		if subtle.ConstantTimeCompare([]byte(c.GetHeader("Authorization")), expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": utils.ErrUnauthorizedAccess.Error()})
			return
		}
		c.Next()
	}
}

func taskIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return 0, false
	}
	return id, true
}

func (h *APIHandler) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.services.Registry.Status()})
}

func (h *APIHandler) getTask(c *gin.Context) {
	id, ok := taskIDParam(c)
	if !ok {
		return
	}
	summary, err := h.services.Registry.TaskStatus(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *APIHandler) taskHistory(c *gin.Context) {
	id, ok := taskIDParam(c)
	if !ok {
		return
	}
	if h.services.Audit == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit log disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	events, err := h.services.Audit.GetTaskHistory(c.Request.Context(), id, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (h *APIHandler) control(action string, apply func(pipeline.Target) (int, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TargetRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if !req.All && req.TaskID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "task_id or all is required"})
			return
		}

		target := pipeline.TaskTarget(req.TaskID)
		if req.All {
			target = pipeline.AllTasks()
		}
		changed, err := apply(target)
		if errors.Is(err, utils.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		h.audit(c, action, target.String())
		c.JSON(http.StatusOK, gin.H{"action": action, "target": target.String(), "changed": changed})
	}
}

func (h *APIHandler) networkStatus(c *gin.Context) {
	if h.services.Monitor == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "network monitor disabled"})
		return
	}
	c.JSON(http.StatusOK, h.services.Monitor.Status())
}

// health is served outside the token check.
func (h *APIHandler) health(c *gin.Context) {
	if h.services.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": monitoring.HealthStatusHealthy})
		return
	}
	check := h.services.Health.Check(c.Request.Context())
	code := http.StatusOK
	if check.Status == monitoring.HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, check)
}

func (h *APIHandler) metrics(c *gin.Context) {
	if h.services.Metrics == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics disabled"})
		return
	}
	c.JSON(http.StatusOK, h.services.Metrics.Snapshot())
}

func (h *APIHandler) listSnapshots(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := h.services.Recovery.Snapshots(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": records})
}

func (h *APIHandler) saveSnapshot(c *gin.Context) {
	record, err := h.services.Recovery.SaveSnapshot(c.Request.Context(), "manual")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.audit(c, "save_state", record.ID)
	c.JSON(http.StatusCreated, record)
}

func (h *APIHandler) restoreSnapshot(c *gin.Context) {
	var req RestoreRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	record, err := h.services.Recovery.RestoreSnapshot(ctx, req.ID, "http:"+c.ClientIP())
	switch {
	case errors.Is(err, utils.ErrSnapshotNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case utils.IsRestoreError(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "tasks": 0})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": record, "tasks": h.services.Registry.Len()})
}

func (h *APIHandler) listDeadLetters(c *gin.Context) {
	if h.services.DeadLetters == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "dead letter queue disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.services.DeadLetters.List(c.Request.Context(), c.Query("source"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": entries})
}

func (h *APIHandler) reload(c *gin.Context) {
	if h.services.Reload == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reload not available"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	err := h.services.Reload(ctx)
	if errors.Is(err, utils.ErrReloadInProgress) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.audit(c, "reload", "all")
	c.JSON(http.StatusOK, gin.H{"reloaded": true, "tasks": h.services.Registry.Len()})
}

func (h *APIHandler) audit(c *gin.Context, action, details string) {
	if h.services.Audit == nil {
		return
	}
	if err := h.services.Audit.LogControl("http:"+c.ClientIP(), action, details); err != nil {
		h.logger.WithError(err).Warn("Failed to audit API call")
	}
}
