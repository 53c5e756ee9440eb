package api

import (
	"errors"
	"mime/multipart"
	"net/http"

	"audioinsight/config"
	"audioinsight/task"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// multipartOverhead is the allowance for form fields and part headers on
// top of the file size limit.
const multipartOverhead = 1 << 20

type Handler struct {
	taskManager *task.Manager
	cfg         *config.Config
	log         logrus.FieldLogger
}

func NewHandler(tm *task.Manager, cfg *config.Config, log logrus.FieldLogger) *Handler {
	return &Handler{
		taskManager: tm,
		cfg:         cfg,
		log:         log,
	}
}

type TaskRequest struct {
	File  *multipart.FileHeader `form:"file"`
	Model string                `form:"model"`
}

// handleCreateTask accepts an audio upload and queues its analysis.
func (h *Handler) handleCreateTask(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.MaxInputSize+multipartOverhead)

	var req TaskRequest
	if err := c.ShouldBind(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(c, task.ErrUploadTooLarge)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.File == nil {
		h.respondError(c, task.ErrEmptyUpload)
		return
	}

	f, err := req.File.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Could not read uploaded file", "details": err.Error()})
		return
	}
	defer f.Close()

	t, err := h.taskManager.Submit(c.Request.Context(), task.Upload{
		Filename: req.File.Filename,
		Model:    req.Model,
		Body:     f,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID})
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks, err := h.taskManager.List(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	c.JSON(http.StatusOK, tasks)
}

// handleGetTaskStatus retrieves the status of a single task.
func (h *Handler) handleGetTaskStatus(c *gin.Context) {
	t, err := h.taskManager.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// handleCancelTask cancels a task.
func (h *Handler) handleCancelTask(c *gin.Context) {
	if err := h.taskManager.Cancel(c.Request.Context(), c.Param("taskId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

// handleGetClientConfig tells the front-end how to poll.
func (h *Handler) handleGetClientConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pollIntervalMs": h.cfg.PollInterval.Milliseconds(),
		"maxAttempts":    h.cfg.PollMaxAttempts,
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, task.ErrEmptyUpload):
		status = http.StatusBadRequest
	case errors.Is(err, task.ErrUploadTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, task.ErrQueueFull), errors.Is(err, task.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, task.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, task.ErrTerminal):
		status = http.StatusConflict
	default:
		h.log.WithError(err).WithField("request_id", requestID(c)).Error("request failed")
		c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
