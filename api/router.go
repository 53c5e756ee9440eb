package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"audioinsight/config"
	"audioinsight/task"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func SetupRouter(tm *task.Manager, cfg *config.Config, log logrus.FieldLogger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(log))
	// Multipart parts beyond this spill to disk.
	r.MaxMultipartMemory = 8 << 20

	h := NewHandler(tm, cfg, log)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/config", h.handleGetClientConfig)

		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTaskStatus)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
	}

	// Legacy paths kept for older front-ends.
	r.POST("/start-analysis", h.handleCreateTask)
	r.GET("/task-status/:taskId", h.handleGetTaskStatus)

	r.NoRoute(staticFallback(cfg.StaticDir))
	return r
}

// staticFallback serves files from dir and answers every other GET with
// index.html so the front-end owns its own routes.
func staticFallback(dir string) gin.HandlerFunc {
	index := filepath.Join(dir, "index.html")
	return func(c *gin.Context) {
		method := c.Request.Method
		if dir == "" || (method != http.MethodGet && method != http.MethodHead) ||
			strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
			return
		}

		// Cleaning a rooted path keeps the result inside dir.
		candidate := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+c.Request.URL.Path)))
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			c.File(candidate)
			return
		}
		if _, err := os.Stat(index); err == nil {
			c.File(index)
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	}
}
