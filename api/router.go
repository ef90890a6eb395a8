package api

import (
	"frame2img/config"
	"frame2img/task"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func SetupRouter(tm *task.Manager, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(tm, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/probe", h.handleProbe)

		// Extraction runs
		v1.POST("/runs", h.handleCreateRun)
		v1.GET("/runs", h.handleListRuns)
		v1.GET("/runs/:runId", h.handleGetRun)
		v1.PATCH("/runs/:runId/cancel", h.handleCancelRun)
		v1.GET("/runs/:runId/archive", h.handleArchive)

		// Server-sent stream of coordinator events
		v1.GET("/events", h.handleEvents)

		// Preview: the frame itself arrives on the event stream
		v1.POST("/preview", h.handleSeek)
		v1.GET("/preview/frame", h.handlePreviewFrame)
	}
	return r
}
