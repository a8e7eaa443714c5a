package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures the chat API routes
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:sessionId", h.GetSession)
		sessions.GET("/:sessionId/messages", h.ListMessages)
		sessions.POST("/:sessionId/turns", h.StreamTurn)
		sessions.GET("/:sessionId/turns/ws", h.StreamTurnWS)
		sessions.POST("/:sessionId/title", h.SuggestTitle)
	}

	router.GET("/settings", h.GetSettings)
	router.PUT("/settings", h.UpdateSettings)
}

// SetupOperationalRoutes adds /health and /metrics. gatherer defaults to the
// Prometheus default registry.
func SetupOperationalRoutes(engine *gin.Engine, gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
