package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"picks-pipeline/internal/config"
	"picks-pipeline/internal/pkg/logger"
)

func NewRouter(handler *WorkflowHandler, cfg config.HTTPConfig, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), AccessLog(log), Recovery(log))

	router.GET("/health", handler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api/v1")
	if cfg.RateLimitRPS > 0 {
		api.Use(RateLimit(NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)))
	}

	api.POST("/recommendations", handler.ExecuteWorkflow)
	api.POST("/recommendations/stream", handler.StreamWorkflow)

	workflows := api.Group("/workflows")
	workflows.GET("/active", handler.GetActiveWorkflows)
	workflows.GET("/:id", handler.GetWorkflowStatus)
	workflows.DELETE("/:id", handler.CancelWorkflow)

	api.GET("/conversations/:id/runs", handler.GetConversationRuns)

	return router
}
