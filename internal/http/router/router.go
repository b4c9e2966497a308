package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hookrelay.io/relay/internal/http/handler"
)

func SetupRoutes(router *gin.Engine, webhooks *handler.WebhookHandler, apiKeys *handler.APIKeyHandler) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/hooks/:trigger_id", webhooks.HandleDelivery)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/keys/validate", apiKeys.Validate)
	}
}
