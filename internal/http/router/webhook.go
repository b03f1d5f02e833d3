package router

import (
	"github.com/gin-gonic/gin"

	"painchain.app/ingest/internal/http/handler/webhook"
)

func WebhookRouter(router *gin.RouterGroup, handler *webhook.Handler) {
	router.POST("/github/:connection_id", handler.GitHub)
	router.POST("/gitlab/:connection_id", handler.GitLab)
}
