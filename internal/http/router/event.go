package router

import (
	"github.com/gin-gonic/gin"

	"painchain.app/ingest/internal/http/handler"
)

func EventRouter(router *gin.RouterGroup, handler *handler.EventHandler) {
	router.POST("", handler.Ingest)
	router.GET("", handler.List)
}
