package router

import (
	"github.com/gin-gonic/gin"

	"painchain.app/ingest/internal/http/handler"
)

func ConnectionRouter(router *gin.RouterGroup, handler *handler.ConnectionHandler) {
	router.POST("", handler.Create)
	router.GET("", handler.List)
	router.GET("/:id", handler.Get)
	router.PUT("/:id", handler.Update)
	router.DELETE("/:id", handler.Delete)
	router.POST("/:id/test", handler.Test)
	router.POST("/:id/sync", handler.Sync)
}
