package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"painchain.app/ingest/internal/http/handler"
	"painchain.app/ingest/internal/http/handler/webhook"
	"painchain.app/ingest/internal/http/middleware"
	"painchain.app/ingest/internal/service"
)

type RouterConfig struct {
	// OTelServiceName enables otelgin when set.
	OTelServiceName string
	TraceHeaderName string
}

// New builds the engine with middleware and every route installed.
func New(services *service.Services, cfg RouterConfig) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTelServiceName != "" {
		router.Use(otelgin.Middleware(cfg.OTelServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.TraceHeader(cfg.TraceHeaderName))

	SetupRoutes(router, services)
	return router
}

func SetupRoutes(router *gin.Engine, services *service.Services) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		webhookHandler := webhook.NewHandler(services.Webhooks())
		WebhookRouter(v1.Group("/webhooks"), webhookHandler)

		eventHandler := handler.NewEventHandler(services.Events())
		EventRouter(v1.Group("/events"), eventHandler)

		connectionHandler := handler.NewConnectionHandler(services.Connections())
		ConnectionRouter(v1.Group("/connections"), connectionHandler)
	}
}
