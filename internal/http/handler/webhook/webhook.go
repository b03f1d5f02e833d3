// Package webhook receives provider push deliveries.
package webhook

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"painchain.app/ingest/internal/http/handler"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/service"
)

// maxBodyBytes matches GitHub's 25 MB delivery cap.
const maxBodyBytes = 25 << 20

type headers struct {
	signature string
	event     string
}

var providerHeaders = map[model.Provider]headers{
	model.ProviderGitHub: {signature: "X-Hub-Signature-256", event: "X-GitHub-Event"},
	model.ProviderGitLab: {signature: "X-Gitlab-Token", event: "X-Gitlab-Event"},
}

type Handler struct {
	webhookService service.WebhookService
}

func NewHandler(webhookService service.WebhookService) *Handler {
	return &Handler{webhookService: webhookService}
}

func (h *Handler) GitHub(c *gin.Context) {
	h.receive(c, model.ProviderGitHub)
}

func (h *Handler) GitLab(c *gin.Context) {
	h.receive(c, model.ProviderGitLab)
}

func (h *Handler) receive(c *gin.Context, provider model.Provider) {
	ctx := c.Request.Context()

	connectionID, err := strconv.ParseInt(c.Param("connection_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	hdr := providerHeaders[provider]
	result, err := h.webhookService.Receive(ctx, service.WebhookDelivery{
		Provider:     provider,
		ConnectionID: connectionID,
		Body:         body,
		Signature:    c.GetHeader(hdr.signature),
		EventHeader:  c.GetHeader(hdr.event),
	})
	if err != nil {
		status := handler.ErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.ErrorContext(ctx, "failed to process webhook",
				"error", err,
				"provider", provider,
				"connection_id", connectionID,
			)
		}
		c.JSON(status, gin.H{"error": handler.ErrorMessage(err)})
		return
	}

	switch {
	case result.Status == service.WebhookStatusIgnored:
		c.JSON(http.StatusOK, gin.H{"status": result.Status})
	case result.Message != "":
		c.JSON(http.StatusOK, gin.H{"status": result.Status, "message": result.Message})
	default:
		c.JSON(http.StatusOK, gin.H{
			"status":    result.Status,
			"eventId":   result.EventID,
			"duplicate": result.Duplicate,
		})
	}
}
