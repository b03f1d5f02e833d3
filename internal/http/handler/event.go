package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"painchain.app/ingest/internal/http/dto"
	"painchain.app/ingest/internal/service"
)

type EventHandler struct {
	eventService service.EventService
}

func NewEventHandler(eventService service.EventService) *EventHandler {
	return &EventHandler{eventService: eventService}
}

func (h *EventHandler) Ingest(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.ProcessorEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.ProcessorEventResponse{Error: "invalid request body"})
		return
	}

	result, err := h.eventService.Ingest(ctx, req.ToNormalized())
	if err != nil {
		status := ErrorStatus(err)
		if status == http.StatusInternalServerError {
			slog.ErrorContext(ctx, "failed to ingest posted event", "error", err, "connection_id", req.ConnectionID)
		}
		c.JSON(status, dto.ProcessorEventResponse{Error: ErrorMessage(err)})
		return
	}

	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, dto.ProcessorEventResponse{
		Success:   true,
		EventID:   &result.Event.ID,
		Duplicate: &result.Duplicate,
	})
}

func (h *EventHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	connectionID, err := strconv.ParseInt(c.Query("connection_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "connection_id is required"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
	}

	events, err := h.eventService.List(ctx, connectionID, limit)
	if err != nil {
		c.JSON(ErrorStatus(err), gin.H{"error": ErrorMessage(err)})
		return
	}
	c.JSON(http.StatusOK, dto.ListEventsResponse{Events: events})
}
