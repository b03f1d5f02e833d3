package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"painchain.app/ingest/internal/http/dto"
	"painchain.app/ingest/internal/model"
	"painchain.app/ingest/internal/service"
	"painchain.app/ingest/internal/store"
)

type ConnectionHandler struct {
	connectionService service.ConnectionService
}

func NewConnectionHandler(connectionService service.ConnectionService) *ConnectionHandler {
	return &ConnectionHandler{connectionService: connectionService}
}

func (h *ConnectionHandler) Create(c *gin.Context) {
	var req dto.CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	conn, err := h.connectionService.Create(c.Request.Context(), req.ToParams())
	if err != nil {
		h.fail(c, "failed to create connection", err)
		return
	}
	c.JSON(http.StatusCreated, dto.ToConnectionResponse(conn))
}

func (h *ConnectionHandler) List(c *gin.Context) {
	var filter store.ConnectionFilter
	if tenant := c.Query("tenant_id"); tenant != "" {
		filter.TenantID = &tenant
	}
	if provider := c.Query("provider"); provider != "" {
		p := model.Provider(provider)
		filter.Provider = &p
	}
	if enabled := c.Query("enabled_only"); enabled != "" {
		v, err := strconv.ParseBool(enabled)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid enabled_only"})
			return
		}
		filter.EnabledOnly = v
	}

	conns, err := h.connectionService.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "failed to list connections", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": dto.ToConnectionResponses(conns)})
}

func (h *ConnectionHandler) Get(c *gin.Context) {
	id, ok := connectionID(c)
	if !ok {
		return
	}
	conn, err := h.connectionService.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to get connection", err)
		return
	}
	c.JSON(http.StatusOK, dto.ToConnectionResponse(conn))
}

func (h *ConnectionHandler) Update(c *gin.Context) {
	id, ok := connectionID(c)
	if !ok {
		return
	}
	var req dto.UpdateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	conn, err := h.connectionService.Update(c.Request.Context(), id, req.ToParams())
	if err != nil {
		h.fail(c, "failed to update connection", err)
		return
	}
	c.JSON(http.StatusOK, dto.ToConnectionResponse(conn))
}

func (h *ConnectionHandler) Delete(c *gin.Context) {
	id, ok := connectionID(c)
	if !ok {
		return
	}
	if err := h.connectionService.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, "failed to delete connection", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ConnectionHandler) Test(c *gin.Context) {
	id, ok := connectionID(c)
	if !ok {
		return
	}
	success, err := h.connectionService.Test(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to test connection", err)
		return
	}
	c.JSON(http.StatusOK, dto.TestConnectionResponse{Success: success})
}

// Sync queues an immediate high-priority poll. It does not wait for the poll to run.
func (h *ConnectionHandler) Sync(c *gin.Context) {
	id, ok := connectionID(c)
	if !ok {
		return
	}
	job, err := h.connectionService.Sync(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "failed to enqueue sync", err)
		return
	}
	c.JSON(http.StatusAccepted, dto.SyncConnectionResponse{JobID: job.ID, Priority: string(job.Priority)})
}

func (h *ConnectionHandler) fail(c *gin.Context, msg string, err error) {
	status := ErrorStatus(err)
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), msg, "error", err)
	}
	c.JSON(status, gin.H{"error": ErrorMessage(err)})
}

func connectionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
		return 0, false
	}
	return id, true
}
