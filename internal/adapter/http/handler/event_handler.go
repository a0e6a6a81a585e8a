package handler

import (
	"errors"
	"strconv"

	"webhook-ingestion-service/internal/core/domain"
	"webhook-ingestion-service/internal/core/ports"
	"webhook-ingestion-service/pkg/response"

	"github.com/gin-gonic/gin"
)

// EventHandler exposes the operator endpoints for inspecting and retrying
// stored webhook events.
type EventHandler struct {
	svc ports.IngestionService
}

// NewEventHandler creates an event handler.
func NewEventHandler(svc ports.IngestionService) *EventHandler {
	return &EventHandler{svc: svc}
}

// Get handles GET /webhooks/events/:event_id.
func (h *EventHandler) Get(c *gin.Context) {
	event, err := h.svc.GetEvent(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, toEventView(event))
}

// List handles GET /webhooks/events with filters and pagination.
func (h *EventHandler) List(c *gin.Context) {
	params := ports.EventListParams{
		Source:   c.Query("source"),
		TenantID: c.Query("tenant_id"),
	}
	if s := c.Query("status"); s != "" {
		status := domain.EventStatus(s)
		params.Status = &status
	}
	params.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	params.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	events, total, err := h.svc.ListEvents(c.Request.Context(), params)
	if err != nil {
		response.Error(c, err)
		return
	}

	views := make([]eventView, 0, len(events))
	for i := range events {
		views = append(views, toEventView(&events[i]))
	}
	response.OK(c, gin.H{
		"events":    views,
		"total":     total,
		"page":      params.Page,
		"page_size": params.PageSize,
	})
}

// Retry handles POST /webhooks/events/:event_id/retry, the operator
// override that forces an immediate retry regardless of next_retry_at.
func (h *EventHandler) Retry(c *gin.Context) {
	event, err := h.svc.ForceRetry(c.Request.Context(), c.Param("event_id"))
	if err != nil {
		var limited *ports.RateLimitedError
		if errors.As(err, &limited) {
			writeRateLimited(c, limited)
			return
		}
		response.Error(c, err)
		return
	}
	response.OK(c, toEventView(event))
}
