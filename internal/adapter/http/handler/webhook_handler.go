package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"webhook-ingestion-service/internal/adapter/http/middleware"
	"webhook-ingestion-service/internal/core/domain"
	"webhook-ingestion-service/internal/core/ports"
	"webhook-ingestion-service/pkg/apperror"
	"webhook-ingestion-service/pkg/response"

	"github.com/gin-gonic/gin"
)

// WebhookHandler exposes the inbound webhook endpoint.
type WebhookHandler struct {
	svc ports.IngestionService
}

// NewWebhookHandler creates a webhook handler.
func NewWebhookHandler(svc ports.IngestionService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// ackBody is the idempotent-safe acknowledgment returned to webhook callers.
type ackBody struct {
	EventID   string `json:"event_id"`
	Source    string `json:"source"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate"`
}

// Receive handles POST /webhooks/:source. The response never depends on
// downstream processing; callers always get a fast acknowledgment or an
// explicit 429/503 they can retry on.
func (h *WebhookHandler) Receive(c *gin.Context) {
	source := c.Param("source")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			response.Error(c, apperror.ErrPayloadTooLarge(maxErr.Limit))
			return
		}
		response.Error(c, apperror.Validation("cannot read request body"))
		return
	}

	policy := h.svc.Policy(source)

	tenantID := c.GetHeader(middleware.HeaderTenantID)
	if tenantID == "" {
		tenantID = "default"
	}

	result, err := h.svc.Ingest(c.Request.Context(), ports.IngestRequest{
		Source:    source,
		TenantID:  tenantID,
		EventID:   c.GetHeader(middleware.HeaderEventID),
		Body:      body,
		Signature: c.GetHeader(policy.SignatureHeader),
	})
	if err != nil {
		var limited *ports.RateLimitedError
		if errors.As(err, &limited) {
			writeRateLimited(c, limited)
			return
		}
		response.Error(c, err)
		return
	}

	ack := ackBody{
		EventID:   result.Event.EventID,
		Source:    result.Event.Source,
		Status:    string(result.Event.Status),
		Duplicate: result.Duplicate,
	}
	if result.Duplicate {
		// Duplicate deliveries are a successful no-op from the emitter's
		// point of view.
		response.OK(c, ack)
		return
	}
	response.Accepted(c, ack)
}

// writeRateLimited maps a limiter denial to 429 with a Retry-After hint.
func writeRateLimited(c *gin.Context, limited *ports.RateLimitedError) {
	res := limited.Result
	c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
	c.Header("X-RateLimit-Remaining", "0")
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt, 10))
	c.Header("Retry-After", strconv.FormatInt(limited.RetryAfter(time.Now()), 10))
	response.Error(c, apperror.ErrRateLimitExceeded())
}

// eventView is the operator-facing representation of a stored event. The raw
// payload is deliberately omitted from listings.
type eventView struct {
	EventID        string     `json:"event_id"`
	Source         string     `json:"source"`
	TenantID       string     `json:"tenant_id"`
	SignatureValid bool       `json:"signature_valid"`
	Status         string     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
}

func toEventView(e *domain.WebhookEvent) eventView {
	return eventView{
		EventID:        e.EventID,
		Source:         e.Source,
		TenantID:       e.TenantID,
		SignatureValid: e.SignatureValid,
		Status:         string(e.Status),
		RetryCount:     e.RetryCount,
		MaxRetries:     e.MaxRetries,
		NextRetryAt:    e.NextRetryAt,
		LastError:      e.LastError,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
		ProcessedAt:    e.ProcessedAt,
	}
}

// HealthCheck handles GET /health with a deep dependency check.
func HealthCheck(checkers ...ports.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		type depStatus struct {
			Status string `json:"status"`
			Error  string `json:"error,omitempty"`
		}

		deps := make(map[string]depStatus)
		allHealthy := true

		for _, checker := range checkers {
			if err := checker.Ping(c.Request.Context()); err != nil {
				deps[checker.Name()] = depStatus{Status: "unhealthy", Error: err.Error()}
				allHealthy = false
			} else {
				deps[checker.Name()] = depStatus{Status: "healthy"}
			}
		}

		status := "healthy"
		httpCode := http.StatusOK
		if !allHealthy {
			status = "degraded"
			httpCode = http.StatusServiceUnavailable
		}

		c.JSON(httpCode, gin.H{
			"status":       status,
			"dependencies": deps,
		})
	}
}
