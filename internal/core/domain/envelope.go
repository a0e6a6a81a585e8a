package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultEventType is used in published channels when the payload does not
// declare its own event type. A successfully processed event is "completed".
const DefaultEventType = "completed"

// EventEnvelope is what consumers receive on the pub/sub channel. The raw
// payload is carried inline only under a size bound; larger payloads are
// referenced by the operator status URL instead, to bound message size.
type EventEnvelope struct {
	EventID    string          `json:"event_id"`
	Source     string          `json:"source"`
	TenantID   string          `json:"tenant_id"`
	EventType  string          `json:"event_type"`
	Timestamp  int64           `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
	PayloadRef string          `json:"payload_ref"`
}

// Channel returns the pub/sub channel name for a source and event type,
// e.g. "integration.payments.completed".
func Channel(source, eventType string) string {
	return fmt.Sprintf("integration.%s.%s", source, eventType)
}

// NewEnvelope builds the publishable envelope for a processed event.
func NewEnvelope(e *WebhookEvent, maxInlinePayload int) EventEnvelope {
	env := EventEnvelope{
		EventID:    e.EventID,
		Source:     e.Source,
		TenantID:   e.TenantID,
		EventType:  payloadEventType(e.Payload),
		Timestamp:  time.Now().UTC().Unix(),
		PayloadRef: "/webhooks/events/" + e.EventID,
	}
	if maxInlinePayload <= 0 || len(e.Payload) <= maxInlinePayload {
		env.Data = json.RawMessage(e.Payload)
	}
	return env
}

// payloadEventType extracts the provider-declared event type from the raw
// payload, accepting either "event_type" or "type".
func payloadEventType(payload []byte) string {
	var probe struct {
		EventType string `json:"event_type"`
		Type      string `json:"type"`
	}
	if err := json.Unmarshal(payload, &probe); err == nil {
		if probe.EventType != "" {
			return probe.EventType
		}
		if probe.Type != "" {
			return probe.Type
		}
	}
	return DefaultEventType
}
