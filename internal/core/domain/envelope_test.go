package domain

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannel(t *testing.T) {
	assert.Equal(t, "integration.stripe.payment.succeeded", Channel("stripe", "payment.succeeded"))
	assert.Equal(t, "integration.github.completed", Channel("github", DefaultEventType))
}

func TestNewEnvelope_InlinePayload(t *testing.T) {
	payload := []byte(`{"event_type":"payment.succeeded","amount":5000}`)
	e := NewWebhookEvent("stripe", "evt_1", "tenant-a", payload, true, 5)

	env := NewEnvelope(e, 1024)

	assert.Equal(t, "evt_1", env.EventID)
	assert.Equal(t, "stripe", env.Source)
	assert.Equal(t, "tenant-a", env.TenantID)
	assert.Equal(t, "payment.succeeded", env.EventType)
	assert.Equal(t, "/webhooks/events/evt_1", env.PayloadRef)
	assert.Equal(t, json.RawMessage(payload), env.Data)
	assert.NotZero(t, env.Timestamp)
}

func TestNewEnvelope_OversizedPayloadByReference(t *testing.T) {
	payload := append([]byte(`{"data":"`), append(bytes.Repeat([]byte("x"), 2048), []byte(`"}`)...)...)
	e := NewWebhookEvent("stripe", "evt_1", "tenant-a", payload, true, 5)

	env := NewEnvelope(e, 1024)

	assert.Nil(t, env.Data, "oversized payloads are not carried inline")
	assert.Equal(t, "/webhooks/events/evt_1", env.PayloadRef)
}

func TestNewEnvelope_EventTypeFallsBackToTypeField(t *testing.T) {
	e := NewWebhookEvent("github", "evt_2", "tenant-a", []byte(`{"type":"push"}`), true, 5)
	env := NewEnvelope(e, 1024)
	assert.Equal(t, "push", env.EventType)
}

func TestNewEnvelope_EventTypeDefaultsWhenUndeclared(t *testing.T) {
	e := NewWebhookEvent("github", "evt_3", "tenant-a", []byte(`{"id":42}`), true, 5)
	env := NewEnvelope(e, 1024)
	assert.Equal(t, DefaultEventType, env.EventType)
}

func TestEnvelope_RoundTripsOmittingEmptyData(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 64)
	e := NewWebhookEvent("stripe", "evt_4", "tenant-a", payload, true, 5)

	raw, err := json.Marshal(NewEnvelope(e, 8))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"data"`)
}
