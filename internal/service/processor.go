package service

import (
	"context"
	"encoding/json"
	"fmt"

	"webhook-ingestion-service/internal/core/domain"
	"webhook-ingestion-service/internal/core/ports"
)

// NewPayloadProcessor returns the default EventProcessor. Business-rule
// validation belongs to downstream consumers of the published events; the
// in-core attempt only guarantees the payload is well-formed JSON, which the
// published envelope requires.
func NewPayloadProcessor() ports.EventProcessor {
	return ports.ProcessorFunc(func(ctx context.Context, event *domain.WebhookEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !json.Valid(event.Payload) {
			return fmt.Errorf("payload of event %s is not valid JSON", event.EventID)
		}
		return nil
	})
}
