package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"KamSettle/internal/observability"
	"KamSettle/internal/router"
)

// OutboundPublisher forwards router events to NATS for downstream
// consumers. The router sends on this channel without blocking, so a
// slow publisher drops events rather than stalling settlement; the
// Postgres event log remains the source of truth.
type OutboundPublisher struct {
	js     jetstream.JetStream
	input  <-chan router.Event
	logger zerolog.Logger
}

func NewOutboundPublisher(js jetstream.JetStream, input <-chan router.Event) *OutboundPublisher {
	return &OutboundPublisher{
		js:     js,
		input:  input,
		logger: observability.NewLogger("publisher"),
	}
}

// Run starts the outbound publisher loop. Publishes to
// kam.events.{event_type}[.{vault_id}].
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.input:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can replay from the event log.
				op.logger.Warn().
					Err(err).
					Str("type", string(evt.Type)).
					Str("vault", evt.VaultID).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt router.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("kam.events.%s", evt.Type)
	if evt.VaultID != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.VaultID)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}
