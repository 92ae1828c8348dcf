package observability

import (
	"context"

	"github.com/rs/zerolog"
)

// Publisher is the transport used for lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any, headers map[string]string) error
}

const wsRoutingKey = "ws_events.chats"

// EventPublisher emits websocket lifecycle events. A nil receiver is a no-op.
type EventPublisher struct {
	publisher Publisher
	log       zerolog.Logger
}

func NewEventPublisher(publisher Publisher, log zerolog.Logger) *EventPublisher {
	return &EventPublisher{publisher: publisher, log: log}
}

// PublishWS counts the event and forwards it to the broker.
func (p *EventPublisher) PublishWS(ctx context.Context, ev WSEvent, identity Identity, headers map[string]string) {
	IncWSEvent(ev.Event)
	if p == nil || p.publisher == nil {
		return
	}

	if err := p.publisher.Publish(ctx, wsRoutingKey, newWSEnvelope(ev, identity), headers); err != nil {
		IncAMQPPublishError()
		p.log.Warn().Err(err).Str("event", ev.Event).Str("conn_id", ev.ConnID).Msg("ws event publish failed")
	}
}
