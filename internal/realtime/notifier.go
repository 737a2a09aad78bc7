package realtime

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/clock"
)

// Notifier publishes events on behalf of the managers. Delivery is best
// effort: failures are logged and never returned to the caller.
type Notifier struct {
	b     Broadcaster
	clock clock.Clock
	log   zerolog.Logger
}

func NewNotifier(b Broadcaster, clk clock.Clock, log zerolog.Logger) *Notifier {
	return &Notifier{b: b, clock: clk, log: log}
}

// Notify sends one event of the given type to each distinct topic.
func (n *Notifier) Notify(ctx context.Context, eventType string, data any, topics ...string) {
	if n == nil || n.b == nil {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		n.log.Error().Err(err).Str("event", eventType).Msg("marshal realtime payload")
		return
	}

	now := n.clock.Now()
	seen := make(map[string]struct{}, len(topics))
	for _, topic := range topics {
		if _, dup := seen[topic]; dup || topic == "" {
			continue
		}
		seen[topic] = struct{}{}

		ev := Event{Type: eventType, Topic: topic, Data: raw, Timestamp: now}
		if err := n.b.Publish(ctx, ev); err != nil {
			n.log.Warn().Err(err).Str("event", eventType).Str("topic", topic).Msg("realtime publish failed")
		}
	}
}
