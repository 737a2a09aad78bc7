package natsbus

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/realtime"
)

const subjectPrefix = "rt."

func subjectFor(topic string) string { return subjectPrefix + topic }

// Publisher is a realtime.Broadcaster backed by NATS core pub/sub.
type Publisher struct {
	nc *nats.Conn
}

func NewPublisher(nc *nats.Conn) *Publisher {
	return &Publisher{nc: nc}
}

func (p *Publisher) Publish(_ context.Context, event realtime.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := p.nc.Publish(subjectFor(event.Topic), data); err != nil {
		return errors.Wrapf(err, "publish %s", event.Topic)
	}
	return nil
}

// Relay feeds every event seen on the bus into the local Hub.
type Relay struct {
	nc  *nats.Conn
	hub realtime.Broadcaster
	log zerolog.Logger
}

func NewRelay(nc *nats.Conn, hub realtime.Broadcaster, log zerolog.Logger) *Relay {
	return &Relay{nc: nc, hub: hub, log: log}
}

// Subscribe starts relaying and returns the subscription for the caller to
// release.
func (r *Relay) Subscribe() (*nats.Subscription, error) {
	sub, err := r.nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var ev realtime.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			r.log.Warn().Err(err).Str("subject", msg.Subject).Msg("drop malformed realtime event")
			return
		}
		if err := r.hub.Publish(context.Background(), ev); err != nil {
			r.log.Warn().Err(err).Str("topic", ev.Topic).Msg("local delivery failed")
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "subscribe realtime bus")
	}
	if err := r.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, errors.Wrap(err, "flush subscription")
	}
	return sub, nil
}
