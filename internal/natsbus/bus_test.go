package natsbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-dispatch/internal/logging"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
)

func TestPublisherRelaysIntoEveryHub(t *testing.T) {
	bus, err := Connect(EmbeddedURL, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	require.NoError(t, bus.Ping())

	// two hubs stand in for two api-server instances sharing the bus
	hubA, hubB := realtime.NewHub(), realtime.NewHub()
	for _, hub := range []*realtime.Hub{hubA, hubB} {
		sub, err := NewRelay(bus.Conn(), hub, logging.Nop()).Subscribe()
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Unsubscribe() })
	}

	user := uuid.New()
	clientA := realtime.NewClient(user, 4)
	clientB := realtime.NewClient(user, 4)
	hubA.Register(clientA, realtime.UserTopic(user))
	hubB.Register(clientB, realtime.UserTopic(user))

	pub := NewPublisher(bus.Conn())
	require.NoError(t, pub.Publish(context.Background(), realtime.Event{
		Type:  "order:created",
		Topic: realtime.UserTopic(user),
		Data:  json.RawMessage(`{"id":"o1"}`),
	}))

	for _, c := range []*realtime.Client{clientA, clientB} {
		select {
		case raw := <-c.Send:
			var ev realtime.Event
			require.NoError(t, json.Unmarshal(raw, &ev))
			assert.Equal(t, "order:created", ev.Type)
			assert.JSONEq(t, `{"id":"o1"}`, string(ev.Data))
		case <-time.After(2 * time.Second):
			t.Fatal("event not relayed")
		}
	}
}
