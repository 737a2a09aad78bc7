package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-dispatch/internal/clock"
	"github.com/hackgods/telehealth-dispatch/internal/logging"
)

func TestHubRegisterUnregister(t *testing.T) {
	hub := NewHub()
	c := NewClient(uuid.New(), 4)

	hub.Register(c, "user:1", "pool:doctors")
	assert.Equal(t, 1, hub.ClientCount())
	assert.Equal(t, 1, hub.TopicCount("pool:doctors"))

	hub.Unregister(c)
	assert.Equal(t, 0, hub.ClientCount())
	assert.Equal(t, 0, hub.TopicCount("pool:doctors"))

	_, open := <-c.Send
	assert.False(t, open, "send channel should be closed")

	// second unregister is a no-op
	hub.Unregister(c)
}

func TestHubPublishOnlyReachesSubscribers(t *testing.T) {
	hub := NewHub()
	sub := NewClient(uuid.New(), 4)
	other := NewClient(uuid.New(), 4)
	hub.Register(sub, "request:a")
	hub.Register(other, "request:b")

	require.NoError(t, hub.Publish(context.Background(), Event{Type: "sos:updated", Topic: "request:a"}))

	select {
	case msg := <-sub.Send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, "sos:updated", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-other.Send:
		t.Fatal("non-subscriber received event")
	default:
	}
}

func TestHubPublishDoesNotBlockOnFullClient(t *testing.T) {
	hub := NewHub()
	c := NewClient(uuid.New(), 1)
	hub.Register(c, "pool:ambulance")

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Publish(context.Background(), Event{Type: "sos:new", Topic: "pool:ambulance"}))
	}
	assert.Len(t, c.Send, 1)
}

func TestHubSubscribeUnknownClientIgnored(t *testing.T) {
	hub := NewHub()
	hub.Subscribe(NewClient(uuid.New(), 1), "user:x")
	assert.Equal(t, 0, hub.TopicCount("user:x"))
}

type recordingBroadcaster struct {
	events []Event
	err    error
}

func (r *recordingBroadcaster) Publish(_ context.Context, ev Event) error {
	r.events = append(r.events, ev)
	return r.err
}

func TestNotifierDedupesTopicsAndSwallowsErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &recordingBroadcaster{err: errors.New("bus down")}
	n := NewNotifier(rec, clock.NewMockClock(now), logging.Nop())

	n.Notify(context.Background(), "sos:new", map[string]string{"id": "1"}, "user:1", "pool:ambulance", "user:1", "")

	require.Len(t, rec.events, 2)
	assert.Equal(t, "user:1", rec.events[0].Topic)
	assert.Equal(t, "pool:ambulance", rec.events[1].Topic)
	assert.Equal(t, now, rec.events[0].Timestamp)
	assert.JSONEq(t, `{"id":"1"}`, string(rec.events[0].Data))
}

func TestNilNotifierIsSafe(t *testing.T) {
	var n *Notifier
	n.Notify(context.Background(), "x", nil, "user:1")
}

func TestTopics(t *testing.T) {
	id := uuid.MustParse("6f1c0b9e-8d0e-4c3a-9a51-3d4b2a1c0e9f")
	assert.Equal(t, "user:6f1c0b9e-8d0e-4c3a-9a51-3d4b2a1c0e9f", UserTopic(id))
	assert.Equal(t, "pool:ambulance", PoolTopic(PoolAmbulance))

	assert.True(t, ValidTopic(RequestTopic(id)))
	assert.True(t, ValidTopic(ProviderTopic(id)))
	assert.False(t, ValidTopic("room:1"))
	assert.False(t, ValidTopic("user:"))
	assert.False(t, ValidTopic("user"))
}
