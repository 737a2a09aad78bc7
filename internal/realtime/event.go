// Package realtime carries state-change notifications to connected clients.
// Managers address events by topic; how a topic reaches a socket is decided
// by the Broadcaster in use (local Hub, or the NATS bus feeding every Hub).
package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope delivered to websocket clients.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broadcaster delivers an event to every subscriber of its topic.
type Broadcaster interface {
	Publish(ctx context.Context, event Event) error
}

const (
	PoolAmbulance = "ambulance"
	PoolDoctors   = "doctors"
)

func UserTopic(id uuid.UUID) string     { return "user:" + id.String() }
func RequestTopic(id uuid.UUID) string  { return "request:" + id.String() }
func ProviderTopic(id uuid.UUID) string { return "provider:" + id.String() }
func PoolTopic(name string) string      { return "pool:" + name }

// ValidTopic reports whether topic has one of the known prefixes.
func ValidTopic(topic string) bool {
	kind, rest, ok := strings.Cut(topic, ":")
	if !ok || rest == "" {
		return false
	}
	switch kind {
	case "user", "request", "provider", "pool":
		return true
	}
	return false
}
