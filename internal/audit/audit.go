// Package audit records domain events (holds, appointments, dispatch
// transitions, orders) to an append-only log.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const (
	EventHoldCreated          = "HOLD_CREATED"
	EventHoldConfirmed        = "HOLD_CONFIRMED"
	EventHoldExpired          = "HOLD_EXPIRED"
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentUpdated   = "APPOINTMENT_UPDATED"
	EventDispatchCreated      = "DISPATCH_CREATED"
	EventDispatchTransitioned = "DISPATCH_TRANSITIONED"
	EventOrderCreated         = "ORDER_CREATED"
	EventOrderUpdated         = "ORDER_UPDATED"
	EventCompensationFailed   = "inventory.compensation_failed"
)

type Entry struct {
	Type        string          `json:"type"`
	AggregateID uuid.UUID       `json:"aggregateId"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// NewEntry marshals payload; a payload that cannot be encoded is recorded
// without one.
func NewEntry(eventType string, aggregateID uuid.UUID, payload any, at time.Time) Entry {
	e := Entry{Type: eventType, AggregateID: aggregateID, CreatedAt: at}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			e.Payload = data
		}
	}
	return e
}

type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Entry) error { return nil }

func Nop() Recorder { return nopRecorder{} }

// Tee writes to every recorder and joins their errors.
type Tee []Recorder

func (t Tee) Record(ctx context.Context, e Entry) error {
	var errs []error
	for _, r := range t {
		if err := r.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemoryRecorder keeps entries in process, for STORE_DRIVER=memory and tests.
type MemoryRecorder struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (m *MemoryRecorder) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	m.entries = append(m.entries, e)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRecorder) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// OfType returns the recorded entries with the given type.
func (m *MemoryRecorder) OfType(eventType string) []Entry {
	var out []Entry
	for _, e := range m.Entries() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
