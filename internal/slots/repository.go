package slots

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
)

var (
	ErrProviderNotFound    = apperr.New(apperr.KindNotFound, "provider not found")
	ErrHoldNotFound        = apperr.New(apperr.KindNotFound, "hold not found")
	ErrAppointmentNotFound = apperr.New(apperr.KindNotFound, "appointment not found")

	// ErrSlotTaken means a live hold or a non-cancelled appointment already
	// occupies the (provider, time) pair.
	ErrSlotTaken = apperr.New(apperr.KindConflict, "slot is already held or booked")

	// ErrStaleState means a conditional write found the row in a different
	// state than expected.
	ErrStaleState = apperr.New(apperr.KindConflict, "record changed concurrently, please retry")
)

// Repository is the store contract of the slot manager. Every write that
// changes status is conditional on the current status.
type Repository interface {
	SaveProvider(ctx context.Context, p Provider, windows []AvailabilityWindow) error
	// GetAvailability returns ErrProviderNotFound for unknown or inactive providers.
	GetAvailability(ctx context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error)
	// OccupiedTimes lists times in [from, to) covered by a live hold or a
	// non-cancelled appointment.
	OccupiedTimes(ctx context.Context, providerID uuid.UUID, from, to, now time.Time) ([]time.Time, error)

	// InsertHold fails with ErrSlotTaken when the slot is occupied at now.
	InsertHold(ctx context.Context, h SlotHold, now time.Time) (*SlotHold, error)
	GetHold(ctx context.Context, id uuid.UUID) (*SlotHold, error)
	// ExpireHold flips HELD to EXPIRED when expires_at <= now.
	ExpireHold(ctx context.Context, id uuid.UUID, now time.Time) (*SlotHold, error)
	// ExpireHolds flips every HELD hold with expires_at < now.
	ExpireHolds(ctx context.Context, now time.Time) ([]SlotHold, error)
	// ConfirmHold flips HELD to CONFIRMED (re-checking expires_at > now),
	// inserts the appointment and links it, all or nothing.
	ConfirmHold(ctx context.Context, holdID uuid.UUID, now time.Time, appt Appointment) (*SlotHold, *Appointment, error)

	// InsertAppointment books without a hold; ErrSlotTaken when occupied.
	InsertAppointment(ctx context.Context, appt Appointment, now time.Time) (*Appointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error)
	// TransitionAppointment moves an appointment from one of from to to.
	// Cancelling also releases the linked hold.
	TransitionAppointment(ctx context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus, now time.Time) (*Appointment, error)
}
