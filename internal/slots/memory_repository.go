package slots

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository keeps everything in process behind one mutex, which makes
// each method a single atomic step.
type MemoryRepository struct {
	mu           sync.Mutex
	providers    map[uuid.UUID]Provider
	availability map[uuid.UUID][]AvailabilityWindow
	holds        map[uuid.UUID]*SlotHold
	appointments map[uuid.UUID]*Appointment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		providers:    make(map[uuid.UUID]Provider),
		availability: make(map[uuid.UUID][]AvailabilityWindow),
		holds:        make(map[uuid.UUID]*SlotHold),
		appointments: make(map[uuid.UUID]*Appointment),
	}
}

func (r *MemoryRepository) SaveProvider(_ context.Context, p Provider, windows []AvailabilityWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[p.ID] = p
	r.availability[p.ID] = append([]AvailabilityWindow(nil), windows...)
	return nil
}

func (r *MemoryRepository) GetAvailability(_ context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.providers[providerID]
	if !ok || !p.Active {
		return nil, ErrProviderNotFound
	}
	return append([]AvailabilityWindow(nil), r.availability[providerID]...), nil
}

func (r *MemoryRepository) OccupiedTimes(_ context.Context, providerID uuid.UUID, from, to, now time.Time) ([]time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int64]time.Time)
	in := func(t time.Time) bool { return !t.Before(from) && t.Before(to) }

	for _, h := range r.holds {
		if h.ProviderID == providerID && in(h.ScheduledAt) && h.Live(now) {
			seen[h.ScheduledAt.Unix()] = h.ScheduledAt
		}
	}
	for _, a := range r.appointments {
		if a.ProviderID == providerID && in(a.ScheduledAt) && a.Status != StatusCancelled {
			seen[a.ScheduledAt.Unix()] = a.ScheduledAt
		}
	}

	result := make([]time.Time, 0, len(seen))
	for _, t := range seen {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Before(result[j]) })
	return result, nil
}

func (r *MemoryRepository) occupiedLocked(providerID uuid.UUID, at, now time.Time) bool {
	for _, h := range r.holds {
		if h.ProviderID == providerID && h.ScheduledAt.Equal(at) && h.Live(now) {
			return true
		}
	}
	for _, a := range r.appointments {
		if a.ProviderID == providerID && a.ScheduledAt.Equal(at) && a.Status != StatusCancelled {
			return true
		}
	}
	return false
}

func (r *MemoryRepository) InsertHold(_ context.Context, h SlotHold, now time.Time) (*SlotHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.occupiedLocked(h.ProviderID, h.ScheduledAt, now) {
		return nil, ErrSlotTaken
	}

	for _, old := range r.holds {
		if old.ProviderID == h.ProviderID && old.ScheduledAt.Equal(h.ScheduledAt) && old.Status == HoldHeld {
			old.Status = HoldExpired
			old.UpdatedAt = now
		}
	}

	h.Status = HoldHeld
	h.CreatedAt = now
	h.UpdatedAt = now
	stored := h
	r.holds[h.ID] = &stored

	out := stored
	return &out, nil
}

func (r *MemoryRepository) GetHold(_ context.Context, id uuid.UUID) (*SlotHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.holds[id]
	if !ok {
		return nil, ErrHoldNotFound
	}
	out := *h
	return &out, nil
}

func (r *MemoryRepository) ExpireHold(_ context.Context, id uuid.UUID, now time.Time) (*SlotHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.holds[id]
	if !ok || h.Status != HoldHeld || h.ExpiresAt.After(now) {
		return nil, ErrStaleState
	}
	h.Status = HoldExpired
	h.UpdatedAt = now

	out := *h
	return &out, nil
}

func (r *MemoryRepository) ExpireHolds(_ context.Context, now time.Time) ([]SlotHold, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []SlotHold
	for _, h := range r.holds {
		if h.Status == HoldHeld && h.ExpiresAt.Before(now) {
			h.Status = HoldExpired
			h.UpdatedAt = now
			result = append(result, *h)
		}
	}
	return result, nil
}

func (r *MemoryRepository) ConfirmHold(_ context.Context, holdID uuid.UUID, now time.Time, appt Appointment) (*SlotHold, *Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.holds[holdID]
	if !ok || h.Status != HoldHeld || !h.ExpiresAt.After(now) {
		return nil, nil, ErrStaleState
	}
	for _, a := range r.appointments {
		if a.ProviderID == appt.ProviderID && a.ScheduledAt.Equal(appt.ScheduledAt) && a.Status != StatusCancelled {
			return nil, nil, ErrSlotTaken
		}
	}

	appt.CreatedAt = now
	appt.UpdatedAt = now
	stored := appt
	r.appointments[appt.ID] = &stored

	linked := appt.ID
	h.Status = HoldConfirmed
	h.LinkedAppointmentID = &linked
	h.UpdatedAt = now

	hold, created := *h, stored
	return &hold, &created, nil
}

func (r *MemoryRepository) InsertAppointment(_ context.Context, appt Appointment, now time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.occupiedLocked(appt.ProviderID, appt.ScheduledAt, now) {
		return nil, ErrSlotTaken
	}

	appt.CreatedAt = now
	appt.UpdatedAt = now
	stored := appt
	r.appointments[appt.ID] = &stored

	out := stored
	return &out, nil
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (r *MemoryRepository) ListAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	r.mu.Lock()
	var result []Appointment
	for _, a := range r.appointments {
		if f.SubjectID != nil && a.SubjectID != *f.SubjectID {
			continue
		}
		if f.ProviderID != nil && a.ProviderID != *f.ProviderID {
			continue
		}
		result = append(result, *a)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ScheduledAt.Equal(result[j].ScheduledAt) {
			return result[i].ID.String() < result[j].ID.String()
		}
		return result[i].ScheduledAt.Before(result[j].ScheduledAt)
	})

	if f.Offset >= len(result) {
		return nil, nil
	}
	result = result[f.Offset:]
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (r *MemoryRepository) TransitionAppointment(_ context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus, now time.Time) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || !containsStatus(from, a.Status) {
		return nil, ErrStaleState
	}
	a.Status = to
	a.UpdatedAt = now

	if to == StatusCancelled && a.HoldID != nil {
		if h, ok := r.holds[*a.HoldID]; ok && h.Status == HoldConfirmed {
			h.Status = HoldExpired
			h.UpdatedAt = now
		}
	}

	out := *a
	return &out, nil
}

func containsStatus(list []AppointmentStatus, s AppointmentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
