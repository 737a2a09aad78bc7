package slots

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/triage"
)

type HoldStatus string

const (
	HoldHeld      HoldStatus = "HELD"
	HoldExpired   HoldStatus = "EXPIRED"
	HoldConfirmed HoldStatus = "CONFIRMED"
)

type AppointmentStatus string

const (
	StatusScheduled  AppointmentStatus = "SCHEDULED"
	StatusInProgress AppointmentStatus = "IN_PROGRESS"
	StatusCompleted  AppointmentStatus = "COMPLETED"
	StatusCancelled  AppointmentStatus = "CANCELLED"
)

type AppointmentType string

const (
	TypeVideo    AppointmentType = "VIDEO"
	TypeAudio    AppointmentType = "AUDIO"
	TypeChat     AppointmentType = "CHAT"
	TypeInPerson AppointmentType = "IN_PERSON"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeVideo, TypeAudio, TypeChat, TypeInPerson:
		return true
	}
	return false
}

type Provider struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Specialty *string   `json:"specialty,omitempty"`
	Active    bool      `json:"active"`
}

// AvailabilityWindow is one recurring weekly block, in minutes since
// midnight UTC. EndMinute is exclusive.
type AvailabilityWindow struct {
	Weekday     time.Weekday `json:"weekday" yaml:"weekday"`
	StartMinute int          `json:"startMinute" yaml:"startMinute"`
	EndMinute   int          `json:"endMinute" yaml:"endMinute"`
}

func (w AvailabilityWindow) Valid() bool {
	return w.Weekday >= time.Sunday && w.Weekday <= time.Saturday &&
		w.StartMinute >= 0 && w.EndMinute <= 24*60 && w.StartMinute < w.EndMinute
}

// Covers reports whether t (UTC) starts inside the window.
func (w AvailabilityWindow) Covers(t time.Time) bool {
	t = t.UTC()
	m := t.Hour()*60 + t.Minute()
	return t.Weekday() == w.Weekday && m >= w.StartMinute && m < w.EndMinute
}

type SlotHold struct {
	ID                  uuid.UUID  `json:"id"`
	ProviderID          uuid.UUID  `json:"providerId"`
	SubjectID           uuid.UUID  `json:"subjectId"`
	ScheduledAt         time.Time  `json:"scheduledAt"`
	Status              HoldStatus `json:"status"`
	ExpiresAt           time.Time  `json:"expiresAt"`
	LinkedAppointmentID *uuid.UUID `json:"linkedAppointmentId,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Live reports whether the hold still occupies its slot at now.
func (h SlotHold) Live(now time.Time) bool {
	return h.Status == HoldConfirmed || (h.Status == HoldHeld && h.ExpiresAt.After(now))
}

type Appointment struct {
	ID          uuid.UUID         `json:"id"`
	SubjectID   uuid.UUID         `json:"subjectId"`
	ProviderID  uuid.UUID         `json:"providerId"`
	ScheduledAt time.Time         `json:"scheduledAt"`
	Type        AppointmentType   `json:"type"`
	Status      AppointmentStatus `json:"status"`
	RiskLevel   triage.RiskLevel  `json:"riskLevel"`
	RiskScore   int               `json:"riskScore"`
	HoldID      *uuid.UUID        `json:"holdId,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

type AppointmentFilter struct {
	SubjectID  *uuid.UUID
	ProviderID *uuid.UUID
	Limit      int
	Offset     int
}
