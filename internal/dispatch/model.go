package dispatch

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/geo"
)

type Kind string

const (
	KindSOS       Kind = "SOS"
	KindFreelance Kind = "FREELANCE"
)

func (k Kind) Valid() bool {
	return k == KindSOS || k == KindFreelance
}

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusOffered   Status = "OFFERED"
	StatusAccepted  Status = "ACCEPTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusExpired   Status = "EXPIRED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// LiveStatuses are the non-terminal statuses; a requester has at most one
// request per kind in any of them.
var LiveStatuses = []Status{StatusRequested, StatusOffered, StatusAccepted}

// transitions maps a target status to the statuses it may be entered from,
// per kind. SOS never passes through OFFERED.
var transitions = map[Kind]map[Status][]Status{
	KindFreelance: {
		StatusOffered:   {StatusRequested, StatusOffered},
		StatusAccepted:  {StatusRequested, StatusOffered},
		StatusCompleted: {StatusAccepted},
		StatusCancelled: {StatusRequested, StatusOffered, StatusAccepted},
		StatusExpired:   {StatusOffered},
	},
	KindSOS: {
		StatusAccepted:  {StatusRequested},
		StatusCompleted: {StatusAccepted},
		StatusCancelled: {StatusRequested, StatusAccepted},
	},
}

// AllowedFrom lists the statuses from which kind may move to to.
func AllowedFrom(kind Kind, to Status) []Status {
	return transitions[kind][to]
}

// CanTransition reports whether kind may move from from to to.
func CanTransition(kind Kind, from, to Status) bool {
	for _, s := range AllowedFrom(kind, to) {
		if s == from {
			return true
		}
	}
	return false
}

// Request is an SOS call or an on-demand doctor request.
type Request struct {
	ID                 uuid.UUID   `json:"id"`
	Kind               Kind        `json:"kind"`
	RequesterID        uuid.UUID   `json:"requesterId"`
	Status             Status      `json:"status"`
	Location           geo.Point   `json:"lastLocation"`
	Notes              string      `json:"notes,omitempty"`
	Symptoms           []string    `json:"symptoms,omitempty"`
	AssignedProviderID *uuid.UUID  `json:"assignedProviderId,omitempty"`
	CandidateIDs       []uuid.UUID `json:"candidateIds,omitempty"`
	OfferExpiresAt     *time.Time  `json:"offerExpiresAt,omitempty"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

func (r Request) IsCandidate(providerID uuid.UUID) bool {
	for _, id := range r.CandidateIDs {
		if id == providerID {
			return true
		}
	}
	return false
}

func (r Request) IsAssigned(providerID uuid.UUID) bool {
	return r.AssignedProviderID != nil && *r.AssignedProviderID == providerID
}
