// Package matching ranks online providers by distance to a request.
package matching

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/geo"
)

// Session is a provider's presence record. It is overwritten on every
// heartbeat and dropped when the provider goes offline.
type Session struct {
	ProviderID uuid.UUID  `json:"providerId"`
	Pool       string     `json:"pool"`
	Online     bool       `json:"isOnline"`
	Location   *geo.Point `json:"lastLocation,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

type Candidate struct {
	ProviderID uuid.UUID `json:"providerId"`
	DistanceKm float64   `json:"distanceKm"`
	Location   geo.Point `json:"location"`
}

type Options struct {
	// MaxRadiusKm of 0 means no radius cap.
	MaxRadiusKm float64
	// MaxCandidates of 0 means no truncation.
	MaxCandidates int
}

// FreelanceOptions are used for on-demand doctor offers.
func FreelanceOptions() Options {
	return Options{MaxRadiusKm: 10, MaxCandidates: 10}
}

// SOSOptions rank the whole responder pool.
func SOSOptions() Options {
	return Options{}
}

// FindCandidates keeps online sessions with a valid location inside the
// radius, nearest first. Equal distances keep input order.
func FindCandidates(origin geo.Point, sessions []Session, opts Options) []Candidate {
	candidates := make([]Candidate, 0, len(sessions))
	for _, s := range sessions {
		if !s.Online || s.Location == nil || !s.Location.Valid() {
			continue
		}
		d := geo.DistanceKm(origin, *s.Location)
		if opts.MaxRadiusKm > 0 && d > opts.MaxRadiusKm {
			continue
		}
		candidates = append(candidates, Candidate{ProviderID: s.ProviderID, DistanceKm: d, Location: *s.Location})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].DistanceKm < candidates[j].DistanceKm
	})

	if opts.MaxCandidates > 0 && len(candidates) > opts.MaxCandidates {
		candidates = candidates[:opts.MaxCandidates]
	}
	return candidates
}

// IDs returns the candidates' provider ids in rank order.
func IDs(candidates []Candidate) []uuid.UUID {
	ids := make([]uuid.UUID, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ProviderID
	}
	return ids
}
