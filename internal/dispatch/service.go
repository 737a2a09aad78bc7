package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/audit"
	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/clock"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/matching"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
)

const (
	EventSOSNew       = "sos:new"
	EventSOSUpdated   = "sos:updated"
	EventSOSAssigned  = "sos:assigned"
	EventSOSResolved  = "sos:resolved"
	EventOffer        = "freelance:request:offer"
	EventUpdated      = "freelance:request:updated"
	EventAssigned     = "freelance:request:assigned"
	retryBatch        = 100
	defaultOfferTTL   = 2 * time.Minute
	defaultSessionTTL = 90 * time.Second
)

var (
	ErrAlreadyAssigned = apperr.New(apperr.KindConflict, "request already accepted by another provider")
	ErrNotEligible     = apperr.New(apperr.KindNotFound, "request is no longer available to you")
	ErrOfferExpired    = apperr.New(apperr.KindExpired, "offer has expired")
	ErrNotAssigned     = apperr.New(apperr.KindForbidden, "only the assigned provider can do this")
)

type Config struct {
	OfferTTL   time.Duration
	SessionTTL time.Duration
}

type Service struct {
	repo     RequestRepository
	sessions SessionStore
	notifier *realtime.Notifier
	audit    audit.Recorder
	clock    clock.Clock
	log      zerolog.Logger
	cfg      Config
}

func NewService(repo RequestRepository, sessions SessionStore, notifier *realtime.Notifier, recorder audit.Recorder, clk clock.Clock, log zerolog.Logger, cfg Config) *Service {
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = defaultOfferTTL
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	return &Service{
		repo:     repo,
		sessions: sessions,
		notifier: notifier,
		audit:    recorder,
		clock:    clk,
		log:      log.With().Str("component", "dispatch").Logger(),
		cfg:      cfg,
	}
}

// CreateInput carries the requester's payload. Notes apply to SOS,
// Symptoms to freelance requests.
type CreateInput struct {
	Location geo.Point
	Notes    string
	Symptoms []string
}

// Create opens a request, or returns the requester's live request of the
// same kind with created false.
func (s *Service) Create(ctx context.Context, kind Kind, requesterID uuid.UUID, in CreateInput) (*Request, bool, error) {
	if !kind.Valid() {
		return nil, false, apperr.Validation("unknown request kind %q", kind)
	}
	if !in.Location.Valid() {
		return nil, false, apperr.Validation("a valid location is required")
	}

	now := s.clock.Now()
	r := Request{
		ID:          uuid.New(),
		Kind:        kind,
		RequesterID: requesterID,
		Status:      StatusRequested,
		Location:    in.Location,
		Notes:       in.Notes,
		Symptoms:    in.Symptoms,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var ranked []matching.Candidate
	if kind == KindSOS {
		ranked = s.rank(ctx, realtime.PoolAmbulance, requesterID, in.Location, matching.SOSOptions())
		r.CandidateIDs = matching.IDs(ranked)
	}

	stored, created, err := s.repo.Create(ctx, r)
	if err != nil {
		return nil, false, errors.Wrap(err, "create dispatch request")
	}
	if !created {
		return stored, false, nil
	}

	s.record(ctx, audit.EventDispatchCreated, stored, map[string]any{"kind": kind, "candidates": len(stored.CandidateIDs)})

	if kind == KindSOS {
		s.notifier.Notify(ctx, EventSOSNew, stored,
			realtime.PoolTopic(realtime.PoolAmbulance),
			realtime.UserTopic(requesterID),
			realtime.RequestTopic(stored.ID),
		)
		return stored, true, nil
	}

	offered, _, err := s.Offer(ctx, stored.ID)
	if err != nil {
		// the sweep retries REQUESTED freelance requests
		s.log.Warn().Err(err).Str("request_id", stored.ID.String()).Msg("initial offer failed")
		return stored, true, nil
	}
	return offered, true, nil
}

func (s *Service) rank(ctx context.Context, pool string, exclude uuid.UUID, origin geo.Point, opts matching.Options) []matching.Candidate {
	sessions, err := s.sessions.ListOnline(ctx, pool)
	if err != nil {
		s.log.Warn().Err(err).Str("pool", pool).Msg("failed to load provider sessions")
		return nil
	}

	filtered := sessions[:0]
	for _, sess := range sessions {
		if sess.ProviderID != exclude {
			filtered = append(filtered, sess)
		}
	}
	return matching.FindCandidates(origin, filtered, opts)
}

type offerPayload struct {
	RequestID      uuid.UUID `json:"requestId"`
	PickupLocation geo.Point `json:"pickupLocation"`
	Symptoms       []string  `json:"symptoms"`
	DistanceKm     float64   `json:"distanceKm"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

type updatePayload struct {
	RequestID uuid.UUID `json:"requestId"`
	Status    Status    `json:"status"`
	Request   *Request  `json:"request"`
}

// Offer ranks online doctors near a freelance request and offers it to them.
// Without candidates the request stays REQUESTED.
func (s *Service) Offer(ctx context.Context, requestID uuid.UUID) (*Request, []matching.Candidate, error) {
	r, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "load request")
	}
	if r.Kind != KindFreelance || !CanTransition(r.Kind, r.Status, StatusOffered) {
		return nil, nil, apperr.New(apperr.KindInvalidState, "request cannot be offered while "+string(r.Status))
	}

	candidates := s.rank(ctx, realtime.PoolDoctors, r.RequesterID, r.Location, matching.FreelanceOptions())
	if len(candidates) == 0 {
		return r, nil, nil
	}

	now := s.clock.Now()
	expires := now.Add(s.cfg.OfferTTL)
	offered, err := s.repo.MarkOffered(ctx, requestID, matching.IDs(candidates), expires, now)
	if err != nil {
		return nil, nil, errors.Wrap(err, "mark offered")
	}

	s.record(ctx, audit.EventDispatchTransitioned, offered, map[string]any{"from": r.Status, "to": offered.Status, "candidates": len(candidates)})

	for _, c := range candidates {
		s.notifier.Notify(ctx, EventOffer, offerPayload{
			RequestID:      offered.ID,
			PickupLocation: offered.Location,
			Symptoms:       offered.Symptoms,
			DistanceKm:     c.DistanceKm,
			ExpiresAt:      expires,
		}, realtime.ProviderTopic(c.ProviderID))
	}
	s.notifier.Notify(ctx, EventUpdated, updatePayload{RequestID: offered.ID, Status: offered.Status, Request: offered},
		realtime.UserTopic(offered.RequesterID), realtime.RequestTopic(offered.ID))

	return offered, candidates, nil
}

// Accept assigns the request to providerID. The first accept wins.
func (s *Service) Accept(ctx context.Context, providerID, requestID uuid.UUID) (*Request, error) {
	r, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "load request")
	}
	if err := s.checkAcceptable(r, providerID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	assigned, err := s.repo.Assign(ctx, requestID, providerID, AllowedFrom(r.Kind, StatusAccepted), r.Kind == KindFreelance, now)
	if err != nil {
		if !errors.Is(err, ErrStaleState) {
			return nil, errors.Wrap(err, "assign request")
		}
		// lost the race; say why
		latest, getErr := s.repo.Get(ctx, requestID)
		if getErr != nil {
			return nil, errors.Wrap(getErr, "reload request")
		}
		if err := s.checkAcceptable(latest, providerID); err != nil {
			return nil, err
		}
		return nil, ErrStaleState
	}

	s.record(ctx, audit.EventDispatchTransitioned, assigned, map[string]any{"from": r.Status, "to": assigned.Status, "provider_id": providerID})
	s.announce(ctx, r, assigned)

	return assigned, nil
}

func (s *Service) checkAcceptable(r *Request, providerID uuid.UUID) error {
	if r.AssignedProviderID != nil {
		if *r.AssignedProviderID == providerID {
			return apperr.New(apperr.KindConflict, "you already accepted this request")
		}
		return ErrAlreadyAssigned
	}
	if r.Status.Terminal() {
		return ErrNotEligible
	}
	if r.Kind == KindFreelance {
		if !r.IsCandidate(providerID) {
			return ErrNotEligible
		}
		if r.OfferExpiresAt != nil && !r.OfferExpiresAt.After(s.clock.Now()) {
			return ErrOfferExpired
		}
	}
	return nil
}

// Complete resolves an accepted request; only its assignee may do so.
func (s *Service) Complete(ctx context.Context, providerID, requestID uuid.UUID) (*Request, error) {
	r, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "load request")
	}
	if !r.IsAssigned(providerID) {
		if r.RequesterID == providerID || r.IsCandidate(providerID) {
			return nil, ErrNotAssigned
		}
		return nil, ErrRequestNotFound
	}

	return s.transition(ctx, r, StatusCompleted, providerID)
}

// Cancel is open to the requester from any live status, and to the assignee
// once accepted.
func (s *Service) Cancel(ctx context.Context, actorID, requestID uuid.UUID) (*Request, error) {
	r, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "load request")
	}

	switch {
	case r.RequesterID == actorID:
	case r.IsAssigned(actorID):
		if r.Status != StatusAccepted {
			return nil, apperr.New(apperr.KindInvalidState, "request is "+string(r.Status))
		}
	default:
		return nil, ErrRequestNotFound
	}

	return s.transition(ctx, r, StatusCancelled, actorID)
}

func (s *Service) transition(ctx context.Context, r *Request, to Status, actorID uuid.UUID) (*Request, error) {
	if !CanTransition(r.Kind, r.Status, to) {
		return nil, apperr.New(apperr.KindInvalidState, "request is "+string(r.Status))
	}

	updated, err := s.repo.Transition(ctx, r.ID, AllowedFrom(r.Kind, to), to, s.clock.Now())
	if err != nil {
		return nil, errors.Wrapf(err, "move request to %s", to)
	}

	s.record(ctx, audit.EventDispatchTransitioned, updated, map[string]any{"from": r.Status, "to": to, "by": actorID})
	s.announce(ctx, r, updated)

	return updated, nil
}

// UpdateLocation moves the pickup point of a live request.
func (s *Service) UpdateLocation(ctx context.Context, requesterID, requestID uuid.UUID, loc geo.Point) (*Request, error) {
	if !loc.Valid() {
		return nil, apperr.Validation("a valid location is required")
	}

	r, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "load request")
	}
	if r.RequesterID != requesterID {
		return nil, ErrRequestNotFound
	}
	if r.Status.Terminal() {
		return nil, apperr.New(apperr.KindInvalidState, "request is "+string(r.Status))
	}

	updated, err := s.repo.UpdateLocation(ctx, requestID, loc, s.clock.Now())
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, apperr.New(apperr.KindInvalidState, "request is no longer live")
		}
		return nil, errors.Wrap(err, "update location")
	}

	s.announce(ctx, r, updated)
	return updated, nil
}

// Get returns a request to a party of it. Ambulance crews may read any SOS.
func (s *Service) Get(ctx context.Context, p auth.Principal, requestID uuid.UUID) (*Request, error) {
	r, err := s.repo.Get(ctx, requestID)
	if err != nil {
		return nil, errors.Wrap(err, "get request")
	}

	switch {
	case p.Role == auth.RoleAdmin,
		r.RequesterID == p.UserID,
		r.IsAssigned(p.UserID),
		r.IsCandidate(p.UserID),
		r.Kind == KindSOS && p.Role == auth.RoleAmbulance:
		return r, nil
	}
	return nil, ErrRequestNotFound
}

// ExpireOffers closes freelance offers nobody accepted in time.
func (s *Service) ExpireOffers(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireOffers(ctx, s.clock.Now())
	if err != nil {
		return 0, errors.Wrap(err, "expire offers")
	}

	for i := range expired {
		r := &expired[i]
		s.record(ctx, audit.EventDispatchTransitioned, r, map[string]any{"from": StatusOffered, "to": StatusExpired})
		previous := *r
		previous.Status = StatusOffered
		s.announce(ctx, &previous, r)
	}
	return len(expired), nil
}

// RetryOpen re-runs matching for freelance requests still waiting for
// candidates and returns how many got offered.
func (s *Service) RetryOpen(ctx context.Context) (int, error) {
	open, err := s.repo.ListByStatus(ctx, KindFreelance, StatusRequested, retryBatch)
	if err != nil {
		return 0, errors.Wrap(err, "list open requests")
	}

	offered := 0
	for _, r := range open {
		_, candidates, err := s.Offer(ctx, r.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("request_id", r.ID.String()).Msg("re-offer failed")
			continue
		}
		if len(candidates) > 0 {
			offered++
		}
	}
	return offered, nil
}

// announce fans a state change out to everyone involved in it.
func (s *Service) announce(ctx context.Context, before, after *Request) {
	topics := []string{realtime.UserTopic(after.RequesterID), realtime.RequestTopic(after.ID)}
	if after.AssignedProviderID != nil {
		topics = append(topics, realtime.ProviderTopic(*after.AssignedProviderID))
	}

	if after.Kind == KindSOS {
		eventType := EventSOSUpdated
		switch {
		case after.Status == StatusAccepted && before.Status != StatusAccepted:
			eventType = EventSOSAssigned
		case after.Status == StatusCompleted:
			eventType = EventSOSResolved
		}
		if after.AssignedProviderID == nil || eventType == EventSOSAssigned {
			topics = append(topics, realtime.PoolTopic(realtime.PoolAmbulance))
		}
		s.notifier.Notify(ctx, eventType, after, topics...)
		return
	}

	for _, id := range after.CandidateIDs {
		topics = append(topics, realtime.ProviderTopic(id))
	}
	if after.Status == StatusAccepted && before.Status != StatusAccepted {
		s.notifier.Notify(ctx, EventAssigned, after,
			realtime.UserTopic(after.RequesterID), realtime.RequestTopic(after.ID), realtime.ProviderTopic(*after.AssignedProviderID))
	}
	s.notifier.Notify(ctx, EventUpdated, updatePayload{RequestID: after.ID, Status: after.Status, Request: after}, topics...)
}

func (s *Service) record(ctx context.Context, eventType string, r *Request, payload map[string]any) {
	if err := s.audit.Record(ctx, audit.NewEntry(eventType, r.ID, payload, s.clock.Now())); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Str("request_id", r.ID.String()).Msg("failed to record audit entry")
	}
}
