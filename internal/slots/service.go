package slots

import (
	"context"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/audit"
	"github.com/hackgods/telehealth-dispatch/internal/clock"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
	redisclient "github.com/hackgods/telehealth-dispatch/internal/redis"
	"github.com/hackgods/telehealth-dispatch/internal/triage"
)

const (
	EventHeld               = "slots:held"
	EventConfirmed          = "slots:confirmed"
	EventExpired            = "slots:expired"
	EventAppointmentUpdated = "appointment:updated"
)

const (
	LeadTime = 2 * time.Minute

	DefaultDays        = 7
	MaxDays            = 30
	DefaultSlotMinutes = 30
	MinSlotMinutes     = 5
	MaxSlotMinutes     = 240
	MaxListed          = 120

	MinHoldTTL = 30
	MaxHoldTTL = 600
)

var (
	ErrHoldExpired = apperr.New(apperr.KindExpired, "hold has expired, please pick a slot again")
	ErrSlotBusy    = apperr.New(apperr.KindConflict, "slot is currently being booked, please retry")
)

type Service struct {
	repo       Repository
	locker     redisclient.Locker
	classifier triage.Classifier
	notifier   *realtime.Notifier
	audit      audit.Recorder
	clock      clock.Clock
	log        zerolog.Logger
}

// NewService wires the slot manager. locker may be nil, in which case the
// store alone arbitrates concurrent holds.
func NewService(
	repo Repository,
	locker redisclient.Locker,
	classifier triage.Classifier,
	notifier *realtime.Notifier,
	recorder audit.Recorder,
	clk clock.Clock,
	log zerolog.Logger,
) *Service {
	return &Service{
		repo:       repo,
		locker:     locker,
		classifier: classifier,
		notifier:   notifier,
		audit:      recorder,
		clock:      clk,
		log:        log.With().Str("component", "slots").Logger(),
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

// ListAvailableSlots returns bookable start times for the provider, ascending.
func (s *Service) ListAvailableSlots(ctx context.Context, providerID uuid.UUID, days, slotMinutes int) ([]time.Time, error) {
	if days == 0 {
		days = DefaultDays
	}
	if slotMinutes == 0 {
		slotMinutes = DefaultSlotMinutes
	}
	if days < 1 || days > MaxDays {
		return nil, apperr.Validation("days must be between 1 and %d", MaxDays)
	}
	if slotMinutes < MinSlotMinutes || slotMinutes > MaxSlotMinutes {
		return nil, apperr.Validation("slotMinutes must be between %d and %d", MinSlotMinutes, MaxSlotMinutes)
	}

	s.sweepLazily(ctx)

	windows, err := s.repo.GetAvailability(ctx, providerID)
	if err != nil {
		return nil, errors.Wrap(err, "load availability")
	}

	now := s.now()
	from := now.Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, days)

	occupied, err := s.repo.OccupiedTimes(ctx, providerID, from, to, now)
	if err != nil {
		return nil, errors.Wrap(err, "load occupied times")
	}

	return candidateSlots(windows, occupied, from, days, slotMinutes, now.Add(LeadTime)), nil
}

// candidateSlots expands weekly windows over days starting at from, dropping
// anything before earliest or already occupied.
func candidateSlots(windows []AvailabilityWindow, occupied []time.Time, from time.Time, days, slotMinutes int, earliest time.Time) []time.Time {
	taken := make(map[int64]struct{}, len(occupied))
	for _, t := range occupied {
		taken[t.Unix()] = struct{}{}
	}

	step := time.Duration(slotMinutes) * time.Minute
	var result []time.Time
	for d := 0; d < days; d++ {
		day := from.AddDate(0, 0, d)
		for _, w := range windows {
			if w.Weekday != day.Weekday() {
				continue
			}
			end := day.Add(time.Duration(w.EndMinute) * time.Minute)
			for t := day.Add(time.Duration(w.StartMinute) * time.Minute); !t.Add(step).After(end); t = t.Add(step) {
				if t.Before(earliest) {
					continue
				}
				if _, ok := taken[t.Unix()]; ok {
					continue
				}
				result = append(result, t)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].Before(result[j]) })

	// overlapping windows can yield the same time twice
	deduped := result[:0]
	for i, t := range result {
		if i > 0 && t.Equal(result[i-1]) {
			continue
		}
		deduped = append(deduped, t)
	}

	if len(deduped) > MaxListed {
		deduped = deduped[:MaxListed]
	}
	return deduped
}

// checkBookable validates a requested start time against lead time and the
// provider's weekly template.
func (s *Service) checkBookable(ctx context.Context, providerID uuid.UUID, at, now time.Time) error {
	if at.IsZero() {
		return apperr.Validation("scheduledAt is required")
	}
	if at.Before(now.Add(LeadTime)) {
		return apperr.Validation("scheduledAt must be at least %d minutes in the future", int(LeadTime.Minutes()))
	}

	windows, err := s.repo.GetAvailability(ctx, providerID)
	if err != nil {
		return errors.Wrap(err, "load availability")
	}
	for _, w := range windows {
		if w.Covers(at) {
			return nil
		}
	}
	return apperr.Validation("scheduledAt is outside the provider's availability")
}

func (s *Service) withSlotLock(ctx context.Context, providerID uuid.UUID, at time.Time, fn func(ctx context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	err := s.locker.WithSlotLock(ctx, providerID, at, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return ErrSlotBusy
	}
	return err
}

// CreateHold claims (providerID, scheduledAt) for ttlSeconds.
func (s *Service) CreateHold(ctx context.Context, requesterID, providerID uuid.UUID, scheduledAt time.Time, ttlSeconds int) (*SlotHold, error) {
	if ttlSeconds < MinHoldTTL || ttlSeconds > MaxHoldTTL {
		return nil, apperr.Validation("ttlSeconds must be between %d and %d", MinHoldTTL, MaxHoldTTL)
	}
	if providerID == uuid.Nil {
		return nil, apperr.Validation("doctorId is required")
	}

	at := scheduledAt.UTC().Truncate(time.Minute)
	now := s.now()
	if err := s.checkBookable(ctx, providerID, at, now); err != nil {
		return nil, err
	}

	s.sweepLazily(ctx)

	hold := SlotHold{
		ID:          uuid.New(),
		ProviderID:  providerID,
		SubjectID:   requesterID,
		ScheduledAt: at,
		Status:      HoldHeld,
		ExpiresAt:   now.Add(time.Duration(ttlSeconds) * time.Second),
	}

	var created *SlotHold
	err := s.withSlotLock(ctx, providerID, at, func(lockCtx context.Context) error {
		var err error
		created, err = s.repo.InsertHold(lockCtx, hold, now)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "insert hold")
	}

	s.record(ctx, audit.EventHoldCreated, created.ID, map[string]any{
		"provider_id":  providerID,
		"subject_id":   requesterID,
		"scheduled_at": at,
		"expires_at":   created.ExpiresAt,
	})
	s.notifier.Notify(ctx, EventHeld, created, realtime.UserTopic(requesterID), realtime.ProviderTopic(providerID))

	return created, nil
}

// ConfirmHold turns the requester's live hold into an appointment.
func (s *Service) ConfirmHold(ctx context.Context, requesterID, holdID uuid.UUID, apptType AppointmentType, symptoms []string) (*Appointment, error) {
	if apptType == "" {
		apptType = TypeVideo
	}
	if !apptType.Valid() {
		return nil, apperr.Validation("unknown appointment type %q", apptType)
	}

	s.sweepLazily(ctx)

	hold, err := s.repo.GetHold(ctx, holdID)
	if err != nil {
		return nil, errors.Wrap(err, "load hold")
	}
	if hold.SubjectID != requesterID || hold.Status == HoldConfirmed {
		return nil, ErrHoldNotFound
	}

	now := s.now()
	if hold.Status == HoldExpired {
		return nil, ErrHoldExpired
	}
	if !hold.ExpiresAt.After(now) {
		s.expire(ctx, holdID, now, "confirm_after_expiry")
		return nil, ErrHoldExpired
	}

	assessment := s.classify(ctx, symptoms)
	linkedHold := holdID
	appt := Appointment{
		ID:          uuid.New(),
		SubjectID:   requesterID,
		ProviderID:  hold.ProviderID,
		ScheduledAt: hold.ScheduledAt,
		Type:        apptType,
		Status:      StatusScheduled,
		RiskLevel:   assessment.RiskLevel,
		RiskScore:   assessment.RiskScore,
		HoldID:      &linkedHold,
	}

	confirmed, created, err := s.repo.ConfirmHold(ctx, holdID, now, appt)
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, s.explainFailedConfirm(ctx, holdID)
		}
		return nil, errors.Wrap(err, "confirm hold")
	}

	s.record(ctx, audit.EventHoldConfirmed, confirmed.ID, map[string]any{
		"appointment_id": created.ID,
		"risk_level":     created.RiskLevel,
	})
	s.notifier.Notify(ctx, EventConfirmed, created, realtime.UserTopic(requesterID), realtime.ProviderTopic(created.ProviderID))

	return created, nil
}

// explainFailedConfirm re-reads a hold whose conditional confirm lost, to
// tell an expiry apart from a concurrent confirmation.
func (s *Service) explainFailedConfirm(ctx context.Context, holdID uuid.UUID) error {
	hold, err := s.repo.GetHold(ctx, holdID)
	if err != nil {
		return errors.Wrap(err, "reload hold")
	}

	now := s.now()
	switch {
	case hold.Status == HoldExpired:
		return ErrHoldExpired
	case hold.Status == HoldHeld && !hold.ExpiresAt.After(now):
		s.expire(ctx, holdID, now, "confirm_after_expiry")
		return ErrHoldExpired
	default:
		return ErrStaleState
	}
}

func (s *Service) expire(ctx context.Context, holdID uuid.UUID, now time.Time, reason string) {
	h, err := s.repo.ExpireHold(ctx, holdID, now)
	if err != nil {
		if !errors.Is(err, ErrStaleState) {
			s.log.Warn().Err(err).Str("hold_id", holdID.String()).Msg("failed to expire hold")
		}
		return
	}
	s.record(ctx, audit.EventHoldExpired, holdID, map[string]any{"reason": reason})
	s.notifier.Notify(ctx, EventExpired, h, realtime.UserTopic(h.SubjectID))
}

// Book creates an appointment directly, without a prior hold.
func (s *Service) Book(ctx context.Context, requesterID, providerID uuid.UUID, scheduledAt time.Time, apptType AppointmentType, symptoms []string) (*Appointment, error) {
	if apptType == "" {
		apptType = TypeVideo
	}
	if !apptType.Valid() {
		return nil, apperr.Validation("unknown appointment type %q", apptType)
	}
	if providerID == uuid.Nil {
		return nil, apperr.Validation("doctorId is required")
	}

	at := scheduledAt.UTC().Truncate(time.Minute)
	now := s.now()
	if err := s.checkBookable(ctx, providerID, at, now); err != nil {
		return nil, err
	}

	s.sweepLazily(ctx)

	assessment := s.classify(ctx, symptoms)
	appt := Appointment{
		ID:          uuid.New(),
		SubjectID:   requesterID,
		ProviderID:  providerID,
		ScheduledAt: at,
		Type:        apptType,
		Status:      StatusScheduled,
		RiskLevel:   assessment.RiskLevel,
		RiskScore:   assessment.RiskScore,
	}

	var created *Appointment
	err := s.withSlotLock(ctx, providerID, at, func(lockCtx context.Context) error {
		var err error
		created, err = s.repo.InsertAppointment(lockCtx, appt, now)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "book appointment")
	}

	s.record(ctx, audit.EventAppointmentBooked, created.ID, map[string]any{
		"provider_id":  providerID,
		"scheduled_at": at,
	})
	s.notifier.Notify(ctx, EventAppointmentUpdated, created, realtime.UserTopic(requesterID), realtime.ProviderTopic(providerID))

	return created, nil
}

type transitionRule struct {
	from         []AppointmentStatus
	providerOnly bool
}

var appointmentTransitions = map[AppointmentStatus]transitionRule{
	StatusInProgress: {from: []AppointmentStatus{StatusScheduled}, providerOnly: true},
	StatusCompleted:  {from: []AppointmentStatus{StatusInProgress}, providerOnly: true},
	StatusCancelled:  {from: []AppointmentStatus{StatusScheduled, StatusInProgress}},
}

// TransitionAppointment moves an appointment along its lifecycle on behalf
// of its patient or provider.
func (s *Service) TransitionAppointment(ctx context.Context, actorID, appointmentID uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	rule, ok := appointmentTransitions[to]
	if !ok {
		return nil, apperr.Validation("cannot move an appointment to %q", to)
	}

	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, errors.Wrap(err, "load appointment")
	}

	isProvider := appt.ProviderID == actorID
	if !isProvider && appt.SubjectID != actorID {
		return nil, ErrAppointmentNotFound
	}
	if rule.providerOnly && !isProvider {
		return nil, apperr.Forbidden("only the provider can move an appointment to %s", to)
	}
	if !containsStatus(rule.from, appt.Status) {
		return nil, apperr.New(apperr.KindInvalidState, "appointment is "+string(appt.Status))
	}

	updated, err := s.repo.TransitionAppointment(ctx, appointmentID, rule.from, to, s.now())
	if err != nil {
		return nil, errors.Wrap(err, "transition appointment")
	}

	s.record(ctx, audit.EventAppointmentUpdated, updated.ID, map[string]any{
		"from": appt.Status,
		"to":   updated.Status,
		"by":   actorID,
	})
	s.notifier.Notify(ctx, EventAppointmentUpdated, updated, realtime.UserTopic(updated.SubjectID), realtime.ProviderTopic(updated.ProviderID))

	return updated, nil
}

// GetHold is visible to the hold's requester and provider only.
func (s *Service) GetHold(ctx context.Context, actorID, holdID uuid.UUID) (*SlotHold, error) {
	h, err := s.repo.GetHold(ctx, holdID)
	if err != nil {
		return nil, errors.Wrap(err, "get hold")
	}
	if h.SubjectID != actorID && h.ProviderID != actorID {
		return nil, ErrHoldNotFound
	}
	return h, nil
}

func (s *Service) GetAppointment(ctx context.Context, actorID, appointmentID uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, errors.Wrap(err, "get appointment")
	}
	if a.SubjectID != actorID && a.ProviderID != actorID {
		return nil, ErrAppointmentNotFound
	}
	return a, nil
}

func (s *Service) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	if f.SubjectID == nil && f.ProviderID == nil {
		return nil, apperr.Validation("a subject or provider filter is required")
	}
	if f.Limit <= 0 {
		f.Limit = 20 // default
	}
	if f.Limit > 100 {
		f.Limit = 100 // max
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	appointments, err := s.repo.ListAppointments(ctx, f)
	if err != nil {
		return nil, errors.Wrap(err, "list appointments")
	}
	return appointments, nil
}

// SweepExpired flips every lapsed HELD hold to EXPIRED and returns how many
// were flipped.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.repo.ExpireHolds(ctx, s.now())
	if err != nil {
		return 0, errors.Wrap(err, "expire holds")
	}

	for _, h := range expired {
		s.record(ctx, audit.EventHoldExpired, h.ID, map[string]any{"reason": "sweep"})
		s.notifier.Notify(ctx, EventExpired, h, realtime.UserTopic(h.SubjectID))
	}

	return len(expired), nil
}

func (s *Service) sweepLazily(ctx context.Context) {
	if _, err := s.SweepExpired(ctx); err != nil {
		s.log.Warn().Err(err).Msg("lazy hold sweep failed")
	}
}

// classify never fails a booking: without an assessment the appointment is
// stamped LOW.
func (s *Service) classify(ctx context.Context, symptoms []string) triage.Assessment {
	if s.classifier == nil {
		return triage.Assessment{RiskLevel: triage.RiskLow, Urgency: triage.UrgencyRoutine}
	}
	a, err := s.classifier.Classify(ctx, symptoms)
	if err != nil {
		s.log.Warn().Err(err).Msg("symptom classification failed")
		return triage.Assessment{RiskLevel: triage.RiskLow, Urgency: triage.UrgencyRoutine}
	}
	return a
}

func (s *Service) record(ctx context.Context, eventType string, id uuid.UUID, payload map[string]any) {
	if err := s.audit.Record(ctx, audit.NewEntry(eventType, id, payload, s.now())); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Str("aggregate_id", id.String()).Msg("failed to record audit entry")
	}
}
