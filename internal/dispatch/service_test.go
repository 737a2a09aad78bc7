package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/audit"
	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/clock"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/logging"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
)

var (
	start   = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	pickup  = geo.Point{Lat: 51.5074, Lng: -0.1278}
	nearby  = geo.Point{Lat: 51.5155, Lng: -0.1410} // ~1.3 km
	further = geo.Point{Lat: 51.5450, Lng: -0.0550} // ~6.5 km
	distant = geo.Point{Lat: 52.2053, Lng: 0.1218}  // Cambridge
)

type eventLog struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (e *eventLog) Publish(_ context.Context, ev realtime.Event) error {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
	return nil
}

func (e *eventLog) to(topic string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		if ev.Topic == topic {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fixture struct {
	svc      *Service
	repo     *MemoryRepository
	sessions *MemorySessionStore
	clock    *clock.MockClock
	audit    *audit.MemoryRecorder
	events   *eventLog
	patient  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewMockClock(start)
	f := &fixture{
		repo:     NewMemoryRepository(),
		sessions: NewMemorySessionStore(clk),
		clock:    clk,
		audit:    audit.NewMemoryRecorder(),
		events:   &eventLog{},
		patient:  uuid.New(),
	}
	notifier := realtime.NewNotifier(f.events, clk, logging.Nop())
	f.svc = NewService(f.repo, f.sessions, notifier, f.audit, clk, logging.Nop(), Config{OfferTTL: 2 * time.Minute, SessionTTL: 90 * time.Second})
	return f
}

func (f *fixture) online(t *testing.T, pool string, loc geo.Point) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.svc.GoOnline(context.Background(), id, pool, &loc)
	require.NoError(t, err)
	return id
}

func TestCreateFreelanceOffersNearestDoctors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	far := f.online(t, realtime.PoolDoctors, further)
	near := f.online(t, realtime.PoolDoctors, nearby)
	f.online(t, realtime.PoolDoctors, distant)

	r, created, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup, Symptoms: []string{"fever"}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusOffered, r.Status)
	assert.Equal(t, []uuid.UUID{near, far}, r.CandidateIDs)
	require.NotNil(t, r.OfferExpiresAt)
	assert.Equal(t, start.Add(2*time.Minute), *r.OfferExpiresAt)

	assert.Equal(t, []string{EventOffer}, f.events.to(realtime.ProviderTopic(near)))
	assert.Contains(t, f.events.to(realtime.UserTopic(f.patient)), EventUpdated)
	assert.Len(t, f.audit.OfType(audit.EventDispatchCreated), 1)
}

func TestCreateFreelanceWithoutDoctorsStaysRequested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.online(t, realtime.PoolDoctors, distant)

	r, created, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusRequested, r.Status)
	assert.Empty(t, r.CandidateIDs)

	// a doctor comes online and the retry sweep picks the request up
	doc := f.online(t, realtime.PoolDoctors, nearby)
	n, err := f.svc.RetryOpen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOffered, got.Status)
	assert.Equal(t, []uuid.UUID{doc}, got.CandidateIDs)
}

func TestCreateIsIdempotentPerKind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.svc.Create(ctx, KindSOS, f.patient, CreateInput{Location: pickup, Notes: "fell down stairs"})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.svc.Create(ctx, KindSOS, f.patient, CreateInput{Location: nearby})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, pickup, second.Location)

	// a different kind is a separate request
	other, created, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)

	assert.Len(t, f.audit.OfType(audit.EventDispatchCreated), 2)
	assert.Equal(t, []string{EventSOSNew}, f.events.to(realtime.RequestTopic(first.ID)))
}

func TestCreateRejectsInvalidLocation(t *testing.T) {
	f := newFixture(t)

	_, _, err := f.svc.Create(context.Background(), KindSOS, f.patient, CreateInput{Location: geo.Point{Lat: 91}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, _, err = f.svc.Create(context.Background(), Kind("TAXI"), f.patient, CreateInput{Location: pickup})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestSOSBroadcastsToAmbulancePool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	crew := f.online(t, realtime.PoolAmbulance, distant)

	r, _, err := f.svc.Create(ctx, KindSOS, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, r.Status)
	// SOS ranks the whole pool, no radius cap
	assert.Equal(t, []uuid.UUID{crew}, r.CandidateIDs)
	assert.Equal(t, []string{EventSOSNew}, f.events.to(realtime.PoolTopic(realtime.PoolAmbulance)))

	accepted, err := f.svc.Accept(ctx, crew, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, accepted.Status)
	assert.True(t, accepted.IsAssigned(crew))

	resolved, err := f.svc.Complete(ctx, crew, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resolved.Status)

	assert.Equal(t, []string{EventSOSNew, EventSOSAssigned, EventSOSResolved}, f.events.to(realtime.UserTopic(f.patient)))
}

func TestConcurrentAcceptAssignsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doctors := make([]uuid.UUID, 8)
	for i := range doctors {
		doctors[i] = f.online(t, realtime.PoolDoctors, nearby)
	}

	r, _, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)
	require.Len(t, r.CandidateIDs, len(doctors))

	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for _, id := range doctors {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.Accept(ctx, id, r.ID)
			switch {
			case err == nil:
				wins.Add(1)
			case apperr.IsKind(err, apperr.KindConflict):
				conflicts.Add(1)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(len(doctors)-1), conflicts.Load())

	got, err := f.repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)
	require.NotNil(t, got.AssignedProviderID)
}

func TestAcceptRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.online(t, realtime.PoolDoctors, nearby)
	outsider := f.online(t, realtime.PoolDoctors, distant)

	r, _, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)

	_, err = f.svc.Accept(ctx, outsider, r.ID)
	assert.ErrorIs(t, err, ErrNotEligible)

	f.clock.Add(3 * time.Minute)
	_, err = f.svc.Accept(ctx, doc, r.ID)
	assert.ErrorIs(t, err, ErrOfferExpired)

	n, err := f.svc.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = f.svc.Accept(ctx, doc, r.ID)
	assert.ErrorIs(t, err, ErrNotEligible)

	_, err = f.svc.Accept(ctx, doc, uuid.New())
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))
}

func TestExpireOffersNotifiesRequester(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.online(t, realtime.PoolDoctors, nearby)
	r, _, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)

	f.clock.Add(time.Minute)
	n, err := f.svc.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Add(2 * time.Minute)
	n, err = f.svc.ExpireOffers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
	assert.Equal(t, []string{EventOffer, EventUpdated}, f.events.to(realtime.ProviderTopic(doc)))

	// the requester may open a new one now
	_, created, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCompleteOnlyByAssignee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.online(t, realtime.PoolDoctors, nearby)
	other := f.online(t, realtime.PoolDoctors, nearby)
	r, _, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, doc, r.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	_, err = f.svc.Accept(ctx, doc, r.ID)
	require.NoError(t, err)

	_, err = f.svc.Complete(ctx, other, r.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	done, err := f.svc.Complete(ctx, doc, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = f.svc.Complete(ctx, doc, r.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestCancelRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	crew := f.online(t, realtime.PoolAmbulance, nearby)
	r, _, err := f.svc.Create(ctx, KindSOS, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)

	// the crew cannot drop a request it has not accepted
	_, err = f.svc.Cancel(ctx, crew, r.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	_, err = f.svc.Accept(ctx, crew, r.ID)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, uuid.New(), r.ID)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	cancelled, err := f.svc.Cancel(ctx, crew, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, f.patient, r.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
}

func TestRequesterCancelsOpenRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)

	cancelled, err := f.svc.Cancel(ctx, f.patient, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Len(t, f.audit.OfType(audit.EventDispatchTransitioned), 1)
}

func TestUpdateLocation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, err := f.svc.Create(ctx, KindSOS, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)

	_, err = f.svc.UpdateLocation(ctx, uuid.New(), r.ID, nearby)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	_, err = f.svc.UpdateLocation(ctx, f.patient, r.ID, geo.Point{Lng: 200})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	moved, err := f.svc.UpdateLocation(ctx, f.patient, r.ID, nearby)
	require.NoError(t, err)
	assert.Equal(t, nearby, moved.Location)
	assert.Contains(t, f.events.to(realtime.RequestTopic(r.ID)), EventSOSUpdated)
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.online(t, realtime.PoolDoctors, nearby)
	r, _, err := f.svc.Create(ctx, KindFreelance, f.patient, CreateInput{Location: pickup})
	require.NoError(t, err)

	cases := []struct {
		name    string
		p       auth.Principal
		visible bool
	}{
		{"requester", auth.Principal{UserID: f.patient, Role: auth.RolePatient}, true},
		{"candidate", auth.Principal{UserID: doc, Role: auth.RoleDoctor}, true},
		{"admin", auth.Principal{UserID: uuid.New(), Role: auth.RoleAdmin}, true},
		{"stranger", auth.Principal{UserID: uuid.New(), Role: auth.RolePatient}, false},
		{"ambulance on freelance", auth.Principal{UserID: uuid.New(), Role: auth.RoleAmbulance}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Get(ctx, tc.p, r.ID)
			if tc.visible {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrRequestNotFound)
			}
		})
	}
}

func TestPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := uuid.New()

	_, err := f.svc.GoOnline(ctx, doc, "taxis", nil)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = f.svc.UpdateProviderLocation(ctx, doc, realtime.PoolDoctors, nearby)
	require.NoError(t, err)

	// going online again without a location keeps the last one
	sess, err := f.svc.GoOnline(ctx, doc, realtime.PoolDoctors, nil)
	require.NoError(t, err)
	require.NotNil(t, sess.Location)
	assert.Equal(t, nearby, *sess.Location)

	online, err := f.sessions.ListOnline(ctx, realtime.PoolDoctors)
	require.NoError(t, err)
	assert.Len(t, online, 1)

	// missed heartbeats drop the provider
	f.clock.Add(2 * time.Minute)
	online, err = f.sessions.ListOnline(ctx, realtime.PoolDoctors)
	require.NoError(t, err)
	assert.Empty(t, online)

	_, err = f.svc.GoOnline(ctx, doc, realtime.PoolDoctors, nil)
	require.NoError(t, err)
	require.NoError(t, f.svc.GoOffline(ctx, doc, realtime.PoolDoctors))
	online, err = f.sessions.ListOnline(ctx, realtime.PoolDoctors)
	require.NoError(t, err)
	assert.Empty(t, online)
}
