package api

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/catalog"
	"github.com/hackgods/telehealth-dispatch/internal/dispatch"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
)

func command(t *testing.T, event string, data any) realtime.Command {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	cmd, err := realtime.DecodeCommand(realtime.Frame{ID: "1", Event: event, Data: raw})
	require.NoError(t, err)
	return cmd
}

func patientOf(id uuid.UUID) auth.Principal   { return auth.Principal{UserID: id, Role: auth.RolePatient} }
func doctorOf(id uuid.UUID) auth.Principal    { return auth.Principal{UserID: id, Role: auth.RoleDoctor} }
func ambulanceOf(id uuid.UUID) auth.Principal { return auth.Principal{UserID: id, Role: auth.RoleAmbulance} }

var lagos = map[string]float64{"lat": 6.4520, "lng": 3.3958}

func TestCommandsRejectWrongRole(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.commands.HandleCommand(ctx, doctorOf(uuid.New()), command(t, "sos:create", map[string]any{"location": lagos}))
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	_, err = s.commands.HandleCommand(ctx, patientOf(uuid.New()), command(t, "ambulance:accept", map[string]any{"sosId": uuid.New()}))
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))

	_, err = s.commands.HandleCommand(ctx, patientOf(uuid.New()), command(t, "freelance:doctor:go-online", map[string]any{"location": lagos}))
	assert.True(t, apperr.IsKind(err, apperr.KindForbidden))
}

func TestCommandsSOSLifecycle(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	patient := patientOf(uuid.New())
	crew := ambulanceOf(uuid.New())

	reply, err := s.commands.HandleCommand(ctx, crew, command(t, "freelance:doctor:go-online", map[string]any{"location": lagos}))
	require.NoError(t, err)
	assert.Equal(t, []string{realtime.PoolTopic(realtime.PoolAmbulance)}, reply.Subscribe)
	assert.Equal(t, realtime.PoolAmbulance, reply.Data.(sessionReply).Pool)

	reply, err = s.commands.HandleCommand(ctx, patient, command(t, "sos:create", map[string]any{"location": lagos, "notes": "chest pain"}))
	require.NoError(t, err)
	created := reply.Data.(requestReply)
	assert.True(t, created.Created)
	assert.Equal(t, dispatch.KindSOS, created.Request.Kind)
	assert.Equal(t, []uuid.UUID{crew.UserID}, created.Request.CandidateIDs)
	assert.Equal(t, []string{realtime.RequestTopic(created.Request.ID)}, reply.Subscribe)

	reply, err = s.commands.HandleCommand(ctx, patient, command(t, "sos:create", map[string]any{"location": lagos}))
	require.NoError(t, err)
	assert.False(t, reply.Data.(requestReply).Created)

	ref := map[string]any{"sosId": created.Request.ID}
	reply, err = s.commands.HandleCommand(ctx, crew, command(t, "ambulance:accept", ref))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusAccepted, reply.Data.(requestReply).Request.Status)
	assert.Equal(t, []string{realtime.RequestTopic(created.Request.ID)}, reply.Subscribe)

	_, err = s.commands.HandleCommand(ctx, ambulanceOf(uuid.New()), command(t, "ambulance:accept", ref))
	assert.True(t, apperr.IsKind(err, apperr.KindConflict))

	reply, err = s.commands.HandleCommand(ctx, crew, command(t, "ambulance:resolve", ref))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, reply.Data.(requestReply).Request.Status)
}

func TestCommandsKeepKindsApart(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	patient := patientOf(uuid.New())

	reply, err := s.commands.HandleCommand(ctx, patient, command(t, "sos:create", map[string]any{"location": lagos}))
	require.NoError(t, err)
	sos := reply.Data.(requestReply).Request

	_, err = s.commands.HandleCommand(ctx, patient, command(t, "freelance:request:cancel", map[string]any{"requestId": sos.ID}))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	reply, err = s.commands.HandleCommand(ctx, patient, command(t, "sos:cancel", map[string]any{"sosId": sos.ID}))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCancelled, reply.Data.(requestReply).Request.Status)
}

func TestCommandsFreelanceOfferAndAccept(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	patient := patientOf(uuid.New())
	doctor := doctorOf(uuid.New())
	outsider := doctorOf(uuid.New())

	_, err := s.commands.HandleCommand(ctx, doctor, command(t, "freelance:doctor:go-online", map[string]any{"location": lagos}))
	require.NoError(t, err)

	reply, err := s.commands.HandleCommand(ctx, patient, command(t, "freelance:request:create", map[string]any{"location": lagos, "symptoms": []string{"fever"}}))
	require.NoError(t, err)
	req := reply.Data.(requestReply).Request
	assert.Equal(t, dispatch.StatusOffered, req.Status)
	assert.Equal(t, []uuid.UUID{doctor.UserID}, req.CandidateIDs)

	ref := map[string]any{"requestId": req.ID}
	_, err = s.commands.HandleCommand(ctx, outsider, command(t, "freelance:request:accept", ref))
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound))

	reply, err = s.commands.HandleCommand(ctx, doctor, command(t, "freelance:request:accept", ref))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusAccepted, reply.Data.(requestReply).Request.Status)

	reply, err = s.commands.HandleCommand(ctx, doctor, command(t, "freelance:request:complete", ref))
	require.NoError(t, err)
	assert.Equal(t, dispatch.StatusCompleted, reply.Data.(requestReply).Request.Status)

	_, err = s.commands.HandleCommand(ctx, doctor, command(t, "freelance:doctor:go-offline", nil))
	require.NoError(t, err)
}

func TestCommandsSlotHold(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	patient := patientOf(uuid.New())

	available, err := s.slots.ListAvailableSlots(ctx, catalog.ProviderID("dr-adeyemi"), 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, available)

	reply, err := s.commands.HandleCommand(ctx, patient, command(t, "slots:hold", map[string]any{
		"doctorId":    catalog.ProviderID("dr-adeyemi"),
		"scheduledAt": available[0],
		"ttlSeconds":  60,
	}))
	require.NoError(t, err)
	hold := reply.Data.(HoldResponse).Hold

	reply, err = s.commands.HandleCommand(ctx, patient, command(t, "slots:confirm", map[string]any{"holdId": hold.ID, "type": "AUDIO"}))
	require.NoError(t, err)
	assert.Equal(t, hold.ID, *reply.Data.(AppointmentResponse).Appointment.HoldID)
}
