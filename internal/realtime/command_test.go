package realtime

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
)

func TestDecodeCommand(t *testing.T) {
	reqID := uuid.New()

	t.Run("freelance accept", func(t *testing.T) {
		cmd, err := DecodeCommand(Frame{ID: "1", Event: "freelance:request:accept", Data: json.RawMessage(`{"requestId":"` + reqID.String() + `"}`)})
		require.NoError(t, err)
		assert.Equal(t, ChannelFreelance, cmd.Name.Channel())
		p, ok := cmd.Payload.(*RequestRefPayload)
		require.True(t, ok)
		assert.Equal(t, reqID, p.RequestID)
	})

	t.Run("sos create", func(t *testing.T) {
		cmd, err := DecodeCommand(Frame{ID: "2", Event: "sos:create", Data: json.RawMessage(`{"location":{"lat":51.5,"lng":-0.12},"notes":"fell"}`)})
		require.NoError(t, err)
		assert.Equal(t, ChannelSOS, cmd.Name.Channel())
		p := cmd.Payload.(*SOSCreatePayload)
		assert.Equal(t, 51.5, p.Location.Lat)
		assert.Equal(t, "fell", p.Notes)
	})

	t.Run("go offline without data", func(t *testing.T) {
		cmd, err := DecodeCommand(Frame{ID: "3", Event: "freelance:doctor:go-offline"})
		require.NoError(t, err)
		assert.IsType(t, &LocationPayload{}, cmd.Payload)
	})

	t.Run("slots hold", func(t *testing.T) {
		cmd, err := DecodeCommand(Frame{ID: "4", Event: "slots:hold", Data: json.RawMessage(`{"doctorId":"` + reqID.String() + `","scheduledAt":"2026-03-02T10:00:00Z","ttlSeconds":120}`)})
		require.NoError(t, err)
		assert.Equal(t, ChannelSlots, cmd.Name.Channel())
		assert.Equal(t, 120, cmd.Payload.(*SlotsHoldPayload).TTLSeconds)
	})
}

func TestDecodeCommandErrors(t *testing.T) {
	cases := []Frame{
		{ID: "1", Event: "sos:teleport"},
		{ID: "2", Event: "ambulance:accept", Data: json.RawMessage(`{}`)},
		{ID: "3", Event: "freelance:request:cancel", Data: json.RawMessage(`{"requestId":42}`)},
		{ID: "4", Event: "freelance:doctor:location", Data: json.RawMessage(`{}`)},
		{ID: "5", Event: "slots:confirm", Data: json.RawMessage(`{"type":"VIDEO"}`)},
	}
	for _, f := range cases {
		t.Run(f.Event, func(t *testing.T) {
			_, err := DecodeCommand(f)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}
