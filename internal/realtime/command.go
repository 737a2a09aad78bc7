package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
)

// Frame is the wire shape of an inbound client message.
type Frame struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack answers exactly one Frame.
type Ack struct {
	AckID string      `json:"ackId"`
	OK    bool        `json:"ok"`
	Error string      `json:"error,omitempty"`
	Code  apperr.Kind `json:"code,omitempty"`
	Data  any         `json:"data,omitempty"`
}

type CommandName string

const (
	CmdSOSCreate         CommandName = "sos:create"
	CmdSOSUpdateLocation CommandName = "sos:update-location"
	CmdSOSCancel         CommandName = "sos:cancel"
	CmdAmbulanceAccept   CommandName = "ambulance:accept"
	CmdAmbulanceResolve  CommandName = "ambulance:resolve"

	CmdDoctorGoOnline  CommandName = "freelance:doctor:go-online"
	CmdDoctorGoOffline CommandName = "freelance:doctor:go-offline"
	CmdDoctorLocation  CommandName = "freelance:doctor:location"
	CmdFreelanceCreate CommandName = "freelance:request:create"
	CmdFreelanceAccept CommandName = "freelance:request:accept"
	CmdFreelanceDone   CommandName = "freelance:request:complete"
	CmdFreelanceCancel CommandName = "freelance:request:cancel"

	CmdSlotsHold    CommandName = "slots:hold"
	CmdSlotsConfirm CommandName = "slots:confirm"
)

type Channel string

const (
	ChannelSOS       Channel = "sos"
	ChannelFreelance Channel = "freelance"
	ChannelSlots     Channel = "slots"
)

func (n CommandName) Channel() Channel {
	switch n {
	case CmdSOSCreate, CmdSOSUpdateLocation, CmdSOSCancel, CmdAmbulanceAccept, CmdAmbulanceResolve:
		return ChannelSOS
	case CmdSlotsHold, CmdSlotsConfirm:
		return ChannelSlots
	default:
		return ChannelFreelance
	}
}

// Command is a decoded Frame. Payload holds one of the *Payload types below,
// chosen by Name.
type Command struct {
	ID      string
	Name    CommandName
	Payload any
}

type SOSCreatePayload struct {
	Location geo.Point `json:"location"`
	Notes    string    `json:"notes"`
}

type SOSLocationPayload struct {
	SOSID    uuid.UUID `json:"sosId"`
	Location geo.Point `json:"location"`
}

type SOSRefPayload struct {
	SOSID uuid.UUID `json:"sosId"`
}

type LocationPayload struct {
	Location *geo.Point `json:"location,omitempty"`
}

type FreelanceCreatePayload struct {
	Location geo.Point `json:"location"`
	Symptoms []string  `json:"symptoms"`
}

type RequestRefPayload struct {
	RequestID uuid.UUID `json:"requestId"`
}

type SlotsHoldPayload struct {
	DoctorID    uuid.UUID `json:"doctorId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	TTLSeconds  int       `json:"ttlSeconds"`
}

type SlotsConfirmPayload struct {
	HoldID   uuid.UUID `json:"holdId"`
	Type     string    `json:"type"`
	Symptoms []string  `json:"symptoms"`
}

// DecodeCommand validates the frame's event name and decodes its data into
// the matching payload type.
func DecodeCommand(f Frame) (Command, error) {
	cmd := Command{ID: f.ID, Name: CommandName(f.Event)}

	switch cmd.Name {
	case CmdSOSCreate:
		cmd.Payload = &SOSCreatePayload{}
	case CmdSOSUpdateLocation:
		cmd.Payload = &SOSLocationPayload{}
	case CmdSOSCancel, CmdAmbulanceAccept, CmdAmbulanceResolve:
		cmd.Payload = &SOSRefPayload{}
	case CmdDoctorGoOnline, CmdDoctorGoOffline, CmdDoctorLocation:
		cmd.Payload = &LocationPayload{}
	case CmdFreelanceCreate:
		cmd.Payload = &FreelanceCreatePayload{}
	case CmdFreelanceAccept, CmdFreelanceDone, CmdFreelanceCancel:
		cmd.Payload = &RequestRefPayload{}
	case CmdSlotsHold:
		cmd.Payload = &SlotsHoldPayload{}
	case CmdSlotsConfirm:
		cmd.Payload = &SlotsConfirmPayload{}
	default:
		return cmd, apperr.Validation("unknown event %q", f.Event)
	}

	if len(f.Data) > 0 && string(f.Data) != "null" {
		if err := json.Unmarshal(f.Data, cmd.Payload); err != nil {
			return cmd, apperr.Validation("invalid data for %s", f.Event)
		}
	}

	if err := requireIDs(cmd); err != nil {
		return cmd, err
	}
	return cmd, nil
}

func requireIDs(cmd Command) error {
	switch p := cmd.Payload.(type) {
	case *SOSLocationPayload:
		if p.SOSID == uuid.Nil {
			return apperr.Validation("sosId is required")
		}
	case *SOSRefPayload:
		if p.SOSID == uuid.Nil {
			return apperr.Validation("sosId is required")
		}
	case *RequestRefPayload:
		if p.RequestID == uuid.Nil {
			return apperr.Validation("requestId is required")
		}
	case *SlotsHoldPayload:
		if p.DoctorID == uuid.Nil {
			return apperr.Validation("doctorId is required")
		}
	case *SlotsConfirmPayload:
		if p.HoldID == uuid.Nil {
			return apperr.Validation("holdId is required")
		}
	case *LocationPayload:
		if cmd.Name == CmdDoctorLocation && p.Location == nil {
			return apperr.Validation("location is required")
		}
	}
	return nil
}
