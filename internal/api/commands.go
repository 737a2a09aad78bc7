package api

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/dispatch"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
	"github.com/hackgods/telehealth-dispatch/internal/slots"
)

// Commands routes websocket commands to the slot and dispatch managers.
type Commands struct {
	slots    *slots.Service
	dispatch *dispatch.Service
}

var _ realtime.CommandHandler = (*Commands)(nil)

func NewCommands(slotSvc *slots.Service, dispatchSvc *dispatch.Service) *Commands {
	return &Commands{slots: slotSvc, dispatch: dispatchSvc}
}

type requestReply struct {
	Request *dispatch.Request `json:"request"`
	Created bool              `json:"created"`
}

type sessionReply struct {
	Online   bool       `json:"online"`
	Pool     string     `json:"pool"`
	Location *geo.Point `json:"location,omitempty"`
}

// commandRoles lists who may send each command.
var commandRoles = map[realtime.CommandName][]auth.Role{
	realtime.CmdSOSCreate:         {auth.RolePatient},
	realtime.CmdSOSUpdateLocation: {auth.RolePatient},
	realtime.CmdSOSCancel:         {auth.RolePatient},
	realtime.CmdAmbulanceAccept:   {auth.RoleAmbulance},
	realtime.CmdAmbulanceResolve:  {auth.RoleAmbulance},
	realtime.CmdDoctorGoOnline:    {auth.RoleDoctor, auth.RoleAmbulance},
	realtime.CmdDoctorGoOffline:   {auth.RoleDoctor, auth.RoleAmbulance},
	realtime.CmdDoctorLocation:    {auth.RoleDoctor, auth.RoleAmbulance},
	realtime.CmdFreelanceCreate:   {auth.RolePatient},
	realtime.CmdFreelanceAccept:   {auth.RoleDoctor},
	realtime.CmdFreelanceDone:     {auth.RoleDoctor},
	realtime.CmdFreelanceCancel:   {auth.RolePatient, auth.RoleDoctor},
	realtime.CmdSlotsHold:         {auth.RolePatient},
	realtime.CmdSlotsConfirm:      {auth.RolePatient},
}

func allowed(p auth.Principal, name realtime.CommandName) bool {
	for _, role := range commandRoles[name] {
		if p.Role == role {
			return true
		}
	}
	return false
}

// poolFor picks the presence pool from the caller's role.
func poolFor(p auth.Principal) string {
	if p.Role == auth.RoleAmbulance {
		return realtime.PoolAmbulance
	}
	return realtime.PoolDoctors
}

func (c *Commands) HandleCommand(ctx context.Context, p auth.Principal, cmd realtime.Command) (realtime.Reply, error) {
	if !allowed(p, cmd.Name) {
		return realtime.Reply{}, apperr.Forbidden("role %s cannot send %s", p.Role, cmd.Name)
	}

	switch payload := cmd.Payload.(type) {
	case *realtime.SOSCreatePayload:
		return c.create(ctx, p, dispatch.KindSOS, dispatch.CreateInput{Location: payload.Location, Notes: payload.Notes})

	case *realtime.FreelanceCreatePayload:
		return c.create(ctx, p, dispatch.KindFreelance, dispatch.CreateInput{Location: payload.Location, Symptoms: payload.Symptoms})

	case *realtime.SOSLocationPayload:
		if _, err := c.load(ctx, p, dispatch.KindSOS, payload.SOSID); err != nil {
			return realtime.Reply{}, err
		}
		r, err := c.dispatch.UpdateLocation(ctx, p.UserID, payload.SOSID, payload.Location)
		return requestOnly(r, err)

	case *realtime.SOSRefPayload:
		return c.act(ctx, p, cmd.Name, dispatch.KindSOS, payload.SOSID)

	case *realtime.RequestRefPayload:
		return c.act(ctx, p, cmd.Name, dispatch.KindFreelance, payload.RequestID)

	case *realtime.LocationPayload:
		return c.presence(ctx, p, cmd.Name, payload.Location)

	case *realtime.SlotsHoldPayload:
		hold, err := c.slots.CreateHold(ctx, p.UserID, payload.DoctorID, payload.ScheduledAt, payload.TTLSeconds)
		if err != nil {
			return realtime.Reply{}, err
		}
		return realtime.Reply{Data: HoldResponse{Hold: hold}}, nil

	case *realtime.SlotsConfirmPayload:
		appt, err := c.slots.ConfirmHold(ctx, p.UserID, payload.HoldID, slots.AppointmentType(payload.Type), payload.Symptoms)
		if err != nil {
			return realtime.Reply{}, err
		}
		return realtime.Reply{Data: AppointmentResponse{Appointment: appt}}, nil
	}

	return realtime.Reply{}, apperr.Validation("unsupported event %q", cmd.Name)
}

func (c *Commands) create(ctx context.Context, p auth.Principal, kind dispatch.Kind, in dispatch.CreateInput) (realtime.Reply, error) {
	r, created, err := c.dispatch.Create(ctx, kind, p.UserID, in)
	if err != nil {
		return realtime.Reply{}, err
	}
	return realtime.Reply{
		Data:      requestReply{Request: r, Created: created},
		Subscribe: []string{realtime.RequestTopic(r.ID)},
	}, nil
}

// load fetches a request the caller can see and rejects one of the wrong
// kind, so an SOS can never be driven through freelance commands.
func (c *Commands) load(ctx context.Context, p auth.Principal, kind dispatch.Kind, id uuid.UUID) (*dispatch.Request, error) {
	r, err := c.dispatch.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if r.Kind != kind {
		return nil, dispatch.ErrRequestNotFound
	}
	return r, nil
}

func (c *Commands) act(ctx context.Context, p auth.Principal, name realtime.CommandName, kind dispatch.Kind, id uuid.UUID) (realtime.Reply, error) {
	if _, err := c.load(ctx, p, kind, id); err != nil {
		return realtime.Reply{}, err
	}

	var (
		r   *dispatch.Request
		err error
	)
	switch name {
	case realtime.CmdAmbulanceAccept, realtime.CmdFreelanceAccept:
		r, err = c.dispatch.Accept(ctx, p.UserID, id)
	case realtime.CmdAmbulanceResolve, realtime.CmdFreelanceDone:
		r, err = c.dispatch.Complete(ctx, p.UserID, id)
	default:
		r, err = c.dispatch.Cancel(ctx, p.UserID, id)
	}
	if err != nil {
		return realtime.Reply{}, err
	}

	reply := realtime.Reply{Data: requestReply{Request: r}}
	if name == realtime.CmdAmbulanceAccept || name == realtime.CmdFreelanceAccept {
		reply.Subscribe = []string{realtime.RequestTopic(r.ID)}
	}
	return reply, nil
}

func (c *Commands) presence(ctx context.Context, p auth.Principal, name realtime.CommandName, loc *geo.Point) (realtime.Reply, error) {
	pool := poolFor(p)

	switch name {
	case realtime.CmdDoctorGoOffline:
		if err := c.dispatch.GoOffline(ctx, p.UserID, pool); err != nil {
			return realtime.Reply{}, err
		}
		return realtime.Reply{Data: sessionReply{Online: false, Pool: pool}}, nil

	case realtime.CmdDoctorLocation:
		s, err := c.dispatch.UpdateProviderLocation(ctx, p.UserID, pool, *loc)
		if err != nil {
			return realtime.Reply{}, err
		}
		return realtime.Reply{Data: sessionReply{Online: true, Pool: pool, Location: s.Location}}, nil
	}

	s, err := c.dispatch.GoOnline(ctx, p.UserID, pool, loc)
	if err != nil {
		return realtime.Reply{}, err
	}
	return realtime.Reply{
		Data:      sessionReply{Online: true, Pool: pool, Location: s.Location},
		Subscribe: []string{realtime.PoolTopic(pool)},
	}, nil
}

func requestOnly(r *dispatch.Request, err error) (realtime.Reply, error) {
	if err != nil {
		return realtime.Reply{}, err
	}
	return realtime.Reply{Data: requestReply{Request: r}}, nil
}
