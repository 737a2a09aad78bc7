package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/dispatch"
	"github.com/hackgods/telehealth-dispatch/internal/slots"
)

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, apperr.Validation("id must be a valid UUID")
	}
	return id, nil
}

// queryInt reads an optional integer query parameter; a missing value is 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation("%s must be an integer", name)
	}
	return n, nil
}

func listSlotsHandler(svc *slots.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(r.URL.Query().Get("doctorId"))
		if err != nil {
			writeError(w, http.StatusBadRequest, string(apperr.KindValidation), "doctorId must be a valid UUID")
			return
		}
		days, err := queryInt(r, "days")
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}
		slotMinutes, err := queryInt(r, "slotMinutes")
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		available, err := svc.ListAvailableSlots(r.Context(), doctorID, days, slotMinutes)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		if days == 0 {
			days = slots.DefaultDays
		}
		if slotMinutes == 0 {
			slotMinutes = slots.DefaultSlotMinutes
		}
		writeJSON(w, http.StatusOK, SlotsResponse{Slots: available, SlotMinutes: slotMinutes, Days: days})
	}
}

func holdSlotHandler(svc *slots.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req HoldRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, log, err)
			return
		}

		hold, err := svc.CreateHold(r.Context(), principal(r).UserID, req.DoctorID, req.ScheduledAt, req.TTLSeconds)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusCreated, HoldResponse{Hold: hold})
	}
}

func confirmHoldHandler(svc *slots.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConfirmRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, log, err)
			return
		}

		appt, err := svc.ConfirmHold(r.Context(), principal(r).UserID, req.HoldID, slots.AppointmentType(req.Type), req.Symptoms)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusCreated, AppointmentResponse{Appointment: appt})
	}
}

func getHoldHandler(svc *slots.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		hold, err := svc.GetHold(r.Context(), principal(r).UserID, id)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, HoldResponse{Hold: hold})
	}
}

func bookAppointmentHandler(svc *slots.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, log, err)
			return
		}

		appt, err := svc.Book(r.Context(), principal(r).UserID, req.DoctorID, req.ScheduledAt, slots.AppointmentType(req.Type), req.Symptoms)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusCreated, AppointmentResponse{Appointment: appt})
	}
}

// listAppointmentsHandler lists the caller's own appointments: patients by
// subject, providers by provider.
func listAppointmentsHandler(svc *slots.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := principal(r)

		limit, err := queryInt(r, "limit")
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}
		offset, err := queryInt(r, "offset")
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		filter := slots.AppointmentFilter{Limit: limit, Offset: offset}
		if p.Role == auth.RoleDoctor {
			filter.ProviderID = &p.UserID
		} else {
			filter.SubjectID = &p.UserID
		}

		appointments, err := svc.ListAppointments(r.Context(), filter)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}
		if appointments == nil {
			appointments = []slots.Appointment{}
		}

		writeJSON(w, http.StatusOK, AppointmentsResponse{Appointments: appointments})
	}
}

func getAppointmentHandler(svc *slots.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		appt, err := svc.GetAppointment(r.Context(), principal(r).UserID, id)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, AppointmentResponse{Appointment: appt})
	}
}

func appointmentStatusHandler(svc *slots.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		var req StatusRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, log, err)
			return
		}

		appt, err := svc.TransitionAppointment(r.Context(), principal(r).UserID, id, slots.AppointmentStatus(req.Status))
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, AppointmentResponse{Appointment: appt})
	}
}

func getDispatchRequestHandler(svc *dispatch.Service, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		req, err := svc.Get(r.Context(), principal(r), id)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, DispatchResponse{Request: req})
	}
}
