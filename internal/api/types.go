package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/dispatch"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/pharmacy"
	"github.com/hackgods/telehealth-dispatch/internal/slots"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type SlotsResponse struct {
	Slots       []time.Time `json:"slots"`
	SlotMinutes int         `json:"slotMinutes"`
	Days        int         `json:"days"`
}

type HoldRequest struct {
	DoctorID    uuid.UUID `json:"doctorId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	TTLSeconds  int       `json:"ttlSeconds"`
}

type HoldResponse struct {
	Hold *slots.SlotHold `json:"hold"`
}

type ConfirmRequest struct {
	HoldID   uuid.UUID `json:"holdId"`
	Type     string    `json:"type"`
	Symptoms []string  `json:"symptoms"`
}

type BookRequest struct {
	DoctorID    uuid.UUID `json:"doctorId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Type        string    `json:"type"`
	Symptoms    []string  `json:"symptoms"`
}

type AppointmentResponse struct {
	Appointment *slots.Appointment `json:"appointment"`
}

type AppointmentsResponse struct {
	Appointments []slots.Appointment `json:"appointments"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type OrderRequest struct {
	Items            []pharmacy.ItemRequest `json:"items"`
	DeliveryLocation *geo.Point             `json:"deliveryLocation"`
	DeliveryAddress  string                 `json:"deliveryAddress"`
}

type OrderResponse struct {
	Order *pharmacy.Order `json:"order"`
}

type OrdersResponse struct {
	Orders []pharmacy.Order `json:"orders"`
}

type DispatchResponse struct {
	Request *dispatch.Request `json:"request"`
}
