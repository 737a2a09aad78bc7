package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/dispatch"
	"github.com/hackgods/telehealth-dispatch/internal/pharmacy"
	"github.com/hackgods/telehealth-dispatch/internal/slots"
)

type RouterConfig struct {
	Slots        *slots.Service
	Dispatch     *dispatch.Service
	Pharmacy     *pharmacy.Allocator
	Auth         auth.Authenticator
	Gateway      http.Handler // nil disables /ws
	Health       *HealthHandler
	Log          zerolog.Logger
	MaxBodyBytes int64
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	log := cfg.Log

	// Apply middleware
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(RecoveryMiddleware(log))
	if cfg.MaxBodyBytes > 0 {
		r.Use(BodyLimitMiddleware(cfg.MaxBodyBytes))
	}

	// Health endpoints
	health := cfg.Health
	if health == nil {
		health = NewHealthHandler("", "")
	}
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// The gateway authenticates its own upgrade requests.
	if cfg.Gateway != nil {
		r.Handle("/ws", cfg.Gateway)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))

		// Slot endpoints
		r.Get("/slots", listSlotsHandler(cfg.Slots, log))
		r.With(RequireRole(auth.RolePatient)).Post("/slots/hold", holdSlotHandler(cfg.Slots, log))
		r.With(RequireRole(auth.RolePatient)).Post("/slots/confirm", confirmHoldHandler(cfg.Slots, log))
		r.Get("/holds/{id}", getHoldHandler(cfg.Slots, log))

		// Appointment endpoints
		r.Get("/appointments", listAppointmentsHandler(cfg.Slots, log))
		r.With(RequireRole(auth.RolePatient)).Post("/appointments", bookAppointmentHandler(cfg.Slots, log))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Slots, log))
		r.Post("/appointments/{id}/status", appointmentStatusHandler(cfg.Slots, log))

		// Medicine orders
		r.Route("/medicine/orders", func(r chi.Router) {
			r.With(RequireRole(auth.RolePatient)).Post("/", createOrderHandler(cfg.Pharmacy, log))
			r.Get("/", listOrdersHandler(cfg.Pharmacy, log))
			r.Get("/{id}", getOrderHandler(cfg.Pharmacy, log))
			r.Post("/{id}/cancel", cancelOrderHandler(cfg.Pharmacy, log))
			r.With(RequireRole(auth.RolePharmacy, auth.RoleAdmin)).Post("/{id}/status", advanceOrderHandler(cfg.Pharmacy, log))
		})

		r.Get("/dispatch/requests/{id}", getDispatchRequestHandler(cfg.Dispatch, log))
	})

	return r
}
