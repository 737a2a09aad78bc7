package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/pharmacy"
)

func createOrderHandler(svc *pharmacy.Allocator, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req OrderRequest
		if err := decodeJSON(r, &req); err != nil {
			writeAppError(w, r, log, err)
			return
		}
		if req.DeliveryLocation == nil {
			writeAppError(w, r, log, apperr.Validation("deliveryLocation is required"))
			return
		}

		order, err := svc.Allocate(r.Context(), principal(r).UserID, req.Items, *req.DeliveryLocation, req.DeliveryAddress)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusCreated, OrderResponse{Order: order})
	}
}

func listOrdersHandler(svc *pharmacy.Allocator, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit")
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		orders, err := svc.List(r.Context(), principal(r).UserID, limit)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}
		if orders == nil {
			orders = []pharmacy.Order{}
		}

		writeJSON(w, http.StatusOK, OrdersResponse{Orders: orders})
	}
}

func getOrderHandler(svc *pharmacy.Allocator, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		order, err := svc.Get(r.Context(), principal(r), id)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, OrderResponse{Order: order})
	}
}

func cancelOrderHandler(svc *pharmacy.Allocator, log zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		order, err := svc.Cancel(r.Context(), principal(r).UserID, id)
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, OrderResponse{Order: order})
	}
}

// advanceOrderHandler is mounted for pharmacy staff and admins only.
func advanceOrderHandler(svc *pharmacy.Allocator, log zerolog.Logger) http.HandlerFunc {
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

		order, err := svc.Advance(r.Context(), id, pharmacy.OrderStatus(req.Status))
		if err != nil {
			writeAppError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusOK, OrderResponse{Order: order})
	}
}
