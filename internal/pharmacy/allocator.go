// Package pharmacy allocates medicine orders to the nearest pharmacy that can
// fill the whole basket and tracks the order through delivery.
package pharmacy

import (
	"context"
	"math"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
	"github.com/hackgods/telehealth-dispatch/internal/audit"
	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/clock"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
)

const (
	EventOrderCreated = "order:created"
	EventOrderUpdated = "order:updated"

	minDeliveryMinutes = 10
	maxDeliveryMinutes = 15
	minutesPerKm       = 2
	maxOrderLines      = 50
	maxLineQuantity    = 1000
	defaultListLimit   = 20
	maxListLimit       = 100
)

var (
	ErrNoFulfillableOrder = apperr.New(apperr.KindNoFulfillableOrder, "no pharmacy can fulfil every item in this order")
	ErrStockChanged       = apperr.New(apperr.KindStockChanged, "stock changed while placing the order, please retry")
)

type Allocator struct {
	inventory InventoryRepository
	orders    OrderRepository
	notifier  *realtime.Notifier
	audit     audit.Recorder
	clock     clock.Clock
	log       zerolog.Logger
}

func NewAllocator(inventory InventoryRepository, orders OrderRepository, notifier *realtime.Notifier, recorder audit.Recorder, clk clock.Clock, log zerolog.Logger) *Allocator {
	return &Allocator{
		inventory: inventory,
		orders:    orders,
		notifier:  notifier,
		audit:     recorder,
		clock:     clk,
		log:       log.With().Str("component", "pharmacy").Logger(),
	}
}

// DeliveryMinutes is the travel padding added to the slowest item's ETA.
func DeliveryMinutes(distanceKm float64) int {
	m := math.Ceil(distanceKm * minutesPerKm)
	return int(math.Min(math.Max(m, minDeliveryMinutes), maxDeliveryMinutes))
}

type quote struct {
	pharmacy   Pharmacy
	distanceKm float64
	etaMinutes int
}

// mergeItems folds duplicate product lines together, keeping first-seen order.
func mergeItems(items []ItemRequest) ([]ItemRequest, error) {
	if len(items) == 0 {
		return nil, apperr.Validation("order must contain at least one item")
	}
	if len(items) > maxOrderLines {
		return nil, apperr.Validation("order may contain at most %d lines", maxOrderLines)
	}

	index := make(map[uuid.UUID]int, len(items))
	var merged []ItemRequest
	for _, it := range items {
		if it.ProductID == uuid.Nil {
			return nil, apperr.Validation("productId is required")
		}
		if it.Quantity <= 0 {
			return nil, apperr.Validation("quantity must be positive")
		}
		if it.Quantity > maxLineQuantity {
			return nil, apperr.Validation("quantity may be at most %d", maxLineQuantity)
		}
		if i, ok := index[it.ProductID]; ok {
			if merged[i].Quantity > maxLineQuantity-it.Quantity {
				return nil, apperr.Validation("quantity may be at most %d per product", maxLineQuantity)
			}
			merged[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(merged)
		merged = append(merged, it)
	}
	return merged, nil
}

func (a *Allocator) quote(ctx context.Context, items []ItemRequest, delivery geo.Point) (*quote, error) {
	ids := make([]uuid.UUID, len(items))
	for i, it := range items {
		ids[i] = it.ProductID
	}

	pharmacies, err := a.inventory.ActivePharmacies(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load pharmacies")
	}
	units, err := a.inventory.Units(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load inventory")
	}

	stock := make(map[stockKey]InventoryUnit, len(units))
	for _, u := range units {
		stock[stockKey{u.PharmacyID, u.ProductID}] = u
	}

	var quotes []quote
	for _, p := range pharmacies {
		slowest, ok := 0, true
		for _, it := range items {
			u, found := stock[stockKey{p.ID, it.ProductID}]
			if !found || u.Stock < it.Quantity {
				ok = false
				break
			}
			slowest = max(slowest, u.EtaMinutes)
		}
		if !ok {
			continue
		}

		d := geo.DistanceKm(delivery, p.Location)
		quotes = append(quotes, quote{pharmacy: p, distanceKm: d, etaMinutes: slowest + DeliveryMinutes(d)})
	}

	if len(quotes) == 0 {
		return nil, ErrNoFulfillableOrder
	}

	sort.SliceStable(quotes, func(i, j int) bool {
		if quotes[i].distanceKm != quotes[j].distanceKm {
			return quotes[i].distanceKm < quotes[j].distanceKm
		}
		return quotes[i].etaMinutes < quotes[j].etaMinutes
	})
	return &quotes[0], nil
}

// Allocate picks the nearest pharmacy that stocks the whole basket, takes
// the stock and records a PENDING order. If any decrement loses a race the
// ones already applied are put back and ErrStockChanged is returned.
func (a *Allocator) Allocate(ctx context.Context, patientID uuid.UUID, items []ItemRequest, delivery geo.Point, address string) (*Order, error) {
	if !delivery.Valid() {
		return nil, apperr.Validation("a valid delivery location is required")
	}
	merged, err := mergeItems(items)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, len(merged))
	for i, it := range merged {
		ids[i] = it.ProductID
	}
	products, err := a.inventory.Products(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "load products")
	}
	for _, it := range merged {
		if p, ok := products[it.ProductID]; !ok || !p.Active {
			return nil, apperr.New(apperr.KindInvalidItem, "product "+it.ProductID.String()+" is not available")
		}
	}

	q, err := a.quote(ctx, merged, delivery)
	if err != nil {
		return nil, err
	}

	lines := make([]LineItem, len(merged))
	var total int64
	for i, it := range merged {
		price := products[it.ProductID].UnitPriceCents
		lines[i] = LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPriceCents: price}
		total += price * int64(it.Quantity)
	}

	applied, err := a.take(ctx, q.pharmacy.ID, lines)
	if err != nil {
		a.restock(ctx, q.pharmacy.ID, q.pharmacy.ID, applied, "decrement failed")
		if errors.Is(err, ErrInsufficientStock) {
			return nil, ErrStockChanged
		}
		return nil, err
	}

	now := a.clock.Now()
	order, err := a.orders.InsertOrder(ctx, Order{
		ID:               uuid.New(),
		PatientID:        patientID,
		PharmacyID:       q.pharmacy.ID,
		Items:            lines,
		Status:           OrderPending,
		EtaMinutes:       q.etaMinutes,
		TotalCents:       total,
		DeliveryLocation: delivery,
		DeliveryAddress:  address,
		CreatedAt:        now,
		UpdatedAt:        now,
	})
	if err != nil {
		a.restock(ctx, q.pharmacy.ID, q.pharmacy.ID, applied, "order insert failed")
		return nil, errors.Wrap(err, "store order")
	}

	a.record(ctx, audit.EventOrderCreated, order.ID, map[string]any{
		"pharmacy_id": order.PharmacyID,
		"total_cents": order.TotalCents,
		"distance_km": q.distanceKm,
	})
	a.notifier.Notify(ctx, EventOrderCreated, order, realtime.UserTopic(patientID))

	return order, nil
}

// take decrements line by line and stops at the first failure. It returns
// the lines that were applied.
func (a *Allocator) take(ctx context.Context, pharmacyID uuid.UUID, lines []LineItem) ([]LineItem, error) {
	for i, l := range lines {
		if err := a.inventory.Decrement(ctx, pharmacyID, l.ProductID, l.Quantity); err != nil {
			return lines[:i], err
		}
	}
	return lines, nil
}

// restock puts lines back at pharmacyID. A failure leaves inventory short,
// so it is logged and written to the audit log against aggregateID.
func (a *Allocator) restock(ctx context.Context, pharmacyID, aggregateID uuid.UUID, lines []LineItem, reason string) {
	ctx = context.WithoutCancel(ctx)

	for _, l := range lines {
		err := a.inventory.Increment(ctx, pharmacyID, l.ProductID, l.Quantity)
		if err == nil {
			continue
		}

		a.log.Error().Err(err).
			Str("pharmacy_id", pharmacyID.String()).
			Str("product_id", l.ProductID.String()).
			Int("quantity", l.Quantity).
			Str("reason", reason).
			Msg("stock compensation failed, inventory needs manual correction")
		a.record(ctx, audit.EventCompensationFailed, aggregateID, map[string]any{
			"pharmacy_id": pharmacyID,
			"product_id":  l.ProductID,
			"quantity":    l.Quantity,
			"reason":      reason,
			"error":       err.Error(),
		})
	}
}

// Cancel cancels a patient's order before it leaves the pharmacy and puts
// the stock back.
func (a *Allocator) Cancel(ctx context.Context, actorID, orderID uuid.UUID) (*Order, error) {
	o, err := a.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "load order")
	}
	if o.PatientID != actorID {
		return nil, ErrOrderNotFound
	}
	if !isCancellable(o.Status) {
		return nil, apperr.New(apperr.KindInvalidState, "order can no longer be cancelled, it is "+string(o.Status))
	}

	cancelled, err := a.orders.TransitionOrder(ctx, orderID, cancellable, OrderCancelled, a.clock.Now())
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, apperr.New(apperr.KindInvalidState, "order can no longer be cancelled")
		}
		return nil, errors.Wrap(err, "cancel order")
	}

	// the status flip above happens once, so the restock does too
	a.restock(ctx, cancelled.PharmacyID, orderID, cancelled.Items, "order cancelled")

	a.record(ctx, audit.EventOrderUpdated, orderID, map[string]any{"from": o.Status, "to": OrderCancelled})
	a.notifier.Notify(ctx, EventOrderUpdated, cancelled, realtime.UserTopic(cancelled.PatientID))
	return cancelled, nil
}

func isCancellable(s OrderStatus) bool {
	for _, c := range cancellable {
		if s == c {
			return true
		}
	}
	return false
}

// Advance moves an order one fulfilment step forward.
func (a *Allocator) Advance(ctx context.Context, orderID uuid.UUID, to OrderStatus) (*Order, error) {
	from, ok := advances[to]
	if !ok {
		return nil, apperr.Validation("cannot advance an order to %q", to)
	}

	o, err := a.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "load order")
	}
	if o.Status != from {
		return nil, apperr.New(apperr.KindInvalidState, "order is "+string(o.Status))
	}

	updated, err := a.orders.TransitionOrder(ctx, orderID, []OrderStatus{from}, to, a.clock.Now())
	if err != nil {
		if errors.Is(err, ErrStaleState) {
			return nil, apperr.New(apperr.KindInvalidState, "order changed, please reload it")
		}
		return nil, errors.Wrap(err, "advance order")
	}

	a.record(ctx, audit.EventOrderUpdated, orderID, map[string]any{"from": from, "to": to})
	a.notifier.Notify(ctx, EventOrderUpdated, updated, realtime.UserTopic(updated.PatientID))
	return updated, nil
}

// Get returns an order to its patient, pharmacy staff or an admin.
func (a *Allocator) Get(ctx context.Context, p auth.Principal, orderID uuid.UUID) (*Order, error) {
	o, err := a.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.PatientID != p.UserID && p.Role != auth.RolePharmacy && p.Role != auth.RoleAdmin {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (a *Allocator) List(ctx context.Context, patientID uuid.UUID, limit int) ([]Order, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	orders, err := a.orders.ListOrders(ctx, patientID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

func (a *Allocator) record(ctx context.Context, eventType string, id uuid.UUID, payload map[string]any) {
	if err := a.audit.Record(ctx, audit.NewEntry(eventType, id, payload, a.clock.Now())); err != nil {
		a.log.Warn().Err(err).Str("event", eventType).Msg("failed to record audit entry")
	}
}
