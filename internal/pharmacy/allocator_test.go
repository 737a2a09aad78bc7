package pharmacy

import (
	"context"
	"errors"
	"math"
	"sync"
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
	home       = geo.Point{Lat: 6.5244, Lng: 3.3792}
	cornerShop = geo.Point{Lat: 6.5300, Lng: 3.3800} // ~0.6 km
	midtown    = geo.Point{Lat: 6.5500, Lng: 3.4000} // ~3.6 km
	outskirts  = geo.Point{Lat: 6.6500, Lng: 3.5000} // ~19 km
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

func (e *eventLog) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	alloc   *Allocator
	repo    *MemoryRepository
	audit   *audit.MemoryRecorder
	events  *eventLog
	patient uuid.UUID

	paracetamol, amoxicillin Product
	p1, p2, p3               Pharmacy
}

func newFixture(t *testing.T, inventory func(*MemoryRepository) InventoryRepository) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		repo:        NewMemoryRepository(),
		audit:       audit.NewMemoryRecorder(),
		events:      &eventLog{},
		patient:     uuid.New(),
		paracetamol: Product{ID: uuid.New(), Name: "Paracetamol 500mg", UnitPriceCents: 350, Active: true},
		amoxicillin: Product{ID: uuid.New(), Name: "Amoxicillin 250mg", UnitPriceCents: 1200, Active: true},
		p1:          Pharmacy{ID: uuid.New(), Name: "Corner Chemist", Location: cornerShop, Active: true},
		p2:          Pharmacy{ID: uuid.New(), Name: "Midtown Pharmacy", Location: midtown, Active: true},
		p3:          Pharmacy{ID: uuid.New(), Name: "Outskirts Depot", Location: outskirts, Active: true},
	}

	for _, p := range []Product{f.paracetamol, f.amoxicillin} {
		require.NoError(t, f.repo.SaveProduct(ctx, p))
	}
	for _, p := range []Pharmacy{f.p1, f.p2, f.p3} {
		require.NoError(t, f.repo.SavePharmacy(ctx, p))
	}
	for _, u := range []InventoryUnit{
		{PharmacyID: f.p1.ID, ProductID: f.paracetamol.ID, Stock: 40, EtaMinutes: 5},
		{PharmacyID: f.p2.ID, ProductID: f.paracetamol.ID, Stock: 10, EtaMinutes: 5},
		{PharmacyID: f.p2.ID, ProductID: f.amoxicillin.ID, Stock: 3, EtaMinutes: 20},
		{PharmacyID: f.p3.ID, ProductID: f.paracetamol.ID, Stock: 100, EtaMinutes: 0},
		{PharmacyID: f.p3.ID, ProductID: f.amoxicillin.ID, Stock: 100, EtaMinutes: 0},
	} {
		require.NoError(t, f.repo.SetStock(ctx, u))
	}

	var inv InventoryRepository = f.repo
	if inventory != nil {
		inv = inventory(f.repo)
	}

	clk := clock.NewMockClock(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	notifier := realtime.NewNotifier(f.events, clk, logging.Nop())
	f.alloc = NewAllocator(inv, f.repo, notifier, f.audit, clk, logging.Nop())
	return f
}

func (f *fixture) stock(pharmacy Pharmacy, product Product) int {
	u, _ := f.repo.Unit(pharmacy.ID, product.ID)
	return u.Stock
}

func TestDeliveryMinutes(t *testing.T) {
	cases := []struct {
		km   float64
		want int
	}{
		{0, 10},
		{3.6, 10},
		{6, 12},
		{7.2, 15},
		{50, 15},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, DeliveryMinutes(tc.km), "km=%v", tc.km)
	}
}

func TestAllocatePicksNearestPharmacyWithWholeBasket(t *testing.T) {
	f := newFixture(t, nil)

	order, err := f.alloc.Allocate(context.Background(), f.patient, []ItemRequest{
		{ProductID: f.paracetamol.ID, Quantity: 2},
		{ProductID: f.amoxicillin.ID, Quantity: 1},
	}, home, "12 Marina Rd")
	require.NoError(t, err)

	// the corner chemist is nearer but has no amoxicillin
	assert.Equal(t, f.p2.ID, order.PharmacyID)
	assert.Equal(t, OrderPending, order.Status)
	assert.Equal(t, int64(2*350+1200), order.TotalCents)
	assert.Equal(t, 20+10, order.EtaMinutes)
	assert.Len(t, order.Items, 2)

	assert.Equal(t, 8, f.stock(f.p2, f.paracetamol))
	assert.Equal(t, 2, f.stock(f.p2, f.amoxicillin))
	assert.Equal(t, 40, f.stock(f.p1, f.paracetamol))

	assert.Equal(t, []string{EventOrderCreated}, f.events.types())
	assert.Len(t, f.audit.OfType(audit.EventOrderCreated), 1)
}

func TestAllocateMergesDuplicateLines(t *testing.T) {
	f := newFixture(t, nil)

	order, err := f.alloc.Allocate(context.Background(), f.patient, []ItemRequest{
		{ProductID: f.amoxicillin.ID, Quantity: 2},
		{ProductID: f.amoxicillin.ID, Quantity: 2},
	}, home, "")
	require.NoError(t, err)

	// 4 exceeds midtown's 3, so the far depot gets it
	require.Len(t, order.Items, 1)
	assert.Equal(t, 4, order.Items[0].Quantity)
	assert.Equal(t, f.p3.ID, order.PharmacyID)
}

func TestAllocateRejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	inactive := Product{ID: uuid.New(), Name: "Withdrawn", UnitPriceCents: 100}
	require.NoError(t, f.repo.SaveProduct(ctx, inactive))

	cases := []struct {
		name  string
		items []ItemRequest
		loc   geo.Point
		kind  apperr.Kind
	}{
		{"empty basket", nil, home, apperr.KindValidation},
		{"zero quantity", []ItemRequest{{ProductID: f.paracetamol.ID}}, home, apperr.KindValidation},
		{"bad location", []ItemRequest{{ProductID: f.paracetamol.ID, Quantity: 1}}, geo.Point{Lat: 95}, apperr.KindValidation},
		{"unknown product", []ItemRequest{{ProductID: uuid.New(), Quantity: 1}}, home, apperr.KindInvalidItem},
		{"inactive product", []ItemRequest{{ProductID: inactive.ID, Quantity: 1}}, home, apperr.KindInvalidItem},
		{"nobody has enough", []ItemRequest{{ProductID: f.amoxicillin.ID, Quantity: 500}}, home, apperr.KindNoFulfillableOrder},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.alloc.Allocate(ctx, f.patient, tc.items, tc.loc, "")
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
}

func TestAllocateBoundsLineQuantities(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	cases := []struct {
		name  string
		items []ItemRequest
	}{
		{"single line too large", []ItemRequest{{ProductID: f.paracetamol.ID, Quantity: maxLineQuantity + 1}}},
		{"merged lines too large", []ItemRequest{
			{ProductID: f.paracetamol.ID, Quantity: 600},
			{ProductID: f.paracetamol.ID, Quantity: 600},
		}},
		{"merged lines wrap around", []ItemRequest{
			{ProductID: f.paracetamol.ID, Quantity: math.MaxInt},
			{ProductID: f.paracetamol.ID, Quantity: math.MaxInt},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order, err := f.alloc.Allocate(ctx, f.patient, tc.items, home, "")
			assert.Nil(t, order)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}

	assert.Equal(t, 40, f.stock(f.p1, f.paracetamol))
	assert.Equal(t, 100, f.stock(f.p3, f.paracetamol))
	orders, err := f.alloc.List(ctx, f.patient, 0)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestMemoryDecrementRejectsNonPositive(t *testing.T) {
	f := newFixture(t, nil)

	err := f.repo.Decrement(context.Background(), f.p1.ID, f.paracetamol.ID, -2)
	assert.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 40, f.stock(f.p1, f.paracetamol))
}

// barrierInventory holds every caller at the stock read until n of them
// have arrived, so they all select against the same snapshot.
type barrierInventory struct {
	*MemoryRepository
	arrived sync.WaitGroup
}

func (b *barrierInventory) Units(ctx context.Context, ids []uuid.UUID) ([]InventoryUnit, error) {
	units, err := b.MemoryRepository.Units(ctx, ids)
	b.arrived.Done()
	b.arrived.Wait()
	return units, err
}

func TestConcurrentOrdersForLastUnit(t *testing.T) {
	barrier := &barrierInventory{}
	barrier.arrived.Add(2)
	f := newFixture(t, func(m *MemoryRepository) InventoryRepository {
		barrier.MemoryRepository = m
		return barrier
	})
	ctx := context.Background()

	require.NoError(t, f.repo.SetStock(ctx, InventoryUnit{PharmacyID: f.p2.ID, ProductID: f.amoxicillin.ID, Stock: 1, EtaMinutes: 20}))
	require.NoError(t, f.repo.SetStock(ctx, InventoryUnit{PharmacyID: f.p3.ID, ProductID: f.amoxicillin.ID, Stock: 0}))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.alloc.Allocate(ctx, uuid.New(), []ItemRequest{{ProductID: f.amoxicillin.ID, Quantity: 1}}, home, "")
		}(i)
	}
	wg.Wait()

	var ok, changed int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrStockChanged):
			changed++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, changed)
	assert.Equal(t, 0, f.stock(f.p2, f.amoxicillin))
}

// flakyInventory fails the decrement of one product and, optionally, every
// increment.
type flakyInventory struct {
	*MemoryRepository
	failDecrementOf uuid.UUID
	failIncrements  bool
}

func (f *flakyInventory) Decrement(ctx context.Context, pharmacyID, productID uuid.UUID, qty int) error {
	if productID == f.failDecrementOf {
		return ErrInsufficientStock
	}
	return f.MemoryRepository.Decrement(ctx, pharmacyID, productID, qty)
}

func (f *flakyInventory) Increment(ctx context.Context, pharmacyID, productID uuid.UUID, qty int) error {
	if f.failIncrements {
		return errors.New("connection reset")
	}
	return f.MemoryRepository.Increment(ctx, pharmacyID, productID, qty)
}

func TestLostDecrementIsCompensated(t *testing.T) {
	flaky := &flakyInventory{}
	f := newFixture(t, func(m *MemoryRepository) InventoryRepository {
		flaky.MemoryRepository = m
		return flaky
	})
	flaky.failDecrementOf = f.amoxicillin.ID

	_, err := f.alloc.Allocate(context.Background(), f.patient, []ItemRequest{
		{ProductID: f.paracetamol.ID, Quantity: 3},
		{ProductID: f.amoxicillin.ID, Quantity: 1},
	}, home, "")
	assert.ErrorIs(t, err, ErrStockChanged)

	assert.Equal(t, 10, f.stock(f.p2, f.paracetamol))
	assert.Equal(t, 3, f.stock(f.p2, f.amoxicillin))
	assert.Empty(t, f.audit.OfType(audit.EventCompensationFailed))
	assert.Empty(t, f.events.types())
}

func TestFailedCompensationIsAudited(t *testing.T) {
	flaky := &flakyInventory{failIncrements: true}
	f := newFixture(t, func(m *MemoryRepository) InventoryRepository {
		flaky.MemoryRepository = m
		return flaky
	})
	flaky.failDecrementOf = f.amoxicillin.ID

	_, err := f.alloc.Allocate(context.Background(), f.patient, []ItemRequest{
		{ProductID: f.paracetamol.ID, Quantity: 3},
		{ProductID: f.amoxicillin.ID, Quantity: 1},
	}, home, "")
	assert.ErrorIs(t, err, ErrStockChanged)

	entries := f.audit.OfType(audit.EventCompensationFailed)
	require.Len(t, entries, 1)
	assert.Equal(t, f.p2.ID, entries[0].AggregateID)
	assert.Contains(t, string(entries[0].Payload), f.paracetamol.ID.String())
}

func TestCancelRestocks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.alloc.Allocate(ctx, f.patient, []ItemRequest{
		{ProductID: f.paracetamol.ID, Quantity: 4},
		{ProductID: f.amoxicillin.ID, Quantity: 2},
	}, home, "")
	require.NoError(t, err)
	require.Equal(t, 1, f.stock(f.p2, f.amoxicillin))

	_, err = f.alloc.Cancel(ctx, uuid.New(), order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	cancelled, err := f.alloc.Cancel(ctx, f.patient, order.ID)
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, cancelled.Status)
	assert.Equal(t, 10, f.stock(f.p2, f.paracetamol))
	assert.Equal(t, 3, f.stock(f.p2, f.amoxicillin))

	// a second cancel must not restock twice
	_, err = f.alloc.Cancel(ctx, f.patient, order.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	assert.Equal(t, 3, f.stock(f.p2, f.amoxicillin))

	assert.Equal(t, []string{EventOrderCreated, EventOrderUpdated}, f.events.types())
}

func TestAdvanceAndCancelWindow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.alloc.Allocate(ctx, f.patient, []ItemRequest{{ProductID: f.paracetamol.ID, Quantity: 1}}, home, "")
	require.NoError(t, err)
	assert.Equal(t, f.p1.ID, order.PharmacyID)

	_, err = f.alloc.Advance(ctx, order.ID, OrderDelivered)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))

	_, err = f.alloc.Advance(ctx, order.ID, OrderCancelled)
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	for _, to := range []OrderStatus{OrderConfirmed, OrderOutForDelivery} {
		o, err := f.alloc.Advance(ctx, order.ID, to)
		require.NoError(t, err)
		assert.Equal(t, to, o.Status)
	}

	_, err = f.alloc.Cancel(ctx, f.patient, order.ID)
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidState))
	assert.Equal(t, 39, f.stock(f.p1, f.paracetamol))

	delivered, err := f.alloc.Advance(ctx, order.ID, OrderDelivered)
	require.NoError(t, err)
	assert.Equal(t, OrderDelivered, delivered.Status)
}

func TestGetVisibility(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	order, err := f.alloc.Allocate(ctx, f.patient, []ItemRequest{{ProductID: f.paracetamol.ID, Quantity: 1}}, home, "")
	require.NoError(t, err)

	_, err = f.alloc.Get(ctx, auth.Principal{UserID: f.patient, Role: auth.RolePatient}, order.ID)
	assert.NoError(t, err)
	_, err = f.alloc.Get(ctx, auth.Principal{UserID: uuid.New(), Role: auth.RolePharmacy}, order.ID)
	assert.NoError(t, err)
	_, err = f.alloc.Get(ctx, auth.Principal{UserID: uuid.New(), Role: auth.RolePatient}, order.ID)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	orders, err := f.alloc.List(ctx, f.patient, 0)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}
