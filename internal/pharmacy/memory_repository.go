package pharmacy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type stockKey struct {
	pharmacyID uuid.UUID
	productID  uuid.UUID
}

// MemoryRepository implements both repositories in process.
type MemoryRepository struct {
	mu         sync.Mutex
	products   map[uuid.UUID]Product
	pharmacies map[uuid.UUID]Pharmacy
	stock      map[stockKey]InventoryUnit
	orders     map[uuid.UUID]*Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		products:   make(map[uuid.UUID]Product),
		pharmacies: make(map[uuid.UUID]Pharmacy),
		stock:      make(map[stockKey]InventoryUnit),
		orders:     make(map[uuid.UUID]*Order),
	}
}

func cloneOrder(o *Order) *Order {
	out := *o
	out.Items = append([]LineItem(nil), o.Items...)
	return &out
}

func (m *MemoryRepository) SaveProduct(_ context.Context, p Product) error {
	m.mu.Lock()
	m.products[p.ID] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) SavePharmacy(_ context.Context, p Pharmacy) error {
	m.mu.Lock()
	m.pharmacies[p.ID] = p
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) SetStock(_ context.Context, u InventoryUnit) error {
	m.mu.Lock()
	m.stock[stockKey{u.PharmacyID, u.ProductID}] = u
	m.mu.Unlock()
	return nil
}

func (m *MemoryRepository) Products(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[uuid.UUID]Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *MemoryRepository) ActivePharmacies(_ context.Context) ([]Pharmacy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Pharmacy
	for _, p := range m.pharmacies {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *MemoryRepository) Units(_ context.Context, productIDs []uuid.UUID) ([]InventoryUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[uuid.UUID]bool, len(productIDs))
	for _, id := range productIDs {
		wanted[id] = true
	}

	var out []InventoryUnit
	for k, u := range m.stock {
		if wanted[k.productID] {
			out = append(out, u)
		}
	}
	return out, nil
}

// Unit returns a single stock row, for tests and the seed command.
func (m *MemoryRepository) Unit(pharmacyID, productID uuid.UUID) (InventoryUnit, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.stock[stockKey{pharmacyID, productID}]
	return u, ok
}

func (m *MemoryRepository) Decrement(_ context.Context, pharmacyID, productID uuid.UUID, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := stockKey{pharmacyID, productID}
	u, ok := m.stock[k]
	if !ok || qty <= 0 || u.Stock < qty {
		return ErrInsufficientStock
	}
	u.Stock -= qty
	m.stock[k] = u
	return nil
}

func (m *MemoryRepository) Increment(_ context.Context, pharmacyID, productID uuid.UUID, qty int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := stockKey{pharmacyID, productID}
	u, ok := m.stock[k]
	if !ok {
		u = InventoryUnit{PharmacyID: pharmacyID, ProductID: productID}
	}
	u.Stock += qty
	m.stock[k] = u
	return nil
}

func (m *MemoryRepository) InsertOrder(_ context.Context, o Order) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := cloneOrder(&o)
	m.orders[o.ID] = stored
	return cloneOrder(stored), nil
}

func (m *MemoryRepository) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return cloneOrder(o), nil
}

func (m *MemoryRepository) TransitionOrder(_ context.Context, id uuid.UUID, from []OrderStatus, to OrderStatus, now time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrStaleState
	}
	for _, s := range from {
		if o.Status == s {
			o.Status = to
			o.UpdatedAt = now
			return cloneOrder(o), nil
		}
	}
	return nil, ErrStaleState
}

func (m *MemoryRepository) ListOrders(_ context.Context, patientID uuid.UUID, limit int) ([]Order, error) {
	m.mu.Lock()
	var out []Order
	for _, o := range m.orders {
		if o.PatientID == patientID {
			out = append(out, *cloneOrder(o))
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
