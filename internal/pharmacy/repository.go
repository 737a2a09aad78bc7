package pharmacy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/telehealth-dispatch/internal/apperr"
)

var (
	ErrOrderNotFound = apperr.New(apperr.KindNotFound, "order not found")
	ErrStaleState    = apperr.New(apperr.KindConflict, "order changed concurrently, please retry")
	// ErrInsufficientStock is returned by a guarded decrement that found
	// less stock than requested.
	ErrInsufficientStock = apperr.New(apperr.KindStockChanged, "stock changed, please retry the order")
)

// InventoryRepository reads the catalog and moves stock. Decrement is
// conditional on stock >= qty at write time; there is no multi-row
// transaction across calls.
type InventoryRepository interface {
	SaveProduct(ctx context.Context, p Product) error
	SavePharmacy(ctx context.Context, p Pharmacy) error
	SetStock(ctx context.Context, u InventoryUnit) error

	Products(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Product, error)
	ActivePharmacies(ctx context.Context) ([]Pharmacy, error)
	// Units returns the stock rows of the given products at every pharmacy.
	Units(ctx context.Context, productIDs []uuid.UUID) ([]InventoryUnit, error)
	Decrement(ctx context.Context, pharmacyID, productID uuid.UUID, qty int) error
	Increment(ctx context.Context, pharmacyID, productID uuid.UUID, qty int) error
}

type OrderRepository interface {
	InsertOrder(ctx context.Context, o Order) (*Order, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	// TransitionOrder moves an order in one of from to to, or fails with
	// ErrStaleState.
	TransitionOrder(ctx context.Context, id uuid.UUID, from []OrderStatus, to OrderStatus, now time.Time) (*Order, error)
	ListOrders(ctx context.Context, patientID uuid.UUID, limit int) ([]Order, error)
}
