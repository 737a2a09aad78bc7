package pharmacy

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const orderColumns = `id, patient_id, pharmacy_id, status, eta_minutes, total_cents, delivery_lat, delivery_lng, delivery_address, created_at, updated_at`

func (r *PgRepository) SaveProduct(ctx context.Context, p Product) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products (id, name, unit_price_cents, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, unit_price_cents = EXCLUDED.unit_price_cents, active = EXCLUDED.active
	`, p.ID, p.Name, p.UnitPriceCents, p.Active)
	return errors.Wrap(err, "save product")
}

func (r *PgRepository) SavePharmacy(ctx context.Context, p Pharmacy) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pharmacies (id, name, lat, lng, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, lat = EXCLUDED.lat, lng = EXCLUDED.lng, active = EXCLUDED.active
	`, p.ID, p.Name, p.Location.Lat, p.Location.Lng, p.Active)
	return errors.Wrap(err, "save pharmacy")
}

func (r *PgRepository) SetStock(ctx context.Context, u InventoryUnit) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inventory_units (pharmacy_id, product_id, stock, eta_minutes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (pharmacy_id, product_id) DO UPDATE SET stock = EXCLUDED.stock, eta_minutes = EXCLUDED.eta_minutes
	`, u.PharmacyID, u.ProductID, u.Stock, u.EtaMinutes)
	return errors.Wrap(err, "set stock")
}

func (r *PgRepository) Products(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]Product, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, unit_price_cents, active FROM products WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, errors.Wrap(err, "query products")
	}

	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Product, error) {
		var p Product
		err := row.Scan(&p.ID, &p.Name, &p.UnitPriceCents, &p.Active)
		return p, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "collect products")
	}

	out := make(map[uuid.UUID]Product, len(list))
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}

func (r *PgRepository) ActivePharmacies(ctx context.Context) ([]Pharmacy, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, lat, lng, active FROM pharmacies WHERE active ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "query pharmacies")
	}

	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Pharmacy, error) {
		var p Pharmacy
		err := row.Scan(&p.ID, &p.Name, &p.Location.Lat, &p.Location.Lng, &p.Active)
		return p, err
	})
	return list, errors.Wrap(err, "collect pharmacies")
}

func (r *PgRepository) Units(ctx context.Context, productIDs []uuid.UUID) ([]InventoryUnit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT pharmacy_id, product_id, stock, eta_minutes FROM inventory_units WHERE product_id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, errors.Wrap(err, "query inventory")
	}

	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (InventoryUnit, error) {
		var u InventoryUnit
		err := row.Scan(&u.PharmacyID, &u.ProductID, &u.Stock, &u.EtaMinutes)
		return u, err
	})
	return list, errors.Wrap(err, "collect inventory")
}

func (r *PgRepository) Decrement(ctx context.Context, pharmacyID, productID uuid.UUID, qty int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE inventory_units SET stock = stock - $3
		WHERE pharmacy_id = $1 AND product_id = $2 AND $3 > 0 AND stock >= $3
	`, pharmacyID, productID, qty)
	if err != nil {
		return errors.Wrap(err, "decrement stock")
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientStock
	}
	return nil
}

func (r *PgRepository) Increment(ctx context.Context, pharmacyID, productID uuid.UUID, qty int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inventory_units (pharmacy_id, product_id, stock)
		VALUES ($1, $2, $3)
		ON CONFLICT (pharmacy_id, product_id) DO UPDATE SET stock = inventory_units.stock + EXCLUDED.stock
	`, pharmacyID, productID, qty)
	return errors.Wrap(err, "increment stock")
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(
		&o.ID,
		&o.PatientID,
		&o.PharmacyID,
		&o.Status,
		&o.EtaMinutes,
		&o.TotalCents,
		&o.DeliveryLocation.Lat,
		&o.DeliveryLocation.Lng,
		&o.DeliveryAddress,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *PgRepository) loadItems(ctx context.Context, orders ...*Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, len(orders))
	byID := make(map[uuid.UUID]*Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
	}

	rows, err := r.pool.Query(ctx, `
		SELECT order_id, product_id, quantity, unit_price_cents
		FROM medicine_order_items WHERE order_id = ANY($1)
		ORDER BY order_id, product_id
	`, ids)
	if err != nil {
		return errors.Wrap(err, "query order items")
	}
	defer rows.Close()

	for rows.Next() {
		var orderID uuid.UUID
		var item LineItem
		if err := rows.Scan(&orderID, &item.ProductID, &item.Quantity, &item.UnitPriceCents); err != nil {
			return errors.Wrap(err, "scan order item")
		}
		o := byID[orderID]
		o.Items = append(o.Items, item)
	}
	return errors.Wrap(rows.Err(), "iterate order items")
}

func (r *PgRepository) InsertOrder(ctx context.Context, o Order) (*Order, error) {
	var created *Order

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO medicine_orders (id, patient_id, pharmacy_id, status, eta_minutes, total_cents, delivery_lat, delivery_lng, delivery_address, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
			RETURNING `+orderColumns,
			o.ID, o.PatientID, o.PharmacyID, o.Status, o.EtaMinutes, o.TotalCents, o.DeliveryLocation.Lat, o.DeliveryLocation.Lng, o.DeliveryAddress, o.CreatedAt)

		var err error
		created, err = scanOrder(row)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, item := range o.Items {
			batch.Queue(`
				INSERT INTO medicine_order_items (order_id, product_id, quantity, unit_price_cents)
				VALUES ($1, $2, $3, $4)
			`, o.ID, item.ProductID, item.Quantity, item.UnitPriceCents)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		created.Items = append([]LineItem(nil), o.Items...)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}
	return created, nil
}

func (r *PgRepository) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM medicine_orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PgRepository) TransitionOrder(ctx context.Context, id uuid.UUID, from []OrderStatus, to OrderStatus, now time.Time) (*Order, error) {
	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	o, err := scanOrder(r.pool.QueryRow(ctx, `
		UPDATE medicine_orders SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+orderColumns,
		id, to, now, statuses))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStaleState
	}
	if err != nil {
		return nil, errors.Wrap(err, "transition order")
	}
	if err := r.loadItems(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *PgRepository) ListOrders(ctx context.Context, patientID uuid.UUID, limit int) ([]Order, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+orderColumns+` FROM medicine_orders
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, patientID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}

	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Order, error) {
		o, err := scanOrder(row)
		if err != nil {
			return Order{}, err
		}
		return *o, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "collect orders")
	}

	ptrs := make([]*Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := r.loadItems(ctx, ptrs...); err != nil {
		return nil, err
	}
	return orders, nil
}
