package audit

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRecorder struct {
	pool *pgxpool.Pool
}

func NewPgRecorder(pool *pgxpool.Pool) *PgRecorder {
	return &PgRecorder{pool: pool}
}

func (r *PgRecorder) Record(ctx context.Context, e Entry) error {
	var payload []byte
	if len(e.Payload) > 0 {
		payload = e.Payload
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, aggregate_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, e.Type, e.AggregateID, payload, nullableTime(e))
	if err != nil {
		return errors.Wrap(err, "insert event log")
	}

	return nil
}

func nullableTime(e Entry) any {
	if e.CreatedAt.IsZero() {
		return nil
	}
	return e.CreatedAt
}
