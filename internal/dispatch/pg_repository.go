package dispatch

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/telehealth-dispatch/internal/geo"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const requestColumns = `id, kind, requester_id, status, last_lat, last_lng, notes, symptoms,
	assigned_provider_id, candidate_ids::text[], offer_expires_at, created_at, updated_at`

func scanRequest(row pgx.Row) (*Request, error) {
	var (
		r          Request
		candidates []string
	)

	err := row.Scan(
		&r.ID,
		&r.Kind,
		&r.RequesterID,
		&r.Status,
		&r.Location.Lat,
		&r.Location.Lng,
		&r.Notes,
		&r.Symptoms,
		&r.AssignedProviderID,
		&candidates,
		&r.OfferExpiresAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		id, err := uuid.Parse(c)
		if err != nil {
			return nil, errors.Wrapf(err, "parse candidate id %q", c)
		}
		r.CandidateIDs = append(r.CandidateIDs, id)
	}
	return &r, nil
}

func collectRequests(rows pgx.Rows) ([]Request, error) {
	defer rows.Close()

	var result []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *r)
	}
	return result, rows.Err()
}

// conditional maps "no row matched" to ErrStaleState.
func conditional(r *Request, err error) (*Request, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStaleState
	}
	return r, err
}

func uuidText(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func statusText(list []Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func (p *PgRepository) Create(ctx context.Context, r Request) (*Request, bool, error) {
	// a live request may finish between the failed insert and the lookup,
	// so try a few times before giving up
	for attempt := 0; attempt < 3; attempt++ {
		row := p.pool.QueryRow(ctx, `
			INSERT INTO dispatch_requests (id, kind, requester_id, status, last_lat, last_lng, notes, symptoms, candidate_ids, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::uuid[], $10, $10)
			ON CONFLICT (requester_id, kind) WHERE status IN ('REQUESTED', 'OFFERED', 'ACCEPTED') DO NOTHING
			RETURNING `+requestColumns,
			r.ID, r.Kind, r.RequesterID, r.Status, r.Location.Lat, r.Location.Lng, r.Notes, nonNil(r.Symptoms), uuidText(r.CandidateIDs), r.CreatedAt)

		created, err := scanRequest(row)
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, errors.Wrap(err, "insert dispatch request")
		}

		row = p.pool.QueryRow(ctx, `
			SELECT `+requestColumns+`
			FROM dispatch_requests
			WHERE requester_id = $1 AND kind = $2 AND status IN ('REQUESTED', 'OFFERED', 'ACCEPTED')
		`, r.RequesterID, r.Kind)
		existing, err := scanRequest(row)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, errors.Wrap(err, "load live dispatch request")
		}
	}

	return nil, false, ErrStaleState
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (p *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Request, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM dispatch_requests WHERE id = $1`, id)
	r, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	return r, err
}

func (p *PgRepository) MarkOffered(ctx context.Context, id uuid.UUID, candidates []uuid.UUID, offerExpiresAt, now time.Time) (*Request, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE dispatch_requests
		SET status = 'OFFERED', candidate_ids = $2::uuid[], offer_expires_at = $3, updated_at = $4
		WHERE id = $1 AND kind = 'FREELANCE' AND status = ANY($5)
		RETURNING `+requestColumns,
		id, uuidText(candidates), offerExpiresAt, now, statusText(AllowedFrom(KindFreelance, StatusOffered)))
	return conditional(scanRequest(row))
}

func (p *PgRepository) Assign(ctx context.Context, id, providerID uuid.UUID, from []Status, requireCandidate bool, now time.Time) (*Request, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE dispatch_requests
		SET status = 'ACCEPTED', assigned_provider_id = $2, updated_at = $3
		WHERE id = $1
		  AND status = ANY($4)
		  AND assigned_provider_id IS NULL
		  AND (NOT $5 OR $2 = ANY(candidate_ids))
		  AND (offer_expires_at IS NULL OR offer_expires_at > $3)
		RETURNING `+requestColumns,
		id, providerID, now, statusText(from), requireCandidate)
	return conditional(scanRequest(row))
}

func (p *PgRepository) Transition(ctx context.Context, id uuid.UUID, from []Status, to Status, now time.Time) (*Request, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE dispatch_requests
		SET status = $2, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+requestColumns,
		id, to, now, statusText(from))
	return conditional(scanRequest(row))
}

func (p *PgRepository) UpdateLocation(ctx context.Context, id uuid.UUID, loc geo.Point, now time.Time) (*Request, error) {
	row := p.pool.QueryRow(ctx, `
		UPDATE dispatch_requests
		SET last_lat = $2, last_lng = $3, updated_at = $4
		WHERE id = $1 AND status IN ('REQUESTED', 'OFFERED', 'ACCEPTED')
		RETURNING `+requestColumns,
		id, loc.Lat, loc.Lng, now)
	return conditional(scanRequest(row))
}

func (p *PgRepository) ExpireOffers(ctx context.Context, now time.Time) ([]Request, error) {
	rows, err := p.pool.Query(ctx, `
		UPDATE dispatch_requests
		SET status = 'EXPIRED', updated_at = $1
		WHERE status = 'OFFERED' AND offer_expires_at < $1
		RETURNING `+requestColumns, now)
	if err != nil {
		return nil, errors.Wrap(err, "expire offers")
	}
	return collectRequests(rows)
}

func (p *PgRepository) ListByStatus(ctx context.Context, kind Kind, status Status, limit int) ([]Request, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+requestColumns+`
		FROM dispatch_requests
		WHERE kind = $1 AND status = $2
		ORDER BY created_at
		LIMIT $3
	`, kind, status, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list dispatch requests")
	}
	return collectRequests(rows)
}
