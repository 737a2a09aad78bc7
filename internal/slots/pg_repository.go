package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/telehealth-dispatch/internal/db"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const (
	holdColumns        = `id, provider_id, subject_id, scheduled_at, status, expires_at, linked_appointment_id, created_at, updated_at`
	appointmentColumns = `id, subject_id, provider_id, scheduled_at, type, status, risk_level, risk_score, hold_id, created_at, updated_at`
)

// Helpers

func scanHold(row pgx.Row) (*SlotHold, error) {
	var h SlotHold

	err := row.Scan(
		&h.ID,
		&h.ProviderID,
		&h.SubjectID,
		&h.ScheduledAt,
		&h.Status,
		&h.ExpiresAt,
		&h.LinkedAppointmentID,
		&h.CreatedAt,
		&h.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	h.ScheduledAt = h.ScheduledAt.UTC()
	h.ExpiresAt = h.ExpiresAt.UTC()
	return &h, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.SubjectID,
		&a.ProviderID,
		&a.ScheduledAt,
		&a.Type,
		&a.Status,
		&a.RiskLevel,
		&a.RiskScore,
		&a.HoldID,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.ScheduledAt = a.ScheduledAt.UTC()
	return &a, nil
}

func notFound(err, sentinel error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel
	}
	return err
}

// lockSlot serialises writers of one (provider, time) pair for the rest of
// the transaction, across every instance sharing the database.
func lockSlot(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, at time.Time) error {
	key := fmt.Sprintf("%s@%d", providerID, at.Unix())
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return errors.Wrap(err, "lock slot")
	}
	return nil
}

// releaseStaleHolds expires HELD holds on the slot whose TTL has passed so
// the partial unique index does not count them.
func releaseStaleHolds(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, at, now time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE slot_holds
		SET status = 'EXPIRED', updated_at = now()
		WHERE provider_id = $1 AND scheduled_at = $2
		  AND status = 'HELD' AND expires_at <= $3
	`, providerID, at, now)
	return errors.Wrap(err, "release stale holds")
}

func slotOccupied(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, at, now time.Time) (bool, error) {
	var occupied bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE provider_id = $1 AND scheduled_at = $2 AND status <> 'CANCELLED'
		) OR EXISTS (
			SELECT 1 FROM slot_holds
			WHERE provider_id = $1 AND scheduled_at = $2
			  AND (status = 'CONFIRMED' OR (status = 'HELD' AND expires_at > $3))
		)
	`, providerID, at, now).Scan(&occupied)
	if err != nil {
		return false, errors.Wrap(err, "check slot occupancy")
	}
	return occupied, nil
}

func (r *PgRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, r.pool, fn)
}

// Interface methods

func (r *PgRepository) SaveProvider(ctx context.Context, p Provider, windows []AvailabilityWindow) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, kind, specialty, active)
			VALUES ($1, $2, 'doctor', $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name, specialty = EXCLUDED.specialty, active = EXCLUDED.active
		`, p.ID, p.Name, p.Specialty, p.Active)
		if err != nil {
			return errors.Wrap(err, "upsert provider")
		}

		if _, err := tx.Exec(ctx, `DELETE FROM provider_availability WHERE provider_id = $1`, p.ID); err != nil {
			return errors.Wrap(err, "clear availability")
		}
		for _, w := range windows {
			_, err := tx.Exec(ctx, `
				INSERT INTO provider_availability (provider_id, weekday, start_minute, end_minute)
				VALUES ($1, $2, $3, $4)
			`, p.ID, int16(w.Weekday), w.StartMinute, w.EndMinute)
			if err != nil {
				return errors.Wrap(err, "insert availability")
			}
		}
		return nil
	})
}

func (r *PgRepository) GetAvailability(ctx context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error) {
	var active bool
	err := r.pool.QueryRow(ctx, `SELECT active FROM providers WHERE id = $1`, providerID).Scan(&active)
	if err != nil {
		return nil, notFound(err, ErrProviderNotFound)
	}
	if !active {
		return nil, ErrProviderNotFound
	}

	rows, err := r.pool.Query(ctx, `
		SELECT weekday, start_minute, end_minute
		FROM provider_availability
		WHERE provider_id = $1
		ORDER BY weekday, start_minute
	`, providerID)
	if err != nil {
		return nil, errors.Wrap(err, "query availability")
	}
	defer rows.Close()

	var result []AvailabilityWindow
	for rows.Next() {
		var weekday int16
		var w AvailabilityWindow
		if err := rows.Scan(&weekday, &w.StartMinute, &w.EndMinute); err != nil {
			return nil, err
		}
		w.Weekday = time.Weekday(weekday)
		result = append(result, w)
	}

	return result, rows.Err()
}

func (r *PgRepository) OccupiedTimes(ctx context.Context, providerID uuid.UUID, from, to, now time.Time) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT scheduled_at FROM slot_holds
		WHERE provider_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		  AND (status = 'CONFIRMED' OR (status = 'HELD' AND expires_at > $4))
		UNION
		SELECT scheduled_at FROM appointments
		WHERE provider_id = $1 AND scheduled_at >= $2 AND scheduled_at < $3
		  AND status <> 'CANCELLED'
	`, providerID, from, to, now)
	if err != nil {
		return nil, errors.Wrap(err, "query occupied times")
	}

	times, err := pgx.CollectRows(rows, pgx.RowTo[time.Time])
	if err != nil {
		return nil, errors.Wrap(err, "collect occupied times")
	}
	return times, nil
}

func (r *PgRepository) InsertHold(ctx context.Context, h SlotHold, now time.Time) (*SlotHold, error) {
	var created *SlotHold

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockSlot(ctx, tx, h.ProviderID, h.ScheduledAt); err != nil {
			return err
		}
		if err := releaseStaleHolds(ctx, tx, h.ProviderID, h.ScheduledAt, now); err != nil {
			return err
		}
		occupied, err := slotOccupied(ctx, tx, h.ProviderID, h.ScheduledAt, now)
		if err != nil {
			return err
		}
		if occupied {
			return ErrSlotTaken
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO slot_holds (id, provider_id, subject_id, scheduled_at, status, expires_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'HELD', $5, $6, $6)
			RETURNING `+holdColumns,
			h.ID, h.ProviderID, h.SubjectID, h.ScheduledAt, h.ExpiresAt, now)
		created, err = scanHold(row)
		return err
	})
	if err != nil {
		if db.IsUniqueViolation(err, "slot_holds_live_uniq") {
			return nil, ErrSlotTaken
		}
		return nil, err
	}

	return created, nil
}

func (r *PgRepository) GetHold(ctx context.Context, id uuid.UUID) (*SlotHold, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+holdColumns+` FROM slot_holds WHERE id = $1`, id)
	h, err := scanHold(row)
	if err != nil {
		return nil, notFound(err, ErrHoldNotFound)
	}
	return h, nil
}

func (r *PgRepository) ExpireHold(ctx context.Context, id uuid.UUID, now time.Time) (*SlotHold, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE slot_holds
		SET status = 'EXPIRED', updated_at = $2
		WHERE id = $1 AND status = 'HELD' AND expires_at <= $2
		RETURNING `+holdColumns, id, now)
	h, err := scanHold(row)
	if err != nil {
		return nil, notFound(err, ErrStaleState)
	}
	return h, nil
}

func (r *PgRepository) ExpireHolds(ctx context.Context, now time.Time) ([]SlotHold, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE slot_holds
		SET status = 'EXPIRED', updated_at = $1
		WHERE status = 'HELD' AND expires_at < $1
		RETURNING `+holdColumns, now)
	if err != nil {
		return nil, errors.Wrap(err, "expire holds")
	}
	defer rows.Close()

	var result []SlotHold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *h)
	}

	return result, rows.Err()
}

func (r *PgRepository) ConfirmHold(ctx context.Context, holdID uuid.UUID, now time.Time, appt Appointment) (*SlotHold, *Appointment, error) {
	var (
		hold    *SlotHold
		created *Appointment
	)

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockSlot(ctx, tx, appt.ProviderID, appt.ScheduledAt); err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			UPDATE slot_holds
			SET status = 'CONFIRMED', linked_appointment_id = $2, updated_at = $3
			WHERE id = $1 AND status = 'HELD' AND expires_at > $3
			RETURNING `+holdColumns, holdID, appt.ID, now)
		var err error
		hold, err = scanHold(row)
		if err != nil {
			return notFound(err, ErrStaleState)
		}

		created, err = insertAppointment(ctx, tx, appt, now)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return hold, created, nil
}

func insertAppointment(ctx context.Context, tx pgx.Tx, a Appointment, now time.Time) (*Appointment, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, subject_id, provider_id, scheduled_at, type, status, risk_level, risk_score, hold_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING `+appointmentColumns,
		a.ID, a.SubjectID, a.ProviderID, a.ScheduledAt, a.Type, a.Status, a.RiskLevel, a.RiskScore, a.HoldID, now)

	created, err := scanAppointment(row)
	if err != nil {
		if db.IsUniqueViolation(err, "appointments_live_uniq") {
			return nil, ErrSlotTaken
		}
		return nil, errors.Wrap(err, "insert appointment")
	}
	return created, nil
}

func (r *PgRepository) InsertAppointment(ctx context.Context, appt Appointment, now time.Time) (*Appointment, error) {
	var created *Appointment

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := lockSlot(ctx, tx, appt.ProviderID, appt.ScheduledAt); err != nil {
			return err
		}
		occupied, err := slotOccupied(ctx, tx, appt.ProviderID, appt.ScheduledAt, now)
		if err != nil {
			return err
		}
		if occupied {
			return ErrSlotTaken
		}

		created, err = insertAppointment(ctx, tx, appt, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, notFound(err, ErrAppointmentNotFound)
	}
	return a, nil
}

func (r *PgRepository) ListAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE ($1::uuid IS NULL OR subject_id = $1)
		  AND ($2::uuid IS NULL OR provider_id = $2)
		ORDER BY scheduled_at
		LIMIT $3 OFFSET $4
	`, f.SubjectID, f.ProviderID, f.Limit, f.Offset)
	if err != nil {
		return nil, errors.Wrap(err, "list appointments")
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	return result, rows.Err()
}

func (r *PgRepository) TransitionAppointment(ctx context.Context, id uuid.UUID, from []AppointmentStatus, to AppointmentStatus, now time.Time) (*Appointment, error) {
	fromText := make([]string, len(from))
	for i, s := range from {
		fromText[i] = string(s)
	}

	var updated *Appointment

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2, updated_at = $4
			WHERE id = $1 AND status = ANY($3)
			RETURNING `+appointmentColumns, id, to, fromText, now)
		var err error
		updated, err = scanAppointment(row)
		if err != nil {
			return notFound(err, ErrStaleState)
		}

		if to == StatusCancelled && updated.HoldID != nil {
			_, err := tx.Exec(ctx, `
				UPDATE slot_holds
				SET status = 'EXPIRED', updated_at = $2
				WHERE id = $1 AND status = 'CONFIRMED'
			`, *updated.HoldID, now)
			if err != nil {
				return errors.Wrap(err, "release linked hold")
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}
