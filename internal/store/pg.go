package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/segu239/whatsapp-backend-standalone/internal/platform/pg"
	"github.com/segu239/whatsapp-backend-standalone/internal/shared"
)

// PGStore is the PostgreSQL backend for managed deployments.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPG connects to (and migrates) the PostgreSQL store behind dsn.
func NewPG(ctx context.Context, dsn string) (*PGStore, error) {
	if err := pg.Migrate(dsn, migrationsFS, "migrations/postgres"); err != nil {
		return nil, fmt.Errorf("migrate postgres store: %w", err)
	}
	pool, err := pg.NewPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if sc.Status == "" {
		sc.Status = StatusPending
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO schedules (recipient, body, media_url, filename, caption, cron_expr, fire_at, status, trigger_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		sc.Recipient, sc.Body, sc.MediaURL, sc.Filename, sc.Caption,
		sc.CronExpr, sc.FireAt, sc.Status, sc.TriggerID, sc.CreatedAt, sc.UpdatedAt).
		Scan(&sc.ID)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *PGStore) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, shared.Wrapf(shared.ErrNotFound, "schedule %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *PGStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, rows.Err()
}

func (s *PGStore) UpdateScheduleStatus(ctx context.Context, id int64, status ScheduleStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.Wrapf(shared.ErrNotFound, "schedule %d", id)
	}
	return nil
}

func (s *PGStore) SetTriggerID(ctx context.Context, id, triggerID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE schedules SET trigger_id = $1, updated_at = $2 WHERE id = $3`,
		triggerID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set trigger id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.Wrapf(shared.ErrNotFound, "schedule %d", id)
	}
	return nil
}

func (s *PGStore) DeleteSchedule(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.Wrapf(shared.ErrNotFound, "schedule %d", id)
	}
	return nil
}

func (s *PGStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO deliveries (schedule_id, recipient, provider_message_id, status, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		d.ScheduleID, d.Recipient, d.ProviderMessageID, d.Status, d.Error, d.SentAt).
		Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *PGStore) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, schedule_id, recipient, provider_message_id, status, error, sent_at
		FROM deliveries ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.ID, &d.ScheduleID, &d.Recipient, &d.ProviderMessageID,
			&d.Status, &d.Error, &d.SentAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}
