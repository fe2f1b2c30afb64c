package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/segu239/whatsapp-backend-standalone/internal/platform/sqlite"
	"github.com/segu239/whatsapp-backend-standalone/internal/shared"
)

// SQLiteStore is the embedded default backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and migrates) the SQLite store at dbPath.
func NewSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := sqlite.Migrate(dbPath, migrationsFS, "migrations/sqlite"); err != nil {
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	db, err := sqlite.NewDB(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if sc.Status == "" {
		sc.Status = StatusPending
	}

	var fireAt sql.NullTime
	if sc.FireAt != nil {
		fireAt = sql.NullTime{Time: sc.FireAt.UTC(), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (recipient, body, media_url, filename, caption, cron_expr, fire_at, status, trigger_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.Recipient, sc.Body, sc.MediaURL, sc.Filename, sc.Caption,
		sc.CronExpr, fireAt, sc.Status, sc.TriggerID, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	sc.ID, err = res.LastInsertId()
	return err
}

const scheduleColumns = `id, recipient, body, media_url, filename, caption, cron_expr, fire_at, status, trigger_id, created_at, updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sc Schedule
	var fireAt sql.NullTime
	err := row.Scan(&sc.ID, &sc.Recipient, &sc.Body, &sc.MediaURL, &sc.Filename,
		&sc.Caption, &sc.CronExpr, &fireAt, &sc.Status, &sc.TriggerID,
		&sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if fireAt.Valid {
		t := fireAt.Time
		sc.FireAt = &t
	}
	return &sc, nil
}

func (s *SQLiteStore) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.Wrapf(shared.ErrNotFound, "schedule %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *SQLiteStore) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
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

func (s *SQLiteStore) UpdateScheduleStatus(ctx context.Context, id int64, status ScheduleStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) SetTriggerID(ctx context.Context, id, triggerID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET trigger_id = ?, updated_at = ? WHERE id = ?`,
		triggerID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set trigger id: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return requireRow(res, id)
}

func (s *SQLiteStore) RecordDelivery(ctx context.Context, d *Delivery) error {
	if d.SentAt.IsZero() {
		d.SentAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (schedule_id, recipient, provider_message_id, status, error, sent_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.ScheduleID, d.Recipient, d.ProviderMessageID, d.Status, d.Error, d.SentAt)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) ListDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, recipient, provider_message_id, status, error, sent_at
		FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
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

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return shared.Wrapf(shared.ErrNotFound, "schedule %d", id)
	}
	return nil
}
