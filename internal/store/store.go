// Package store persists schedules and delivery history. Two backends exist:
// embedded SQLite (default) and PostgreSQL for managed deployments.
package store

import (
	"context"
	"embed"
	"time"
)

//go:embed migrations
var migrationsFS embed.FS

// ScheduleStatus is the lifecycle state of a schedule.
type ScheduleStatus string

const (
	// StatusPending means the schedule exists locally but has no trigger yet.
	StatusPending ScheduleStatus = "pending"
	// StatusActive means the trigger is registered and will fire.
	StatusActive ScheduleStatus = "active"
	// StatusDone means a one-time schedule has been dispatched.
	StatusDone ScheduleStatus = "done"
	// StatusCanceled means the schedule was canceled before completion.
	StatusCanceled ScheduleStatus = "canceled"
	// StatusFailed means dispatch exhausted its retry budget.
	StatusFailed ScheduleStatus = "failed"
)

// Schedule is a message to be sent later, either once (FireAt) or
// repeatedly (CronExpr). Exactly one of the two is set.
type Schedule struct {
	ID        int64
	Recipient string
	Body      string
	MediaURL  string
	Filename  string
	Caption   string
	CronExpr  string
	FireAt    *time.Time
	Status    ScheduleStatus
	TriggerID int64 // provider job id; 0 in local scheduling mode
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recurring reports whether the schedule fires more than once.
func (s *Schedule) Recurring() bool { return s.CronExpr != "" }

// DeliveryStatus is the outcome of one dispatch.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// Delivery records one send attempt's final outcome. ScheduleID is 0 for
// immediate sends. Per-attempt detail is not persisted; attempts exist only
// inside one retry executor invocation.
type Delivery struct {
	ID                int64
	ScheduleID        int64
	Recipient         string
	ProviderMessageID string
	Status            DeliveryStatus
	Error             string
	SentAt            time.Time
}

// Store is the persistence surface used by the relay service.
type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id int64) (*Schedule, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)
	UpdateScheduleStatus(ctx context.Context, id int64, status ScheduleStatus) error
	SetTriggerID(ctx context.Context, id, triggerID int64) error
	// DeleteSchedule removes the schedule row. Delivery history is kept.
	DeleteSchedule(ctx context.Context, id int64) error

	RecordDelivery(ctx context.Context, d *Delivery) error
	ListDeliveries(ctx context.Context, limit int) ([]Delivery, error)

	Ping(ctx context.Context) error
	Close() error
}
