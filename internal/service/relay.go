// Package service implements the relay's use cases: immediate sends,
// recipient fan-out, and the schedule lifecycle from creation through
// dispatch.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/segu239/whatsapp-backend-standalone/internal/adapter/external/cronjob"
	"github.com/segu239/whatsapp-backend-standalone/internal/scheduler"
	"github.com/segu239/whatsapp-backend-standalone/internal/shared"
	"github.com/segu239/whatsapp-backend-standalone/internal/store"
	"github.com/segu239/whatsapp-backend-standalone/pkg/retry"
)

// overdueGrace is how long past its fire time a one-time schedule may sit
// in the active state before reconciliation marks it failed.
const overdueGrace = 10 * time.Minute

// Messaging is the messaging provider surface the relay needs.
type Messaging interface {
	SendText(ctx context.Context, to, body string) (string, error)
	SendMedia(ctx context.Context, to, mediaURL, filename, caption string) (string, error)
	SendTextTask(to, body string) retry.Task[string]
}

// Triggers is the scheduling provider surface, used in provider mode.
type Triggers interface {
	CreateTrigger(ctx context.Context, tr cronjob.Trigger) (int64, error)
	DeleteTrigger(ctx context.Context, id int64) error
}

// LocalScheduler is the in-process scheduler surface, used in local mode.
type LocalScheduler interface {
	ScheduleCron(id int64, spec string, job scheduler.JobFunc) error
	ScheduleAt(id int64, at time.Time, job scheduler.JobFunc)
	Cancel(id int64) bool
}

// Alerter pushes operator notifications. Failures to alert never fail the
// operation that raised them.
type Alerter interface {
	Alert(ctx context.Context, format string, args ...any)
}

// Options wires a Relay. Exactly one of Triggers (provider mode) or
// Scheduler (local mode) must be set.
type Options struct {
	Store     store.Store
	Messaging Messaging
	Triggers  Triggers
	Scheduler LocalScheduler

	// WebhookBaseURL and WebhookSecret shape the callback triggers
	// registered at the scheduling provider. Unused in local mode.
	WebhookBaseURL string
	WebhookSecret  string

	Alerter Alerter
	Logger  *slog.Logger
}

// Relay is the application core. All handlers and scheduled jobs go
// through it.
type Relay struct {
	store     store.Store
	messaging Messaging
	triggers  Triggers
	sched     LocalScheduler

	webhookBaseURL string
	webhookSecret  string

	alerter Alerter
	log     *slog.Logger
}

// New creates the relay service.
func New(opts Options) (*Relay, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("relay: store is required")
	}
	if opts.Messaging == nil {
		return nil, fmt.Errorf("relay: messaging client is required")
	}
	if (opts.Triggers == nil) == (opts.Scheduler == nil) {
		return nil, fmt.Errorf("relay: exactly one of trigger client or local scheduler must be set")
	}
	if opts.Triggers != nil && opts.WebhookBaseURL == "" {
		return nil, fmt.Errorf("relay: webhook base URL is required in provider mode")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		store:          opts.Store,
		messaging:      opts.Messaging,
		triggers:       opts.Triggers,
		sched:          opts.Scheduler,
		webhookBaseURL: opts.WebhookBaseURL,
		webhookSecret:  opts.WebhookSecret,
		alerter:        opts.Alerter,
		log:            log,
	}, nil
}

// Message is one outbound message. MediaURL selects the media path; the
// remaining media fields are ignored for plain text.
type Message struct {
	To       string
	Body     string
	MediaURL string
	Filename string
	Caption  string
}

// SendNow sends a message immediately and records the delivery outcome.
func (r *Relay) SendNow(ctx context.Context, msg Message) (*store.Delivery, error) {
	var (
		providerID string
		err        error
	)
	if msg.MediaURL != "" {
		providerID, err = r.messaging.SendMedia(ctx, msg.To, msg.MediaURL, msg.Filename, msg.Caption)
	} else {
		providerID, err = r.messaging.SendText(ctx, msg.To, msg.Body)
	}
	return r.recordOutcome(ctx, 0, msg.To, providerID, err)
}

// BroadcastResult pairs one recipient with that recipient's outcome.
type BroadcastResult struct {
	Recipient         string
	ProviderMessageID string
	Err               error
}

// Broadcast sends body to every recipient concurrently. All recipients are
// attempted even when some fail; the returned error is the first failure in
// recipient order, with per-recipient outcomes in the result slice.
func (r *Relay) Broadcast(ctx context.Context, recipients []string, body string) ([]BroadcastResult, error) {
	tasks := make([]retry.Task[string], len(recipients))
	for i, to := range recipients {
		tasks[i] = r.messaging.SendTextTask(to, body)
	}
	ids, errs := retry.DoAllSettled(ctx, tasks)

	results := make([]BroadcastResult, len(recipients))
	var firstErr error
	for i, to := range recipients {
		_, outcomeErr := r.recordOutcome(ctx, 0, to, ids[i], errs[i])
		results[i] = BroadcastResult{
			Recipient:         to,
			ProviderMessageID: ids[i],
			Err:               outcomeErr,
		}
		if outcomeErr != nil && firstErr == nil {
			firstErr = outcomeErr
		}
	}
	return results, firstErr
}

// CreateSchedule persists a schedule and registers its trigger. The schedule
// stays pending if trigger registration fails, so it can be retried or
// cleaned up by the operator.
func (r *Relay) CreateSchedule(ctx context.Context, sc *store.Schedule) error {
	if (sc.CronExpr == "") == (sc.FireAt == nil) {
		return shared.MarkKind(
			fmt.Errorf("exactly one of cron expression or fire time must be set"),
			shared.KindValidation)
	}
	if err := r.store.CreateSchedule(ctx, sc); err != nil {
		return shared.Wrap(err, "create schedule")
	}

	if err := r.registerTrigger(ctx, sc); err != nil {
		r.log.Error("trigger registration failed, schedule left pending",
			slog.Int64("schedule_id", sc.ID), slog.Any("error", err))
		return err
	}

	if err := r.store.UpdateScheduleStatus(ctx, sc.ID, store.StatusActive); err != nil {
		return shared.Wrap(err, "activate schedule")
	}
	sc.Status = store.StatusActive
	return nil
}

func (r *Relay) registerTrigger(ctx context.Context, sc *store.Schedule) error {
	if r.triggers != nil {
		tr := cronjob.Trigger{
			Title:    fmt.Sprintf("whatsapp-relay schedule %d", sc.ID),
			URL:      fmt.Sprintf("%s/api/v1/dispatch/%d", r.webhookBaseURL, sc.ID),
			CronExpr: sc.CronExpr,
			FireAt:   sc.FireAt,
			Secret:   r.webhookSecret,
		}
		triggerID, err := r.triggers.CreateTrigger(ctx, tr)
		if err != nil {
			return r.markProvider(err)
		}
		if err := r.store.SetTriggerID(ctx, sc.ID, triggerID); err != nil {
			return shared.Wrap(err, "persist trigger id")
		}
		sc.TriggerID = triggerID
		return nil
	}

	if sc.Recurring() {
		if err := r.sched.ScheduleCron(sc.ID, sc.CronExpr, r.dispatchJob(sc.ID)); err != nil {
			return shared.MarkKind(err, shared.KindValidation)
		}
		return nil
	}
	r.sched.ScheduleAt(sc.ID, *sc.FireAt, r.dispatchJob(sc.ID))
	return nil
}

// dispatchJob adapts Dispatch into a scheduler job.
func (r *Relay) dispatchJob(id int64) scheduler.JobFunc {
	return func(ctx context.Context) error {
		_, err := r.Dispatch(ctx, id)
		return err
	}
}

// CancelSchedule removes the trigger and marks the schedule canceled.
// Canceling an already canceled or completed schedule is a no-op.
func (r *Relay) CancelSchedule(ctx context.Context, id int64) error {
	sc, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sc.Status == store.StatusCanceled || sc.Status == store.StatusDone {
		return nil
	}

	if r.triggers != nil {
		if sc.TriggerID != 0 {
			if err := r.triggers.DeleteTrigger(ctx, sc.TriggerID); err != nil {
				return r.markProvider(err)
			}
		}
	} else {
		r.sched.Cancel(id)
	}

	return r.store.UpdateScheduleStatus(ctx, id, store.StatusCanceled)
}

// DeleteSchedule permanently removes a settled schedule. Deliveries are kept
// as history. Pending or active schedules must be canceled first.
func (r *Relay) DeleteSchedule(ctx context.Context, id int64) error {
	sc, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	switch sc.Status {
	case store.StatusDone, store.StatusCanceled, store.StatusFailed:
		return r.store.DeleteSchedule(ctx, id)
	}
	return shared.MarkKind(
		fmt.Errorf("schedule %d is %s, cancel it first", id, sc.Status),
		shared.KindConflict)
}

// GetSchedule returns one schedule by id.
func (r *Relay) GetSchedule(ctx context.Context, id int64) (*store.Schedule, error) {
	return r.store.GetSchedule(ctx, id)
}

// ListSchedules returns all schedules, newest first.
func (r *Relay) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
	return r.store.ListSchedules(ctx)
}

// ListDeliveries returns recent delivery records, newest first.
func (r *Relay) ListDeliveries(ctx context.Context, limit int) ([]store.Delivery, error) {
	return r.store.ListDeliveries(ctx, limit)
}

// Dispatch fires one schedule: it sends the scheduled message, records the
// delivery, and settles the schedule's status. Called from the webhook
// handler in provider mode and from the in-process scheduler in local mode.
func (r *Relay) Dispatch(ctx context.Context, id int64) (*store.Delivery, error) {
	sc, err := r.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	switch sc.Status {
	case store.StatusCanceled, store.StatusDone:
		return nil, shared.MarkKind(
			fmt.Errorf("schedule %d is %s", id, sc.Status), shared.KindConflict)
	}

	var providerID string
	if sc.MediaURL != "" {
		providerID, err = r.messaging.SendMedia(ctx, sc.Recipient, sc.MediaURL, sc.Filename, sc.Caption)
	} else {
		providerID, err = r.messaging.SendText(ctx, sc.Recipient, sc.Body)
	}

	d, outcomeErr := r.recordOutcome(ctx, sc.ID, sc.Recipient, providerID, err)

	if err != nil {
		if !sc.Recurring() {
			if uerr := r.store.UpdateScheduleStatus(ctx, id, store.StatusFailed); uerr != nil {
				r.log.Error("failed to settle schedule", slog.Int64("schedule_id", id), slog.Any("error", uerr))
			}
		}
		if r.alerter != nil {
			r.alerter.Alert(ctx, "dispatch failed for schedule %d (to %s): %v", id, sc.Recipient, err)
		}
		return d, outcomeErr
	}

	if !sc.Recurring() {
		if uerr := r.store.UpdateScheduleStatus(ctx, id, store.StatusDone); uerr != nil {
			r.log.Error("failed to settle schedule", slog.Int64("schedule_id", id), slog.Any("error", uerr))
		}
	}
	return d, nil
}

// Reconcile sweeps one-time schedules that are past due but never settled,
// marking them failed. Runs periodically; also safe to invoke by hand.
func (r *Relay) Reconcile(ctx context.Context) error {
	schedules, err := r.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for i := range schedules {
		sc := &schedules[i]
		if sc.Status != store.StatusActive || sc.Recurring() || sc.FireAt == nil {
			continue
		}
		if now.Sub(*sc.FireAt) < overdueGrace {
			continue
		}
		r.log.Warn("schedule overdue, marking failed",
			slog.Int64("schedule_id", sc.ID),
			slog.Time("fire_at", *sc.FireAt))
		if err := r.store.UpdateScheduleStatus(ctx, sc.ID, store.StatusFailed); err != nil {
			return err
		}
		if r.alerter != nil {
			r.alerter.Alert(ctx, "schedule %d never fired (due %s), marked failed",
				sc.ID, sc.FireAt.Format(time.RFC3339))
		}
	}
	return nil
}

// Restore re-registers in-process jobs for active schedules. Called at
// startup in local mode, where triggers do not survive a restart.
func (r *Relay) Restore(ctx context.Context) error {
	if r.sched == nil {
		return nil
	}
	schedules, err := r.store.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for i := range schedules {
		sc := &schedules[i]
		if sc.Status != store.StatusActive {
			continue
		}
		if sc.Recurring() {
			if err := r.sched.ScheduleCron(sc.ID, sc.CronExpr, r.dispatchJob(sc.ID)); err != nil {
				r.log.Error("could not restore schedule", slog.Int64("schedule_id", sc.ID), slog.Any("error", err))
			}
			continue
		}
		r.sched.ScheduleAt(sc.ID, *sc.FireAt, r.dispatchJob(sc.ID))
	}
	return nil
}

// recordOutcome persists the delivery row for one send and returns it. The
// original send error, classified for HTTP mapping, is returned alongside.
func (r *Relay) recordOutcome(ctx context.Context, scheduleID int64, to, providerID string, sendErr error) (*store.Delivery, error) {
	d := &store.Delivery{
		ScheduleID:        scheduleID,
		Recipient:         to,
		ProviderMessageID: providerID,
		Status:            store.DeliverySent,
		SentAt:            time.Now().UTC(),
	}
	if sendErr != nil {
		d.Status = store.DeliveryFailed
		d.Error = sendErr.Error()
	}
	if err := r.store.RecordDelivery(ctx, d); err != nil {
		r.log.Error("failed to record delivery",
			slog.String("recipient", to), slog.Any("error", err))
	}
	if sendErr != nil {
		return d, r.markProvider(sendErr)
	}
	return d, nil
}

// markProvider classifies a provider error for the HTTP layer. Cancellation
// and timeouts keep their own kinds; a provider 401/403 means our credentials
// are rejected; everything else from a provider is a dependency failure.
func (r *Relay) markProvider(err error) error {
	if err == nil {
		return nil
	}
	if shared.IsCanceled(err) || shared.IsTimeout(err) {
		return err
	}
	if status, ok := retry.HTTPStatus(err); ok {
		switch status {
		case http.StatusUnauthorized, http.StatusForbidden:
			return shared.MarkKind(err, shared.KindUnauthorized)
		}
	}
	return shared.MarkKind(err, shared.KindDependencyFailure)
}
