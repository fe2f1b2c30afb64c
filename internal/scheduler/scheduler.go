// Package scheduler runs dispatch jobs in-process when the relay operates
// without the external scheduling provider, and hosts periodic maintenance
// jobs in both modes. Jobs are keyed by schedule id so cancellation from the
// API maps 1:1 onto running entries.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is a unit of scheduled work.
type JobFunc func(ctx context.Context) error

// cronLogger adapts the cron logger interface to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, kvAttrs(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	attrs := append([]slog.Attr{slog.Any("error", err)}, kvAttrs(keysAndValues)...)
	l.logger.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
}

func kvAttrs(keysAndValues []interface{}) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		attrs = append(attrs, slog.Any(key, keysAndValues[i+1]))
	}
	return attrs
}

// Scheduler manages cron and one-time jobs keyed by schedule id.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	cronJobs map[int64]cron.EntryID
	oneShots map[int64]context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a scheduler. The parent context bounds every job.
func New(parentCtx context.Context, logger *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(parentCtx)
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger{logger: logger.With("component", "cron")}),
		),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		cronJobs: make(map[int64]cron.EntryID),
		oneShots: make(map[int64]context.CancelFunc),
	}
}

// ScheduleCron registers a recurring job under the given schedule id using a
// standard 5-field cron expression.
func (s *Scheduler) ScheduleCron(id int64, spec string, job JobFunc) error {
	name := fmt.Sprintf("schedule-%d", id)
	entryID, err := s.cron.AddFunc(spec, func() {
		s.runJob(name, job)
	})
	if err != nil {
		return fmt.Errorf("add cron job %s: %w", name, err)
	}

	s.mu.Lock()
	s.cronJobs[id] = entryID
	s.mu.Unlock()

	s.logger.Info("cron job added", "name", name, "spec", spec)
	return nil
}

// ScheduleAt registers a one-time job under the given schedule id. A fire
// time in the past runs the job immediately. The entry removes itself after
// running.
func (s *Scheduler) ScheduleAt(id int64, at time.Time, job JobFunc) {
	name := fmt.Sprintf("schedule-%d", id)
	jobCtx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	s.oneShots[id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.oneShots, id)
			s.mu.Unlock()
			cancel()
		}()

		wait := time.Until(at)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-timer.C:
			s.runJob(name, job)
		case <-jobCtx.Done():
			s.logger.Debug("one-time job canceled", "name", name)
		}
	}()

	s.logger.Info("one-time job added", "name", name, "at", at)
}

// Cancel removes the job registered under the schedule id, if any.
func (s *Scheduler) Cancel(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.cronJobs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronJobs, id)
		s.logger.Info("cron job removed", "id", id)
		return true
	}
	if cancel, ok := s.oneShots[id]; ok {
		cancel()
		delete(s.oneShots, id)
		s.logger.Info("one-time job removed", "id", id)
		return true
	}
	return false
}

// Start begins running scheduled jobs.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		s.logger.Info("starting scheduler")
		s.cron.Start()
	})
}

// Stop stops the scheduler, waiting for running jobs up to the context
// deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("stopping scheduler")
		s.cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			<-s.cron.Stop().Done()
			s.wg.Wait()
		}()

		select {
		case <-done:
			s.logger.Info("scheduler stopped")
		case <-ctx.Done():
			s.logger.Warn("scheduler stop deadline exceeded")
			err = ctx.Err()
		}
	})
	return err
}

// runJob executes one job with panic recovery and duration logging.
func (s *Scheduler) runJob(name string, job JobFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "name", name, "panic", r)
		}
	}()

	start := time.Now()
	err := job(s.ctx)
	duration := time.Since(start)
	if err != nil {
		s.logger.Error("job failed", "name", name, "error", err, "duration", duration)
		return
	}
	s.logger.Debug("job completed", "name", name, "duration", duration)
}
