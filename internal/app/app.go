// Package app wires application components.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segu239/whatsapp-backend-standalone/internal/adapter/external/cronjob"
	"github.com/segu239/whatsapp-backend-standalone/internal/adapter/external/whatsapp"
	"github.com/segu239/whatsapp-backend-standalone/internal/adapter/telegram"
	"github.com/segu239/whatsapp-backend-standalone/internal/config"
	"github.com/segu239/whatsapp-backend-standalone/internal/platform/httpclient"
	"github.com/segu239/whatsapp-backend-standalone/internal/platform/logger"
	"github.com/segu239/whatsapp-backend-standalone/internal/scheduler"
	"github.com/segu239/whatsapp-backend-standalone/internal/server"
	"github.com/segu239/whatsapp-backend-standalone/internal/service"
	"github.com/segu239/whatsapp-backend-standalone/internal/store"
	"github.com/segu239/whatsapp-backend-standalone/pkg/retry"
)

// userAgent identifies the relay to the providers.
const userAgent = "whatsapp-relay/1.0"

// App wires application components.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New creates a new App instance and loads configuration.
func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Options{
		Env:          cfg.Env,
		ConsoleLevel: cfg.Log.ConsoleLevel,
		FileLevel:    cfg.Log.FileLevel,
		File:         cfg.Log.File,
		App:          "whatsapp-relay",
	})
	return &App{cfg: cfg, log: log}, nil
}

// Run starts the application and blocks until shutdown.
func (a *App) Run() error {
	a.log.Info("starting", slog.String("env", a.cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	policy := retry.Policy{
		MaxRetries: a.cfg.Retry.MaxRetries,
		BaseDelay:  a.cfg.Retry.BaseDelay,
		MaxDelay:   a.cfg.Retry.MaxDelay,
		Multiplier: a.cfg.Retry.Multiplier,
		Jitter:     a.cfg.Retry.Jitter,
		Logger:     a.log,
	}

	client := httpclient.New(
		httpclient.WithLogger(a.log),
		httpclient.WithTimeout(a.cfg.HTTP.ProviderTimeout),
		httpclient.WithHeaders(map[string]string{"User-Agent": userAgent}),
		httpclient.WithURLRedactor(whatsappURLRedactor),
	)
	messaging := whatsapp.NewClient(client,
		a.cfg.WhatsApp.BaseURL, a.cfg.WhatsApp.InstanceID, a.cfg.WhatsApp.Token, policy)

	var alerter service.Alerter
	if a.cfg.Telegram.Token != "" {
		n, err := telegram.NewNotifier(a.cfg.Telegram.Token, a.cfg.Telegram.ChatID, a.log)
		if err != nil {
			return fmt.Errorf("telegram notifier: %w", err)
		}
		alerter = n
	}

	opts := service.Options{
		Store:     st,
		Messaging: messaging,
		Alerter:   alerter,
		Logger:    a.log,
	}

	// The scheduler always runs: in local mode it fires the schedules
	// themselves, in provider mode it only carries the reconcile sweep.
	sched := scheduler.New(ctx, a.log)
	if a.cfg.Scheduler.Mode == "provider" {
		opts.Triggers = cronjob.NewClient(client,
			a.cfg.Scheduler.BaseURL, a.cfg.Scheduler.APIKey, policy)
		opts.WebhookBaseURL = a.cfg.Scheduler.WebhookBaseURL
		opts.WebhookSecret = a.cfg.Scheduler.WebhookSecret
	} else {
		opts.Scheduler = sched
	}

	relay, err := service.New(opts)
	if err != nil {
		return err
	}

	if opts.Scheduler != nil {
		if err := relay.Restore(ctx); err != nil {
			return fmt.Errorf("restore schedules: %w", err)
		}
	}
	// The reconcile sweep uses a reserved job id outside the schedule
	// id range.
	if err := sched.ScheduleCron(-1, a.cfg.Scheduler.ReconcileSpec, relay.Reconcile); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	sched.Start()

	router := server.NewRouter(server.Options{
		Service:       relay,
		Pinger:        st,
		APIKey:        a.cfg.HTTP.APIKey,
		WebhookSecret: a.cfg.Scheduler.WebhookSecret,
		Env:           a.cfg.Env,
		Logger:        a.log,
	})

	srv := &http.Server{Addr: a.cfg.HTTP.Addr, Handler: router}
	go func() {
		a.log.Info("listening", slog.String("addr", a.cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("server", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	a.log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sched.Stop(shutdownCtx); err != nil {
		a.log.Error("scheduler stop", slog.Any("err", err))
	}
	return srv.Shutdown(shutdownCtx)
}

// whatsappURLRedactor hides the instance token, which the provider embeds
// as the last path segment of every request.
func whatsappURLRedactor(u *url.URL) string {
	c := *u
	if i := strings.LastIndex(c.Path, "/"); i >= 0 {
		c.Path = c.Path[:i] + "/[REDACTED]"
	}
	return c.String()
}

func (a *App) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.DB.Driver {
	case "postgres":
		return store.NewPG(ctx, a.cfg.DB.PostgresURL)
	default:
		return store.NewSQLite(ctx, a.cfg.DB.SQLitePath)
	}
}
