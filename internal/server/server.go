// Package server exposes the relay's REST API and the dispatch webhook.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/segu239/whatsapp-backend-standalone/internal/service"
	"github.com/segu239/whatsapp-backend-standalone/internal/shared"
	"github.com/segu239/whatsapp-backend-standalone/internal/store"
)

// RelayService is the application surface the handlers call.
type RelayService interface {
	SendNow(ctx context.Context, msg service.Message) (*store.Delivery, error)
	Broadcast(ctx context.Context, recipients []string, body string) ([]service.BroadcastResult, error)
	CreateSchedule(ctx context.Context, sc *store.Schedule) error
	CancelSchedule(ctx context.Context, id int64) error
	DeleteSchedule(ctx context.Context, id int64) error
	GetSchedule(ctx context.Context, id int64) (*store.Schedule, error)
	ListSchedules(ctx context.Context) ([]store.Schedule, error)
	ListDeliveries(ctx context.Context, limit int) ([]store.Delivery, error)
	Dispatch(ctx context.Context, id int64) (*store.Delivery, error)
}

// Pinger is the readiness probe dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	Service RelayService
	Pinger  Pinger

	// APIKey guards /api/v1. Empty disables authentication; intended for
	// local development only.
	APIKey string
	// WebhookSecret guards the dispatch webhook. Empty disables the check,
	// which is only safe in local scheduling mode.
	WebhookSecret string

	Env    string
	Logger *slog.Logger
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(opts Options) *gin.Engine {
	if opts.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	h := &handler{svc: opts.Service, log: log}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if opts.Pinger != nil {
			if err := opts.Pinger.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The dispatch webhook is authenticated by the shared secret the
	// trigger was registered with, not by the client API key.
	r.POST("/api/v1/dispatch/:id", webhookAuth(opts.WebhookSecret), h.dispatch)

	api := r.Group("/api/v1", apiKeyAuth(opts.APIKey))
	{
		api.POST("/messages", h.sendMessage)
		api.POST("/messages/broadcast", h.broadcast)
		api.POST("/schedules", h.createSchedule)
		api.GET("/schedules", h.listSchedules)
		api.GET("/schedules/:id", h.getSchedule)
		api.DELETE("/schedules/:id", h.cancelSchedule)
		api.GET("/deliveries", h.listDeliveries)
	}

	return r
}

// requestLogger logs one line per request in the access-log style.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}

// apiKeyAuth checks the X-API-Key header. An empty configured key disables
// the check.
func apiKeyAuth(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key != "" && c.GetHeader("X-API-Key") != key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// webhookAuth checks the X-Webhook-Secret header set on registered triggers.
func webhookAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && c.GetHeader("X-Webhook-Secret") != secret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
		c.Next()
	}
}

// writeError maps a service error onto an HTTP status.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch shared.KindOf(err) {
	case shared.KindValidation:
		status = http.StatusBadRequest
	case shared.KindUnauthorized:
		status = http.StatusUnauthorized
	case shared.KindNotFound:
		status = http.StatusNotFound
	case shared.KindConflict:
		status = http.StatusConflict
	case shared.KindTimeout:
		status = http.StatusGatewayTimeout
	case shared.KindDependencyFailure:
		status = http.StatusBadGateway
	case shared.KindCanceled:
		// Client went away; nginx's 499 is the closest description.
		status = 499
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
