package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds application configuration values.
type Config struct {
	Env  string `validate:"required,oneof=dev prod"`
	HTTP struct {
		Addr string `validate:"required"`
		// APIKey protects the client-facing API. Empty disables the check
		// (passthrough auth for local use).
		APIKey string
		// ProviderTimeout bounds each outbound provider request, including
		// body read.
		ProviderTimeout time.Duration
	}
	WhatsApp struct {
		BaseURL    string `validate:"required,url"`
		InstanceID string `validate:"required"`
		Token      string `validate:"required"`
	}
	Scheduler struct {
		// Mode selects between the external trigger provider and in-process
		// cron scheduling.
		Mode string `validate:"required,oneof=provider local"`
		// Provider settings, required in provider mode.
		BaseURL string
		APIKey  string
		// WebhookBaseURL is this service's public base URL, used to build
		// trigger callback URLs.
		WebhookBaseURL string
		// WebhookSecret authenticates provider callbacks.
		WebhookSecret string
		// ReconcileSpec is the cron spec for the overdue-schedule sweep.
		ReconcileSpec string `validate:"required"`
	}
	Retry struct {
		MaxRetries int     `validate:"gte=0"`
		BaseDelay  time.Duration
		MaxDelay   time.Duration
		Multiplier float64 `validate:"gt=1"`
		Jitter     bool
	}
	DB struct {
		Driver     string `validate:"required,oneof=sqlite postgres"`
		SQLitePath string
		// PostgresURL is the DSN, required for the postgres driver.
		PostgresURL string
	}
	Telegram struct {
		// Optional operator alert channel.
		Token  string
		ChatID int64
	}
	Log struct {
		ConsoleLevel string `validate:"required,oneof=debug info warn error"`
		FileLevel    string `validate:"required,oneof=debug info warn error"`
		File         string
	}
}

var validate = validator.New()

// Load reads configuration from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var c Config
	c.Env = getenv("ENV", "prod")
	c.HTTP.Addr = getenv("HTTP_ADDR", ":8080")
	c.HTTP.APIKey = os.Getenv("API_KEY")
	providerTimeoutMs, err := getint("PROVIDER_TIMEOUT_MS", 15000)
	if err != nil {
		return Config{}, err
	}
	c.HTTP.ProviderTimeout = time.Duration(providerTimeoutMs) * time.Millisecond

	c.WhatsApp.BaseURL = os.Getenv("WHATSAPP_API_URL")
	c.WhatsApp.InstanceID = os.Getenv("WHATSAPP_INSTANCE_ID")
	c.WhatsApp.Token = os.Getenv("WHATSAPP_TOKEN")

	c.Scheduler.Mode = getenv("SCHEDULER_MODE", "provider")
	c.Scheduler.BaseURL = os.Getenv("CRONJOB_API_URL")
	c.Scheduler.APIKey = os.Getenv("CRONJOB_API_KEY")
	c.Scheduler.WebhookBaseURL = os.Getenv("WEBHOOK_BASE_URL")
	c.Scheduler.WebhookSecret = os.Getenv("WEBHOOK_SECRET")
	c.Scheduler.ReconcileSpec = getenv("RECONCILE_CRON", "*/15 * * * *")

	if c.Retry.MaxRetries, err = getint("RETRY_MAX_RETRIES", 3); err != nil {
		return Config{}, err
	}
	baseMs, err := getint("RETRY_BASE_DELAY_MS", 1000)
	if err != nil {
		return Config{}, err
	}
	maxMs, err := getint("RETRY_MAX_DELAY_MS", 30000)
	if err != nil {
		return Config{}, err
	}
	c.Retry.BaseDelay = time.Duration(baseMs) * time.Millisecond
	c.Retry.MaxDelay = time.Duration(maxMs) * time.Millisecond
	if c.Retry.Multiplier, err = getfloat("RETRY_MULTIPLIER", 2.0); err != nil {
		return Config{}, err
	}
	c.Retry.Jitter = getenv("RETRY_JITTER", "true") != "false"

	c.DB.Driver = getenv("DB_DRIVER", "sqlite")
	c.DB.SQLitePath = getenv("SQLITE_PATH", "data/relay.db")
	c.DB.PostgresURL = os.Getenv("DATABASE_URL")

	c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	if raw := os.Getenv("TELEGRAM_ALERT_CHAT_ID"); raw != "" {
		if c.Telegram.ChatID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return Config{}, errors.New("TELEGRAM_ALERT_CHAT_ID must be an integer")
		}
	}

	c.Log.ConsoleLevel = strings.ToLower(getenv("LOG_CONSOLE_LEVEL", "info"))
	c.Log.FileLevel = strings.ToLower(getenv("LOG_FILE_LEVEL", "debug"))
	c.Log.File = getenv("LOG_FILE", "data/logs/relay.log")

	if err := validate.Struct(c); err != nil {
		return Config{}, err
	}
	if c.HTTP.ProviderTimeout <= 0 {
		return Config{}, errors.New("PROVIDER_TIMEOUT_MS must be positive")
	}
	if c.Retry.BaseDelay <= 0 {
		return Config{}, errors.New("RETRY_BASE_DELAY_MS must be positive")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return Config{}, errors.New("RETRY_MAX_DELAY_MS must be >= RETRY_BASE_DELAY_MS")
	}
	if c.Scheduler.Mode == "provider" {
		if c.Scheduler.BaseURL == "" || c.Scheduler.APIKey == "" {
			return Config{}, errors.New("CRONJOB_API_URL and CRONJOB_API_KEY required in provider mode")
		}
		if c.Scheduler.WebhookBaseURL == "" {
			return Config{}, errors.New("WEBHOOK_BASE_URL required in provider mode")
		}
		if c.Scheduler.WebhookSecret == "" {
			return Config{}, errors.New("WEBHOOK_SECRET required in provider mode")
		}
	}
	if c.DB.Driver == "postgres" && c.DB.PostgresURL == "" {
		return Config{}, errors.New("DATABASE_URL required for postgres driver")
	}
	if c.Telegram.Token != "" && c.Telegram.ChatID == 0 {
		return Config{}, errors.New("TELEGRAM_ALERT_CHAT_ID required when TELEGRAM_BOT_TOKEN is set")
	}
	return c, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(k + " must be an integer")
	}
	return n, nil
}

func getfloat(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, errors.New(k + " must be a number")
	}
	return f, nil
}
