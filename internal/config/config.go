package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/PortNumber53/fieldjobs-billing/internal/models"
)

// Config captures runtime configuration values used by the billing service.
type Config struct {
	// ServerAddress is the host:port pair the HTTP server listens on. Defaults to ":18111".
	ServerAddress string

	// DatabaseURL is the Postgres DSN used by database/sql.
	DatabaseURL string

	StripeSecretKey     string
	StripeWebhookSecret string
	// StripeTimeout bounds every call to the Stripe API. Defaults to 10s.
	StripeTimeout time.Duration

	// PortalReturnURL is where the Stripe customer portal sends users back to.
	PortalReturnURL string

	// Prices maps plan tiers to Stripe price ids, read from STRIPE_PRICE_<TIER>.
	Prices map[models.PlanTier]string

	SchedulerEnabled bool
	// SchedulerSpec is the cron spec for the scheduled change sweep.
	SchedulerSpec string

	WorkerConcurrency int

	// QueueRetention is how long finished tasks are kept before the daily cleanup.
	QueueRetention time.Duration
}

const (
	defaultServerAddress     = ":18111"
	defaultStripeTimeout     = 10 * time.Second
	defaultSchedulerSpec     = "@every 15m"
	defaultWorkerConcurrency = 2
	defaultQueueRetention    = 7 * 24 * time.Hour

	envServerAddress     = "BACKEND_ADDR"
	envDatabaseURL       = "DATABASE_URL"
	envStripeSecretKey   = "STRIPE_SECRET_KEY"
	envStripeWebhook     = "STRIPE_WEBHOOK_SECRET"
	envStripeTimeout     = "STRIPE_TIMEOUT"
	envPortalReturnURL   = "BILLING_PORTAL_RETURN_URL"
	envPricePrefix       = "STRIPE_PRICE_"
	envSchedulerEnabled  = "SCHEDULER_ENABLED"
	envSchedulerSpec     = "SCHEDULER_SPEC"
	envWorkerConcurrency = "WORKER_CONCURRENCY"
	envQueueRetention    = "QUEUE_RETENTION"
)

// Load reads configuration from environment variables, applies defaults, and returns
// a Config structure. Required values return an error when missing.
func Load() (Config, error) {
	cfg := Config{
		ServerAddress:       firstNonEmpty(os.Getenv(envServerAddress), defaultServerAddress),
		DatabaseURL:         strings.TrimSpace(os.Getenv(envDatabaseURL)),
		StripeSecretKey:     strings.TrimSpace(os.Getenv(envStripeSecretKey)),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv(envStripeWebhook)),
		StripeTimeout:       defaultStripeTimeout,
		PortalReturnURL:     os.Getenv(envPortalReturnURL),
		Prices:              map[models.PlanTier]string{},
		SchedulerEnabled:    true,
		SchedulerSpec:       firstNonEmpty(os.Getenv(envSchedulerSpec), defaultSchedulerSpec),
		WorkerConcurrency:   defaultWorkerConcurrency,
		QueueRetention:      defaultQueueRetention,
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("%s is required", envDatabaseURL)
	}
	if cfg.StripeSecretKey == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeSecretKey)
	}
	if cfg.StripeWebhookSecret == "" {
		return Config{}, fmt.Errorf("%s is required", envStripeWebhook)
	}

	if value := os.Getenv(envStripeTimeout); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envStripeTimeout, value)
		}
		cfg.StripeTimeout = d
	}

	if value := os.Getenv(envSchedulerEnabled); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q", envSchedulerEnabled, value)
		}
		cfg.SchedulerEnabled = enabled
	}

	if value := os.Getenv(envWorkerConcurrency); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid %s %q", envWorkerConcurrency, value)
		}
		cfg.WorkerConcurrency = n
	}

	if value := os.Getenv(envQueueRetention); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q", envQueueRetention, value)
		}
		cfg.QueueRetention = d
	}

	for _, tier := range models.PlanTiers() {
		if tier == models.PlanFree {
			continue
		}
		if price := strings.TrimSpace(os.Getenv(envPricePrefix + strings.ToUpper(string(tier)))); price != "" {
			cfg.Prices[tier] = price
		}
	}

	return cfg, nil
}

// LoadDatabaseURL reads only the database DSN, for tools that never talk to Stripe.
func LoadDatabaseURL() (string, error) {
	dsn := strings.TrimSpace(os.Getenv(envDatabaseURL))
	if dsn == "" {
		return "", fmt.Errorf("%s is required", envDatabaseURL)
	}
	return dsn, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
