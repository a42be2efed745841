package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/PortNumber53/fieldjobs-billing/internal/billing"
	"github.com/PortNumber53/fieldjobs-billing/internal/config"
	"github.com/PortNumber53/fieldjobs-billing/internal/httpserver"
	"github.com/PortNumber53/fieldjobs-billing/internal/metrics"
	"github.com/PortNumber53/fieldjobs-billing/internal/migrations"
	"github.com/PortNumber53/fieldjobs-billing/internal/scheduler"
	"github.com/PortNumber53/fieldjobs-billing/internal/store"
	"github.com/PortNumber53/fieldjobs-billing/internal/stripe"
	"github.com/PortNumber53/fieldjobs-billing/internal/worker"
)

const cleanupSpec = "@daily"

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	logDBTarget("primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("failed to ping database: %v", err)
	}

	if err := runMigrationsWithDirtyFix(db, "primary"); err != nil {
		log.Fatalf("failed to apply database migrations: %v", err)
	}

	st, err := store.New(db)
	if err != nil {
		log.Fatalf("failed to create store: %v", err)
	}
	queue, err := store.NewQueueStore(db)
	if err != nil {
		log.Fatalf("failed to create queue store: %v", err)
	}

	m := metrics.New()
	gateway := stripe.NewClient(stripe.Config{
		SecretKey: cfg.StripeSecretKey,
		Timeout:   cfg.StripeTimeout,
	})

	svc, err := billing.NewService(st, gateway, billing.Options{
		Catalog:         billing.NewCatalog(cfg.Prices),
		Metrics:         m,
		PortalReturnURL: cfg.PortalReturnURL,
	})
	if err != nil {
		log.Fatalf("failed to create billing service: %v", err)
	}

	workerCfg := worker.DefaultConfig()
	workerCfg.MaxConcurrent = cfg.WorkerConcurrency
	w := worker.New(workerCfg, queue, nil)
	w.SetInstrumentation(worker.MetricsInstrumentation(m))

	replays := worker.NewReplayScheduler(st, w)
	router := billing.NewEventRouter(svc, cfg.StripeWebhookSecret, replays, m)
	worker.RegisterBillingJobs(w, svc, router, st)

	sched, err := scheduler.New(cfg.SchedulerSpec, w)
	if err != nil {
		log.Fatalf("failed to create scheduler: %v", err)
	}
	if err := sched.AddCleanup(cleanupSpec, queue, cfg.QueueRetention); err != nil {
		log.Fatalf("failed to register task cleanup: %v", err)
	}

	deps := httpserver.Deps{
		DB:            st,
		Metrics:       m,
		Subscriptions: svc,
		Events:        router,
		Queue:         w,
		Sweeps:        sched,
		Worker:        w,
	}
	if cfg.SchedulerEnabled {
		deps.Scheduler = sched
	} else {
		log.Printf("scheduler disabled; scheduled changes apply only on manual trigger")
	}

	srv := httpserver.New(cfg, deps)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
	}()

	log.Printf("billing service starting on %s (worker %s)", cfg.ServerAddress, w.ID())
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server exited with error: %v", err)
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, name string) error {
	if err := migrations.Up(db); err != nil {
		log.Printf("migrations(%s): error detected: %v (type: %T)", name, err, err)
		if strings.Contains(err.Error(), "Dirty database version") {
			log.Printf("migrations(%s): dirty database detected, attempting to fix...", name)
			if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
				log.Printf("migrations(%s): failed to fix dirty database: %v", name, fixErr)
				return err
			}
			return migrations.Up(db)
		}
		return err
	}
	return nil
}

func logDBTarget(name, dsn string) {
	// Only host and database name; the DSN carries credentials.
	u, err := url.Parse(dsn)
	if err != nil {
		log.Printf("db(%s): configured (dsn parse error: %v)", name, err)
		return
	}
	log.Printf("db(%s): host=%s db=%s", name, u.Hostname(), strings.TrimPrefix(u.Path, "/"))
}
