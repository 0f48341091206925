package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/careline/careline/internal/config"
	"github.com/careline/careline/internal/domain/directory"
	"github.com/careline/careline/internal/domain/reminder"
	"github.com/careline/careline/internal/domain/scheduling"
	"github.com/careline/careline/internal/platform/db"
	"github.com/careline/careline/internal/platform/lease"
	"github.com/careline/careline/internal/platform/notification"
	"github.com/careline/careline/internal/platform/telemetry"
)

// app holds the wired services shared by the server and the CLI commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	pool    *pgxpool.Pool
	metrics *telemetry.Metrics

	slots     *scheduling.SlotStore
	lifecycle *scheduling.Lifecycle
	gate      *reminder.PreferenceGate
	ledger    *reminder.Ledger
	scheduler *reminder.Scheduler

	closers []func() error
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}
	return zerolog.New(stdout).With().Timestamp().Logger()
}

// loadConfig reads and validates the configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		ApplicationName: "careline",
	})
}

// newApp wires repositories, the reminder scheduler and the appointment
// lifecycle on top of pool.
func newApp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, pool: pool, metrics: telemetry.NewMetrics()}

	dispatcher, closeFn, err := newDispatcher(cfg, logger, a.metrics)
	if err != nil {
		return nil, err
	}
	if closeFn != nil {
		a.closers = append(a.closers, closeFn)
	}

	lk, closeFn, err := newLease(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	if closeFn != nil {
		a.closers = append(a.closers, closeFn)
	}

	dir := directory.NewPG(pool)
	tx := db.NewTxManager(pool)

	a.gate = reminder.NewPreferenceGate(reminder.NewSettingsRepoPG(pool), dir)
	a.ledger = reminder.NewLedger(reminder.NewLedgerRepoPG(pool))
	a.scheduler = reminder.NewScheduler(a.ledger, a.gate, dispatcher, notification.NewTemplateEngine(), lk, reminder.Config{
		Interval:        cfg.ReminderInterval,
		BatchSize:       cfg.ReminderBatchSize,
		DispatchTimeout: cfg.ReminderDispatchTimeout,
		Location:        loc,
	}, logger, a.metrics)

	a.slots = scheduling.NewSlotStore(scheduling.NewSlotRepoPG(pool), dir, tx, slotPolicy(cfg, loc), logger, a.metrics)
	a.lifecycle = scheduling.NewLifecycle(scheduling.NewAppointmentRepoPG(pool), a.slots, tx, dir, dir, a.scheduler, logger, a.metrics)
	return a, nil
}

func slotPolicy(cfg *config.Config, loc *time.Location) scheduling.SlotPolicy {
	p := scheduling.DefaultSlotPolicy(loc)
	if cfg.SlotMinutes > 0 {
		p.SlotLength = time.Duration(cfg.SlotMinutes) * time.Minute
	}
	return p
}

// newDispatcher picks the notification transport named by NOTIFY_TRANSPORT.
// The returned close func is nil when the transport holds no resources.
func newDispatcher(cfg *config.Config, logger zerolog.Logger, m *telemetry.Metrics) (notification.Dispatcher, func() error, error) {
	switch cfg.NotifyTransport {
	case "", "log":
		return notification.NewInstrumented(notification.NewLogDispatcher(logger), "log", m), nil, nil
	case "webhook":
		d := notification.NewWebhookDispatcher(notification.WebhookConfig{
			URL:    cfg.NotifyWebhookURL,
			Secret: cfg.NotifyWebhookSecret,
			RPS:    cfg.NotifyWebhookRPS,
		}, logger)
		return notification.NewInstrumented(d, "webhook", m), nil, nil
	case "kafka":
		d := notification.NewKafkaDispatcher(cfg.KafkaBrokers, cfg.KafkaTopic)
		return notification.NewInstrumented(d, "kafka", m), d.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown notification transport %q", cfg.NotifyTransport)
}

// newLease uses Redis when REDIS_URL is set so that only one replica ticks
// at a time; otherwise the lease is process-local.
func newLease(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (lease.Lease, func() error, error) {
	if cfg.RedisURL == "" {
		return lease.NewLocal(), nil, nil
	}
	client, err := lease.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("using redis lease for reminder ticks")
	return lease.NewRedis(client, "careline:lease:"), client.Close, nil
}

// Close releases transport and lease resources. The pool is owned by the
// caller.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
	a.closers = nil
}
