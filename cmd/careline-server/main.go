package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/careline/careline/internal/domain/reminder"
	"github.com/careline/careline/internal/domain/scheduling"
	"github.com/careline/careline/internal/platform/db"
	"github.com/careline/careline/internal/platform/telemetry"
)

const version = "0.1.0"

var stdout io.Writer = os.Stdout

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "careline-server",
		Short:        "Appointment scheduling and reminder service",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(slotsCmd())
	rootCmd.AddCommand(remindersCmd())
	return rootCmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the reminder scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// withApp loads config, opens the pool and wires the services for a
// one-shot command.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	a, err := newApp(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(stdout, "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(stdout, statuses)
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func slotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage doctor availability slots",
	}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate slots for one doctor or all active doctors",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctor, _ := cmd.Flags().GetString("doctor")
			all, _ := cmd.Flags().GetBool("all")
			days, _ := cmd.Flags().GetInt("days")
			if (doctor == "") == !all {
				return errors.New("exactly one of --doctor or --all is required")
			}
			var doctorID uuid.UUID
			if doctor != "" {
				id, err := uuid.Parse(doctor)
				if err != nil {
					return fmt.Errorf("invalid --doctor: %w", err)
				}
				doctorID = id
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if !all {
					n, err := a.slots.GenerateRange(ctx, doctorID, days)
					if err != nil {
						return err
					}
					fmt.Fprintf(stdout, "Inserted %d slot(s) for doctor %s.\n", n, doctorID)
					return nil
				}
				results, err := a.slots.GenerateForAllDoctors(ctx, days)
				if err != nil {
					return err
				}
				printGenerateResults(stdout, results)
				return nil
			})
		},
	}
	generate.Flags().String("doctor", "", "Doctor id")
	generate.Flags().Bool("all", false, "Generate for every active doctor")
	generate.Flags().Int("days", 30, "Number of calendar days starting today")
	cmd.AddCommand(generate)

	cleanup := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete unbooked slots that have already ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				n, err := a.slots.CleanupStale(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Deleted %d stale slot(s).\n", n)
				return nil
			})
		},
	}
	cleanup.Flags().Duration("older-than", 24*time.Hour, "Only delete slots that ended at least this long ago")
	cmd.AddCommand(cleanup)

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show total, booked and available slot counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			var doctorID *uuid.UUID
			if doctor, _ := cmd.Flags().GetString("doctor"); doctor != "" {
				id, err := uuid.Parse(doctor)
				if err != nil {
					return fmt.Errorf("invalid --doctor: %w", err)
				}
				doctorID = &id
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				st, err := a.slots.Stats(ctx, doctorID)
				if err != nil {
					return err
				}
				printSlotStats(stdout, st)
				return nil
			})
		},
	}
	stats.Flags().String("doctor", "", "Limit counts to one doctor id")
	cmd.AddCommand(stats)

	return cmd
}

func printSlotStats(w io.Writer, st *scheduling.SlotStats) {
	fmt.Fprintf(w, "all:    total=%d booked=%d available=%d\n", st.Total, st.Booked, st.Available)
	fmt.Fprintf(w, "future: total=%d booked=%d available=%d\n", st.FutureTotal, st.FutureBooked, st.FutureAvailable)
}

func printGenerateResults(w io.Writer, results []scheduling.GenerateResult) {
	total, failed := 0, 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Fprintf(w, "%s  error: %s\n", r.DoctorID, r.Error)
			continue
		}
		total += r.Inserted
		fmt.Fprintf(w, "%s  %d\n", r.DoctorID, r.Inserted)
	}
	fmt.Fprintf(w, "Inserted %d slot(s) for %d doctor(s), %d failed.\n", total, len(results)-failed, failed)
}

func remindersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Operate the reminder ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler tick and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				r, err := a.scheduler.Tick(ctx)
				if err != nil {
					return err
				}
				printTickReport(stdout, r)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show ledger counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				st, err := a.scheduler.Stats(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "pending=%d sent=%d suppressed=%d failed=%d cancelled=%d total=%d\n",
					st.Pending, st.Sent, st.Suppressed, st.Failed, st.Cancelled, st.Total)
				return nil
			})
		},
	})
	return cmd
}

func printTickReport(w io.Writer, r reminder.TickReport) {
	if r.Skipped {
		fmt.Fprintln(w, "Tick skipped: another tick holds the lease.")
		return
	}
	fmt.Fprintf(w, "due=%d sent=%d suppressed=%d failed=%d lost=%d\n", r.Due, r.Sent, r.Suppressed, r.Failed, r.Lost)
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	tp, err := telemetry.Init(ctx, telemetry.TelemetryConfig{
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		TracingEnabled: cfg.TracingEnabled,
		Insecure:       !cfg.IsProduction(),
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return err
	}
	defer shutdownTracer(tp, logger)

	a, err := newApp(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	e := newEcho(a)

	if cfg.ReminderEnabled {
		go a.scheduler.Start(ctx)
	} else {
		logger.Warn().Msg("reminder scheduler disabled")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func shutdownTracer(tp *sdktrace.TracerProvider, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("tracer shutdown failed")
	}
}
