package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/careline/careline/internal/platform/lease"
	"github.com/careline/careline/internal/platform/notification"
	"github.com/careline/careline/internal/platform/telemetry"
)

const tickLeaseName = "reminder-tick"

// offsets are the reminder lead times before an appointment.
var offsets = []struct {
	t    Type
	lead time.Duration
}{
	{Type24h, 24 * time.Hour},
	{Type1h, time.Hour},
}

type Config struct {
	Interval        time.Duration
	BatchSize       int
	DispatchTimeout time.Duration
	// LeaseTTL bounds how long one process may hold the tick lease. Zero
	// means BatchWindow.
	LeaseTTL time.Duration
	Location *time.Location
}

// claimMargin covers ledger writes and preference lookups on top of the
// dispatch budget.
const claimMargin = time.Minute

func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Minute,
		BatchSize:       50,
		DispatchTimeout: 10 * time.Second,
		Location:        time.UTC,
	}
}

// BatchWindow is the longest one tick can take: every entry of a full batch
// hitting the dispatch timeout, plus a margin. Claims and the tick lease
// must outlive it.
func (c Config) BatchWindow() time.Duration {
	return time.Duration(c.BatchSize)*c.DispatchTimeout + claimMargin
}

// TickReport summarizes one tick.
type TickReport struct {
	Skipped    bool `json:"skipped"`
	Due        int  `json:"due"`
	Sent       int  `json:"sent"`
	Suppressed int  `json:"suppressed"`
	Failed     int  `json:"failed"`
	// Lost counts entries another worker re-claimed before this tick
	// reached them.
	Lost int `json:"lost"`
}

type outcome string

const (
	outcomeSent       outcome = "sent"
	outcomeSuppressed outcome = "suppressed"
	outcomeFailed     outcome = "failed"
)

// Scheduler turns appointments into ledger entries and delivers due entries
// through the dispatcher.
type Scheduler struct {
	ledger     *Ledger
	gate       *PreferenceGate
	dispatcher notification.Dispatcher
	templates  *notification.TemplateEngine
	lease      lease.Lease
	cfg        Config
	now        func() time.Time
	running    atomic.Bool
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
}

func NewScheduler(
	ledger *Ledger,
	gate *PreferenceGate,
	dispatcher notification.Dispatcher,
	templates *notification.TemplateEngine,
	lk lease.Lease,
	cfg Config,
	logger zerolog.Logger,
	m *telemetry.Metrics,
) *Scheduler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = def.DispatchTimeout
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = cfg.BatchWindow()
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if lk == nil {
		lk = lease.NewLocal()
	}
	if ledger.ClaimTTL < cfg.BatchWindow() {
		ledger.ClaimTTL = cfg.BatchWindow()
	}
	return &Scheduler{
		ledger:     ledger,
		gate:       gate,
		dispatcher: dispatcher,
		templates:  templates,
		lease:      lk,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With().Str("component", "reminder-scheduler").Logger(),
		metrics:    m,
	}
}

// SetClock pins the time source of the scheduler and its ledger.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
	s.ledger.now = now
}

func (s *Scheduler) render(t Type, ref AppointmentRef) (string, string, error) {
	local := ref.At.In(s.cfg.Location)
	return s.templates.Render(string(t), map[string]string{
		"doctor_name": ref.DoctorName,
		"date":        local.Format("Monday, January 2, 2006"),
		"time":        local.Format("3:04 PM"),
	})
}

// ScheduleForAppointment records the 24h and 1h reminders. Lead times that
// have already passed are skipped without error.
func (s *Scheduler) ScheduleForAppointment(ctx context.Context, ref AppointmentRef) ([]Entry, error) {
	now := s.now()
	var out []Entry
	for _, o := range offsets {
		at := ref.At.Add(-o.lead)
		if !at.After(now) {
			continue
		}
		title, body, err := s.render(o.t, ref)
		if err != nil {
			return out, err
		}
		e := Entry{
			AppointmentID: ref.ID,
			PatientID:     ref.PatientID,
			Type:          o.t,
			Status:        StatusPending,
			ScheduledFor:  at,
			Title:         title,
			Body:          body,
		}
		if err := s.ledger.Schedule(ctx, &e); err != nil {
			return out, fmt.Errorf("schedule %s: %w", o.t, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Scheduler) CancelForAppointment(ctx context.Context, appointmentID uuid.UUID) (int64, error) {
	n, err := s.ledger.CancelForAppointment(ctx, appointmentID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug().Str("appointment_id", appointmentID.String()).Int64("cancelled", n).Msg("pending reminders cancelled")
	}
	return n, nil
}

// SendImmediate records a notice as already claimed and delivers it now, so
// a concurrent tick never picks it up.
func (s *Scheduler) SendImmediate(ctx context.Context, ref AppointmentRef, t Type, title, body string) (*Entry, error) {
	if !t.Immediate() {
		return nil, fmt.Errorf("%s is not an immediate notice: %w", t, ErrUnknownType)
	}
	now := s.now()
	e := Entry{
		AppointmentID: ref.ID,
		PatientID:     ref.PatientID,
		Type:          t,
		Status:        StatusPending,
		ScheduledFor:  now,
		Title:         title,
		Body:          body,
		ClaimedAt:     &now,
	}
	if err := s.ledger.Schedule(ctx, &e); err != nil {
		return nil, err
	}

	res, err := s.process(ctx, e)
	switch res {
	case outcomeSent:
		e.Status = StatusSent
	case outcomeSuppressed:
		e.Status, e.Suppressed = StatusSent, true
	case outcomeFailed:
		e.Status = StatusFailed
	}
	return &e, err
}

// Notify renders the template for t and sends it immediately.
func (s *Scheduler) Notify(ctx context.Context, ref AppointmentRef, t Type) (*Entry, error) {
	title, body, err := s.render(t, ref)
	if err != nil {
		return nil, err
	}
	return s.SendImmediate(ctx, ref, t, title, body)
}

// SendTest dispatches a test message without touching the ledger or the
// patient's preferences.
func (s *Scheduler) SendTest(ctx context.Context, patientID uuid.UUID) error {
	title, body, err := s.templates.Render(notification.TemplateTest, nil)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()
	return s.dispatcher.Send(ctx, notification.Message{
		ID:        uuid.New(),
		PatientID: patientID,
		Category:  notification.TemplateTest,
		Title:     title,
		Body:      body,
		Metadata:  map[string]string{"type": notification.TemplateTest},
	})
}

// Tick delivers one batch of due entries. Overlapping calls return a
// skipped report instead of waiting.
func (s *Scheduler) Tick(ctx context.Context) (report TickReport, err error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.ReminderTicks.WithLabelValues("skipped").Inc()
		return TickReport{Skipped: true}, nil
	}
	defer s.running.Store(false)

	release, err := s.lease.Acquire(ctx, tickLeaseName, s.cfg.LeaseTTL)
	if errors.Is(err, lease.ErrNotAcquired) {
		s.metrics.ReminderTicks.WithLabelValues("skipped").Inc()
		return TickReport{Skipped: true}, nil
	}
	if err != nil {
		s.metrics.ReminderTicks.WithLabelValues("error").Inc()
		return report, fmt.Errorf("acquire tick lease: %w", err)
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn().Err(rerr).Msg("release tick lease")
		}
	}()

	ctx, span := telemetry.Tracer().Start(ctx, "reminder.Tick")
	defer span.End()
	start := time.Now()
	defer func() { s.metrics.ReminderTickTime.Observe(time.Since(start).Seconds()) }()

	due, err := s.ledger.FindDue(ctx, s.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		s.metrics.ReminderTicks.WithLabelValues("error").Inc()
		return report, fmt.Errorf("find due reminders: %w", err)
	}
	report.Due = len(due)

	for _, e := range due {
		if ctx.Err() != nil {
			// Unprocessed claims expire and are picked up by a later tick.
			break
		}
		if err := s.ledger.Renew(ctx, &e); err != nil {
			if errors.Is(err, ErrClaimLost) {
				report.Lost++
			} else {
				s.logger.Warn().Err(err).Str("notification_id", e.ID.String()).Msg("renew claim")
			}
			continue
		}
		res, _ := s.process(ctx, e)
		switch res {
		case outcomeSent:
			report.Sent++
		case outcomeSuppressed:
			report.Suppressed++
		case outcomeFailed:
			report.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("reminders.due", report.Due),
		attribute.Int("reminders.sent", report.Sent),
		attribute.Int("reminders.failed", report.Failed),
	)
	s.metrics.ReminderTicks.WithLabelValues("ran").Inc()
	if report.Due > 0 {
		s.logger.Info().
			Int("due", report.Due).
			Int("sent", report.Sent).
			Int("suppressed", report.Suppressed).
			Int("failed", report.Failed).
			Int("lost", report.Lost).
			Msg("reminder tick completed")
	}
	return report, nil
}

// process delivers one claimed entry and records the result on the ledger.
// The returned error is the dispatch or preference error, if any.
func (s *Scheduler) process(ctx context.Context, e Entry) (outcome, error) {
	log := s.logger.With().
		Str("notification_id", e.ID.String()).
		Str("appointment_id", e.AppointmentID.String()).
		Str("type", string(e.Type)).
		Logger()

	allowed, err := s.gate.CanNotify(ctx, e.PatientID, e.Type)
	if err != nil {
		s.fail(ctx, log, e, fmt.Errorf("check preferences: %w", err))
		return outcomeFailed, err
	}
	if !allowed {
		if err := s.ledger.MarkSuppressed(ctx, e.ID); err != nil {
			log.Warn().Err(err).Msg("mark suppressed")
		}
		s.metrics.ReminderOutcomes.WithLabelValues(string(e.Type), string(outcomeSuppressed)).Inc()
		return outcomeSuppressed, nil
	}

	if err := s.dispatch(ctx, e); err != nil {
		s.fail(ctx, log, e, err)
		return outcomeFailed, err
	}
	if err := s.ledger.MarkSent(ctx, e.ID); err != nil {
		log.Warn().Err(err).Msg("mark sent")
	}
	s.metrics.ReminderOutcomes.WithLabelValues(string(e.Type), string(outcomeSent)).Inc()
	return outcomeSent, nil
}

// dispatch sends under the per-message timeout. A panicking transport is
// reported as a dispatch error.
func (s *Scheduler) dispatch(ctx context.Context, e Entry) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", notification.ErrDispatch, r)
		}
	}()

	appointmentID := e.AppointmentID
	return s.dispatcher.Send(ctx, notification.Message{
		ID:            e.ID,
		PatientID:     e.PatientID,
		AppointmentID: &appointmentID,
		Category:      string(e.Type),
		Title:         e.Title,
		Body:          e.Body,
		Metadata: map[string]string{
			"type":           string(e.Type),
			"appointment_id": appointmentID.String(),
			"patient_id":     e.PatientID.String(),
			"click_action":   "/appointments",
		},
	})
}

func (s *Scheduler) fail(ctx context.Context, log zerolog.Logger, e Entry, cause error) {
	log.Warn().Err(cause).Msg("notification delivery failed")
	if err := s.ledger.MarkFailed(context.WithoutCancel(ctx), e.ID, cause.Error()); err != nil {
		log.Warn().Err(err).Msg("mark failed")
	}
	s.metrics.ReminderOutcomes.WithLabelValues(string(e.Type), string(outcomeFailed)).Inc()
}

// Start ticks immediately and then every Interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Dur("interval", s.cfg.Interval).Int("batch_size", s.cfg.BatchSize).Msg("reminder scheduler started")
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("reminder tick failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("reminder scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Stats returns ledger counts.
func (s *Scheduler) Stats(ctx context.Context) (*LedgerStats, error) {
	return s.ledger.Stats(ctx)
}
