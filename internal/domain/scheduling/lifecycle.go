package scheduling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/careline/careline/internal/domain/directory"
	"github.com/careline/careline/internal/domain/reminder"
	"github.com/careline/careline/internal/platform/auth"
	"github.com/careline/careline/internal/platform/telemetry"
)

// Side-effect action names recorded on an Outcome.
const (
	ActionScheduleReminders = "schedule_reminders"
	ActionCancelReminders   = "cancel_reminders"
	ActionNotifyConfirmed   = "notify_confirmed"
	ActionNotifyCancelled   = "notify_cancelled"
	ActionNotifyRescheduled = "notify_rescheduled"
)

// Reminders is the part of the reminder scheduler the lifecycle drives.
type Reminders interface {
	ScheduleForAppointment(ctx context.Context, ref reminder.AppointmentRef) ([]reminder.Entry, error)
	CancelForAppointment(ctx context.Context, appointmentID uuid.UUID) (int64, error)
	Notify(ctx context.Context, ref reminder.AppointmentRef, t reminder.Type) (*reminder.Entry, error)
}

// SideEffect is a best-effort follow-up of a committed change.
type SideEffect struct {
	Action string `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Err    error  `json:"-"`
}

// Outcome is the result of a mutating lifecycle operation. The appointment
// change is committed even when side effects failed.
type Outcome struct {
	Appointment *Appointment `json:"appointment"`
	SideEffects []SideEffect `json:"side_effects,omitempty"`
}

// Failed returns the side effects that did not succeed.
func (o *Outcome) Failed() []SideEffect {
	var out []SideEffect
	for _, se := range o.SideEffects {
		if !se.OK {
			out = append(out, se)
		}
	}
	return out
}

type CreateInput struct {
	DoctorID        uuid.UUID       `json:"doctor_id"`
	PatientID       uuid.UUID       `json:"patient_id"`
	AppointmentDate time.Time       `json:"appointment_date"`
	Reason          string          `json:"reason" validate:"required,max=1000"`
	Type            AppointmentType `json:"type" validate:"omitempty,oneof=consultation follow_up emergency routine_checkup"`
	DurationMinutes int             `json:"duration_minutes" validate:"omitempty,min=5,max=240"`
	SlotID          *uuid.UUID      `json:"slot_id"`
	Notes           *string         `json:"notes" validate:"omitempty,max=2000"`
}

type BookSlotInput struct {
	PatientID uuid.UUID       `json:"patient_id"`
	SlotID    uuid.UUID       `json:"slot_id"`
	Reason    string          `json:"reason" validate:"required,max=1000"`
	Type      AppointmentType `json:"type" validate:"omitempty,oneof=consultation follow_up emergency routine_checkup"`
	Notes     *string         `json:"notes" validate:"omitempty,max=2000"`
}

// UpdateInput patches non-scheduling fields. Nil fields are left unchanged.
type UpdateInput struct {
	Reason          *string          `json:"reason" validate:"omitempty,min=1,max=1000"`
	Type            *AppointmentType `json:"type" validate:"omitempty,oneof=consultation follow_up emergency routine_checkup"`
	DurationMinutes *int             `json:"duration_minutes" validate:"omitempty,min=5,max=240"`
	Notes           *string          `json:"notes" validate:"omitempty,max=2000"`
}

type CompleteInput struct {
	Diagnosis *string `json:"diagnosis" validate:"omitempty,max=4000"`
	Notes     *string `json:"notes" validate:"omitempty,max=2000"`
	Treatment *string `json:"treatment" validate:"omitempty,max=4000"`
}

// Lifecycle owns appointment state transitions and keeps slot occupancy and
// reminders consistent with them.
type Lifecycle struct {
	appts     AppointmentRepository
	slots     *SlotStore
	tx        Transactor
	doctors   directory.DoctorDirectory
	patients  directory.PatientDirectory
	reminders Reminders
	now       func() time.Time
	logger    zerolog.Logger
	metrics   *telemetry.Metrics

	// SideEffectTimeout bounds post-commit reminder work.
	SideEffectTimeout time.Duration
}

func NewLifecycle(
	appts AppointmentRepository,
	slots *SlotStore,
	tx Transactor,
	doctors directory.DoctorDirectory,
	patients directory.PatientDirectory,
	reminders Reminders,
	logger zerolog.Logger,
	m *telemetry.Metrics,
) *Lifecycle {
	return &Lifecycle{
		appts:             appts,
		slots:             slots,
		tx:                tx,
		doctors:           doctors,
		patients:          patients,
		reminders:         reminders,
		now:               time.Now,
		logger:            logger.With().Str("component", "appointment-lifecycle").Logger(),
		metrics:           m,
		SideEffectTimeout: 15 * time.Second,
	}
}

// SetClock pins the time source of the lifecycle and its slot store.
func (l *Lifecycle) SetClock(now func() time.Time) {
	l.now = now
	l.slots.SetClock(now)
}

func (l *Lifecycle) span(ctx context.Context, name string, id uuid.UUID) (context.Context, trace.Span) {
	ctx, span := telemetry.Tracer().Start(ctx, "appointment."+name)
	if id != uuid.Nil {
		span.SetAttributes(attribute.String("appointment.id", id.String()))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Create books an appointment, optionally against a slot. Slot booking and
// the insert commit together; reminders follow after commit.
func (l *Lifecycle) Create(ctx context.Context, id auth.Identity, in CreateInput) (out *Outcome, err error) {
	ctx, span := l.span(ctx, "Create", uuid.Nil)
	defer func() { endSpan(span, err) }()

	patientID, err := AuthorizeCreate(id, in.DoctorID, in.PatientID)
	if err != nil {
		return nil, err
	}
	if in.DoctorID == uuid.Nil {
		return nil, invalidInput("doctor_id is required")
	}
	if strings.TrimSpace(in.Reason) == "" {
		return nil, invalidInput("reason is required")
	}
	if in.Type == "" {
		in.Type = TypeConsultation
	}
	if !in.Type.Valid() {
		return nil, invalidInput("unknown appointment type %q", in.Type)
	}
	if in.DurationMinutes == 0 {
		in.DurationMinutes = DefaultDurationMinutes
	}
	if in.DurationMinutes < 0 {
		return nil, invalidInput("duration_minutes must be positive")
	}

	doctor, err := l.doctors.GetDoctor(ctx, in.DoctorID)
	if err != nil {
		return nil, err
	}
	if _, err := l.patients.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}

	if in.SlotID != nil {
		slot, err := l.slots.Get(ctx, *in.SlotID)
		if err != nil {
			return nil, err
		}
		if slot.DoctorID != in.DoctorID {
			return nil, ErrSlotWrongDoctor
		}
		if in.AppointmentDate.IsZero() {
			in.AppointmentDate = slot.StartTime
		} else if !in.AppointmentDate.Equal(slot.StartTime) {
			return nil, ErrSlotDateMismatch
		}
		in.DurationMinutes = int(slot.Duration() / time.Minute)
	}
	if in.AppointmentDate.IsZero() {
		return nil, invalidInput("appointment_date or slot_id is required")
	}
	if !in.AppointmentDate.After(l.now()) {
		return nil, ErrPastAppointment
	}

	appt := &Appointment{
		ID:              uuid.New(),
		PatientID:       patientID,
		DoctorID:        in.DoctorID,
		SlotID:          in.SlotID,
		AppointmentDate: in.AppointmentDate,
		DurationMinutes: in.DurationMinutes,
		Status:          StatusScheduled,
		Type:            in.Type,
		Reason:          strings.TrimSpace(in.Reason),
		Notes:           in.Notes,
		DoctorName:      doctor.DisplayName(),
	}

	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		if appt.SlotID != nil {
			if _, err := l.slots.Book(ctx, *appt.SlotID); err != nil {
				return err
			}
		}
		return l.appts.Create(ctx, appt)
	})
	if err != nil {
		return nil, err
	}

	out = &Outcome{Appointment: appt}
	l.afterCommit(ctx, out, "create", func(ctx context.Context) {
		out.record(ActionScheduleReminders, l.schedule(ctx, appt))
		out.record(ActionNotifyConfirmed, l.notify(ctx, appt, reminder.TypeConfirmed))
	})
	return out, nil
}

// BookBySlot creates an appointment from a slot alone; the doctor and time
// come from the slot.
func (l *Lifecycle) BookBySlot(ctx context.Context, id auth.Identity, in BookSlotInput) (*Outcome, error) {
	if in.SlotID == uuid.Nil {
		return nil, invalidInput("slot_id is required")
	}
	slot, err := l.slots.Get(ctx, in.SlotID)
	if err != nil {
		return nil, err
	}
	return l.Create(ctx, id, CreateInput{
		DoctorID:        slot.DoctorID,
		PatientID:       in.PatientID,
		AppointmentDate: slot.StartTime,
		Reason:          in.Reason,
		Type:            in.Type,
		SlotID:          &slot.ID,
		Notes:           in.Notes,
	})
}

func (l *Lifecycle) Get(ctx context.Context, id auth.Identity, apptID uuid.UUID) (*Appointment, error) {
	a, err := l.appts.GetByID(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(id, CapRead, a); err != nil {
		return nil, err
	}
	return a, nil
}

// load fetches an appointment and checks the caller's capability.
func (l *Lifecycle) load(ctx context.Context, id auth.Identity, apptID uuid.UUID, want Capability) (*Appointment, error) {
	a, err := l.appts.GetByID(ctx, apptID)
	if err != nil {
		return nil, err
	}
	if err := Authorize(id, want, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Update patches descriptive fields of an active appointment. Moving the
// appointment goes through Reschedule.
func (l *Lifecycle) Update(ctx context.Context, id auth.Identity, apptID uuid.UUID, in UpdateInput) (out *Outcome, err error) {
	ctx, span := l.span(ctx, "Update", apptID)
	defer func() { endSpan(span, err) }()

	a, err := l.load(ctx, id, apptID, CapModify)
	if err != nil {
		return nil, err
	}
	if !a.Status.Active() {
		return nil, ErrInvalidTransition
	}

	if in.Reason != nil {
		if strings.TrimSpace(*in.Reason) == "" {
			return nil, invalidInput("reason must not be empty")
		}
		a.Reason = strings.TrimSpace(*in.Reason)
	}
	if in.Type != nil {
		if !in.Type.Valid() {
			return nil, invalidInput("unknown appointment type %q", *in.Type)
		}
		a.Type = *in.Type
	}
	if in.DurationMinutes != nil {
		if *in.DurationMinutes <= 0 {
			return nil, invalidInput("duration_minutes must be positive")
		}
		a.DurationMinutes = *in.DurationMinutes
	}
	if in.Notes != nil {
		a.Notes = in.Notes
	}

	if err := l.appts.Update(ctx, a, a.Status); err != nil {
		return nil, err
	}
	l.metrics.AppointmentChanges.WithLabelValues("update").Inc()
	return &Outcome{Appointment: a}, nil
}

// Confirm moves a scheduled appointment to confirmed.
func (l *Lifecycle) Confirm(ctx context.Context, id auth.Identity, apptID uuid.UUID) (out *Outcome, err error) {
	ctx, span := l.span(ctx, "Confirm", apptID)
	defer func() { endSpan(span, err) }()

	a, err := l.load(ctx, id, apptID, CapClinical)
	if err != nil {
		return nil, err
	}
	from := a.Status
	if err := CheckTransition(from, StatusConfirmed); err != nil {
		return nil, err
	}
	a.Status = StatusConfirmed
	if err := l.appts.Update(ctx, a, from); err != nil {
		return nil, err
	}
	l.metrics.AppointmentChanges.WithLabelValues("confirm").Inc()
	return &Outcome{Appointment: a}, nil
}

// Cancel frees the appointment's slot, marks it cancelled and withdraws its
// pending reminders.
func (l *Lifecycle) Cancel(ctx context.Context, id auth.Identity, apptID uuid.UUID, reason string) (out *Outcome, err error) {
	ctx, span := l.span(ctx, "Cancel", apptID)
	defer func() { endSpan(span, err) }()

	a, err := l.load(ctx, id, apptID, CapModify)
	if err != nil {
		return nil, err
	}
	from := a.Status
	if from == StatusCompleted {
		return nil, ErrAlreadyCompleted
	}
	if err := CheckTransition(from, StatusCancelled); err != nil {
		return nil, err
	}

	now := l.now()
	a.Status = StatusCancelled
	a.CancelledAt = &now
	by := id.UserID
	a.CancelledBy = &by
	if reason = strings.TrimSpace(reason); reason != "" {
		a.appendNote("Cancelled: " + reason)
	} else {
		a.appendNote("Appointment cancelled")
	}

	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		if err := l.releaseSlot(ctx, a); err != nil {
			return err
		}
		return l.appts.Update(ctx, a, from)
	})
	if err != nil {
		return nil, err
	}

	out = &Outcome{Appointment: a}
	l.afterCommit(ctx, out, "cancel", func(ctx context.Context) {
		out.record(ActionCancelReminders, l.cancelReminders(ctx, a))
		out.record(ActionNotifyCancelled, l.notify(ctx, a, reminder.TypeCancelled))
	})
	return out, nil
}

// releaseSlot frees the slot held by a. A missing or already free slot is
// not an error: the appointment may predate slot tracking. A slot another
// active appointment holds is left booked.
func (l *Lifecycle) releaseSlot(ctx context.Context, a *Appointment) error {
	slot, err := l.slots.slotForAppointment(ctx, a)
	if errors.Is(err, ErrSlotNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = l.releaseUnheld(ctx, slot.ID, a.ID)
	switch {
	case err == nil, errors.Is(err, ErrSlotNotBooked):
		return nil
	case errors.Is(err, ErrSlotHeld):
		l.logger.Warn().
			Str("appointment_id", a.ID.String()).
			Str("slot_id", slot.ID.String()).
			Msg("slot held by another appointment, not released")
		return nil
	}
	return err
}

// ReleaseSlot frees a booked slot directly. It refuses with ErrSlotHeld
// while a scheduled or confirmed appointment holds the slot.
func (l *Lifecycle) ReleaseSlot(ctx context.Context, slotID uuid.UUID) (slot *Slot, err error) {
	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		slot, err = l.releaseUnheld(ctx, slotID, uuid.Nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

// releaseUnheld locks the slot row so a concurrent booking commits first,
// then releases it unless an active appointment other than owner holds it.
func (l *Lifecycle) releaseUnheld(ctx context.Context, slotID, owner uuid.UUID) (*Slot, error) {
	slot, err := l.slots.lock(ctx, slotID)
	if err != nil {
		return nil, err
	}
	holders, err := l.appts.ActiveForSlot(ctx, slot)
	if err != nil {
		return nil, err
	}
	for _, id := range holders {
		if id != owner {
			l.slots.record("release", ErrSlotHeld)
			return nil, ErrSlotHeld
		}
	}
	return l.slots.Release(ctx, slotID)
}

// Reschedule moves a scheduled appointment to another free slot of the same
// doctor. The new slot is booked, the old one released and the appointment
// moved in one transaction.
func (l *Lifecycle) Reschedule(ctx context.Context, id auth.Identity, apptID, newSlotID uuid.UUID) (out *Outcome, err error) {
	ctx, span := l.span(ctx, "Reschedule", apptID)
	defer func() { endSpan(span, err) }()

	if newSlotID == uuid.Nil {
		return nil, invalidInput("new_slot_id is required")
	}
	a, err := l.load(ctx, id, apptID, CapModify)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusScheduled {
		return nil, ErrInvalidTransition
	}

	slot, err := l.slots.Get(ctx, newSlotID)
	if err != nil {
		return nil, err
	}
	if slot.DoctorID != a.DoctorID {
		return nil, ErrSlotWrongDoctor
	}
	if slot.IsBooked {
		return nil, ErrSlotAlreadyBooked
	}
	if !slot.StartTime.After(l.now()) {
		return nil, ErrSlotInPast
	}

	err = l.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := l.slots.Book(ctx, slot.ID); err != nil {
			return err
		}
		if err := l.releaseSlot(ctx, a); err != nil {
			return err
		}
		a.SlotID = &slot.ID
		a.AppointmentDate = slot.StartTime
		a.DurationMinutes = int(slot.Duration() / time.Minute)
		return l.appts.Update(ctx, a, StatusScheduled)
	})
	if err != nil {
		return nil, err
	}

	out = &Outcome{Appointment: a}
	l.afterCommit(ctx, out, "reschedule", func(ctx context.Context) {
		out.record(ActionCancelReminders, l.cancelReminders(ctx, a))
		out.record(ActionScheduleReminders, l.schedule(ctx, a))
		out.record(ActionNotifyRescheduled, l.notify(ctx, a, reminder.TypeRescheduled))
	})
	return out, nil
}

// Complete records the visit outcome. Only the attending doctor or an admin
// may complete.
func (l *Lifecycle) Complete(ctx context.Context, id auth.Identity, apptID uuid.UUID, in CompleteInput) (out *Outcome, err error) {
	ctx, span := l.span(ctx, "Complete", apptID)
	defer func() { endSpan(span, err) }()

	a, err := l.load(ctx, id, apptID, CapClinical)
	if err != nil {
		return nil, err
	}
	from := a.Status
	if err := CheckTransition(from, StatusCompleted); err != nil {
		return nil, err
	}

	now := l.now()
	a.Status = StatusCompleted
	a.CompletedAt = &now
	if in.Diagnosis != nil {
		a.Diagnosis = in.Diagnosis
	}
	if in.Treatment != nil {
		a.Treatment = in.Treatment
	}
	if in.Notes != nil {
		a.Notes = in.Notes
	}
	if err := l.appts.Update(ctx, a, from); err != nil {
		return nil, err
	}

	out = &Outcome{Appointment: a}
	l.afterCommit(ctx, out, "complete", func(ctx context.Context) {
		out.record(ActionCancelReminders, l.cancelReminders(ctx, a))
	})
	return out, nil
}

// MarkNoShow closes an appointment the patient did not attend. The start
// time must have passed.
func (l *Lifecycle) MarkNoShow(ctx context.Context, id auth.Identity, apptID uuid.UUID) (out *Outcome, err error) {
	ctx, span := l.span(ctx, "MarkNoShow", apptID)
	defer func() { endSpan(span, err) }()

	a, err := l.load(ctx, id, apptID, CapClinical)
	if err != nil {
		return nil, err
	}
	from := a.Status
	if err := CheckTransition(from, StatusNoShow); err != nil {
		return nil, err
	}
	if a.AppointmentDate.After(l.now()) {
		return nil, ErrNotStarted
	}
	a.Status = StatusNoShow
	if err := l.appts.Update(ctx, a, from); err != nil {
		return nil, err
	}

	out = &Outcome{Appointment: a}
	l.afterCommit(ctx, out, "no_show", func(ctx context.Context) {
		out.record(ActionCancelReminders, l.cancelReminders(ctx, a))
	})
	return out, nil
}

// List returns the caller's appointments matching f.
func (l *Lifecycle) List(ctx context.Context, id auth.Identity, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	f, err := Scope(id, f)
	if err != nil {
		return nil, 0, err
	}
	return l.appts.List(ctx, f, limit, offset)
}

// Upcoming lists active appointments after now, soonest first.
func (l *Lifecycle) Upcoming(ctx context.Context, id auth.Identity, limit int) ([]*Appointment, error) {
	now := l.now()
	items, _, err := l.List(ctx, id, ListFilter{
		After:    &now,
		Statuses: []AppointmentStatus{StatusScheduled, StatusConfirmed},
	}, limit, 0)
	return items, err
}

// Past lists appointments before now, most recent first.
func (l *Lifecycle) Past(ctx context.Context, id auth.Identity, limit int) ([]*Appointment, error) {
	now := l.now()
	items, _, err := l.List(ctx, id, ListFilter{Before: &now, Descending: true}, limit, 0)
	return items, err
}

// Search matches patient names, doctor names and the visit reason.
func (l *Lifecycle) Search(ctx context.Context, id auth.Identity, term string, limit int) ([]*Appointment, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, invalidInput("search term is required")
	}
	items, _, err := l.List(ctx, id, ListFilter{Search: term, Descending: true}, limit, 0)
	return items, err
}

func (l *Lifecycle) Stats(ctx context.Context, id auth.Identity) (*Stats, error) {
	f, err := Scope(id, ListFilter{})
	if err != nil {
		return nil, err
	}
	byStatus, err := l.appts.CountByStatus(ctx, f)
	if err != nil {
		return nil, err
	}

	now := l.now()
	upcomingFilter := f
	upcomingFilter.After = &now
	upcomingFilter.Statuses = []AppointmentStatus{StatusScheduled, StatusConfirmed}
	upcoming, err := l.appts.CountByStatus(ctx, upcomingFilter)
	if err != nil {
		return nil, err
	}
	n := 0
	for _, c := range upcoming {
		n += c
	}
	return NewStats(byStatus, n), nil
}

// -- side effects --

func (o *Outcome) record(action string, err error) {
	se := SideEffect{Action: action, OK: err == nil, Err: err}
	if err != nil {
		se.Error = err.Error()
	}
	o.SideEffects = append(o.SideEffects, se)
}

// afterCommit runs best-effort follow-ups detached from the caller's
// cancellation, then logs and counts the failures.
func (l *Lifecycle) afterCommit(ctx context.Context, out *Outcome, op string, fn func(ctx context.Context)) {
	l.metrics.AppointmentChanges.WithLabelValues(op).Inc()
	if l.reminders == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.SideEffectTimeout)
	defer cancel()
	fn(ctx)

	for _, se := range out.Failed() {
		l.metrics.SideEffectFailures.WithLabelValues(se.Action).Inc()
		l.logger.Warn().Err(se.Err).
			Str("appointment_id", out.Appointment.ID.String()).
			Str("action", se.Action).
			Msg("appointment side effect failed")
	}
}

func (l *Lifecycle) ref(ctx context.Context, a *Appointment) reminder.AppointmentRef {
	name := a.DoctorName
	if name == "" {
		if d, err := l.doctors.GetDoctor(ctx, a.DoctorID); err == nil {
			name = d.DisplayName()
			a.DoctorName = name
		}
	}
	return reminder.AppointmentRef{
		ID:         a.ID,
		PatientID:  a.PatientID,
		DoctorID:   a.DoctorID,
		DoctorName: name,
		At:         a.AppointmentDate,
	}
}

func (l *Lifecycle) schedule(ctx context.Context, a *Appointment) error {
	_, err := l.reminders.ScheduleForAppointment(ctx, l.ref(ctx, a))
	return err
}

func (l *Lifecycle) cancelReminders(ctx context.Context, a *Appointment) error {
	_, err := l.reminders.CancelForAppointment(ctx, a.ID)
	return err
}

func (l *Lifecycle) notify(ctx context.Context, a *Appointment, t reminder.Type) error {
	_, err := l.reminders.Notify(ctx, l.ref(ctx, a), t)
	return err
}
