package scheduling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/careline/careline/internal/domain/directory"
	"github.com/careline/careline/internal/domain/reminder"
	"github.com/careline/careline/internal/platform/apperr"
	"github.com/careline/careline/internal/platform/auth"
	"github.com/careline/careline/internal/platform/lease"
	"github.com/careline/careline/internal/platform/notification"
	"github.com/careline/careline/internal/platform/notification/notificationtest"
	"github.com/careline/careline/internal/platform/telemetry"
)

// fakeReminders records the side effects requested by the lifecycle.
type fakeReminders struct {
	mu        sync.Mutex
	scheduled []uuid.UUID
	cancelled []uuid.UUID
	notices   []reminder.Type
	err       error
}

func (f *fakeReminders) ScheduleForAppointment(_ context.Context, ref reminder.AppointmentRef) ([]reminder.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, ref.ID)
	return nil, f.err
}

func (f *fakeReminders) CancelForAppointment(_ context.Context, id uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return 0, f.err
}

func (f *fakeReminders) Notify(_ context.Context, _ reminder.AppointmentRef, t reminder.Type) (*reminder.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, t)
	return nil, f.err
}

type lcFixture struct {
	slots     *memSlots
	appts     *memAppointments
	dir       *directory.Memory
	store     *SlotStore
	lc        *Lifecycle
	reminders *fakeReminders

	now               time.Time
	doctor, doctor2   uuid.UUID
	patient, patient2 uuid.UUID
}

func newLCFixture(t *testing.T) *lcFixture {
	t.Helper()
	f := &lcFixture{
		slots:     newMemSlots(),
		appts:     newMemAppointments(),
		dir:       directory.NewMemory(),
		reminders: &fakeReminders{},
		now:       time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC),
		doctor:    uuid.New(),
		doctor2:   uuid.New(),
		patient:   uuid.New(),
		patient2:  uuid.New(),
	}
	f.dir.AddDoctor(directory.Doctor{ID: f.doctor, FirstName: "Ada", LastName: "Lovelace", IsActive: true})
	f.dir.AddDoctor(directory.Doctor{ID: f.doctor2, FirstName: "Alan", LastName: "Turing", IsActive: true})
	f.dir.AddPatient(directory.Patient{ID: f.patient, FirstName: "Pat", LastName: "One"})
	f.dir.AddPatient(directory.Patient{ID: f.patient2, FirstName: "Pat", LastName: "Two"})

	m := telemetry.NewMetrics()
	f.store = NewSlotStore(f.slots, f.dir, directTx{}, DefaultSlotPolicy(time.UTC), zerolog.Nop(), m)
	f.lc = NewLifecycle(f.appts, f.store, directTx{}, f.dir, f.dir, f.reminders, zerolog.Nop(), m)
	f.lc.SetClock(func() time.Time { return f.now })
	return f
}

func (f *lcFixture) slot(doctor uuid.UUID, start time.Time) *Slot {
	return f.slots.add(Slot{DoctorID: doctor, StartTime: start, EndTime: start.Add(30 * time.Minute)})
}

func (f *lcFixture) asPatient(id uuid.UUID) auth.Identity {
	return auth.Identity{UserID: "user-" + id.String()[:8], Role: auth.RolePatient, PatientID: &id}
}

func (f *lcFixture) asDoctor(id uuid.UUID) auth.Identity {
	return auth.Identity{UserID: "doc-" + id.String()[:8], Role: auth.RoleDoctor, DoctorID: &id}
}

var admin = auth.Identity{UserID: "admin", Role: auth.RoleAdmin}

// book creates a slot-backed appointment for patient with doctor.
func (f *lcFixture) book(t *testing.T, start time.Time) (*Appointment, *Slot) {
	t.Helper()
	s := f.slot(f.doctor, start)
	out, err := f.lc.BookBySlot(context.Background(), f.asPatient(f.patient), BookSlotInput{SlotID: s.ID, Reason: "checkup"})
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	return out.Appointment, s
}

func TestBookBySlot_SecondPatientConflicts(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	s := f.slot(f.doctor, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))

	out, err := f.lc.BookBySlot(ctx, f.asPatient(f.patient), BookSlotInput{SlotID: s.ID, Reason: "checkup"})
	if err != nil {
		t.Fatalf("P1 booking failed: %v", err)
	}
	a := out.Appointment
	if a.Status != StatusScheduled || a.DoctorID != f.doctor || !a.AppointmentDate.Equal(s.StartTime) {
		t.Errorf("unexpected appointment %+v", a)
	}
	if a.DurationMinutes != 30 || a.Type != TypeConsultation || a.SlotID == nil || *a.SlotID != s.ID {
		t.Errorf("unexpected defaults %+v", a)
	}
	got, _ := f.slots.GetByID(ctx, s.ID)
	if !got.IsBooked {
		t.Error("slot should be booked")
	}

	_, err = f.lc.BookBySlot(ctx, f.asPatient(f.patient2), BookSlotInput{SlotID: s.ID, Reason: "checkup"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("P2 expected conflict, got %v", err)
	}
}

func TestCreate_ConcurrentBookingsOnOneSlot(t *testing.T) {
	f := newLCFixture(t)
	s := f.slot(f.doctor, f.now.Add(24*time.Hour))

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.lc.Create(context.Background(), admin, CreateInput{
				DoctorID:  f.doctor,
				PatientID: f.patient,
				SlotID:    &s.ID,
				Reason:    "race",
			})
		}(i)
	}
	close(start)
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrSlotAlreadyBooked) {
			t.Errorf("unexpected error %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
	if len(f.appts.items) != 1 {
		t.Errorf("expected one appointment, got %d", len(f.appts.items))
	}
}

func TestCreate_PastDateIsInvalidState(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	past := f.slot(f.doctor, f.now.Add(-time.Hour))

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"without slot", CreateInput{DoctorID: f.doctor, PatientID: f.patient, AppointmentDate: f.now.Add(-time.Minute), Reason: "x"}},
		{"at now", CreateInput{DoctorID: f.doctor, PatientID: f.patient, AppointmentDate: f.now, Reason: "x"}},
		{"with past slot", CreateInput{DoctorID: f.doctor, PatientID: f.patient, SlotID: &past.ID, Reason: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.lc.Create(ctx, admin, tt.in)
			if !errors.Is(err, apperr.ErrInvalidState) {
				t.Errorf("expected InvalidState, got %v", err)
			}
		})
	}
	got, _ := f.slots.GetByID(ctx, past.ID)
	if got.IsBooked {
		t.Error("past slot must not be booked")
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	future := f.now.Add(48 * time.Hour)
	otherSlot := f.slot(f.doctor2, future)
	mine := f.slot(f.doctor, future)

	tests := []struct {
		name string
		id   auth.Identity
		in   CreateInput
		want error
	}{
		{"unknown doctor", admin, CreateInput{DoctorID: uuid.New(), PatientID: f.patient, AppointmentDate: future, Reason: "x"}, directory.ErrDoctorNotFound},
		{"unknown patient", admin, CreateInput{DoctorID: f.doctor, PatientID: uuid.New(), AppointmentDate: future, Reason: "x"}, directory.ErrPatientNotFound},
		{"admin without patient", admin, CreateInput{DoctorID: f.doctor, AppointmentDate: future, Reason: "x"}, apperr.ErrValidation},
		{"missing reason", admin, CreateInput{DoctorID: f.doctor, PatientID: f.patient, AppointmentDate: future}, apperr.ErrValidation},
		{"bad type", admin, CreateInput{DoctorID: f.doctor, PatientID: f.patient, AppointmentDate: future, Reason: "x", Type: "surgery"}, apperr.ErrValidation},
		{"no date or slot", admin, CreateInput{DoctorID: f.doctor, PatientID: f.patient, Reason: "x"}, apperr.ErrValidation},
		{"slot of other doctor", admin, CreateInput{DoctorID: f.doctor, PatientID: f.patient, SlotID: &otherSlot.ID, Reason: "x"}, ErrSlotWrongDoctor},
		{"date differs from slot", admin, CreateInput{DoctorID: f.doctor, PatientID: f.patient, SlotID: &mine.ID, AppointmentDate: future.Add(time.Hour), Reason: "x"}, ErrSlotDateMismatch},
		{"doctor booking for colleague", f.asDoctor(f.doctor2), CreateInput{DoctorID: f.doctor, PatientID: f.patient, AppointmentDate: future, Reason: "x"}, apperr.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.lc.Create(ctx, tt.id, tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCreate_PatientBooksForThemselves(t *testing.T) {
	f := newLCFixture(t)
	out, err := f.lc.Create(context.Background(), f.asPatient(f.patient), CreateInput{
		DoctorID:        f.doctor,
		PatientID:       f.patient2,
		AppointmentDate: f.now.Add(72 * time.Hour),
		Reason:          "rash",
		Type:            TypeFollowUp,
		DurationMinutes: 45,
	})
	if err != nil {
		t.Fatal(err)
	}
	a := out.Appointment
	if a.PatientID != f.patient {
		t.Errorf("patient id must come from the caller, got %s", a.PatientID)
	}
	if a.DurationMinutes != 45 || a.Type != TypeFollowUp || a.SlotID != nil {
		t.Errorf("unexpected appointment %+v", a)
	}
	if a.DoctorName != "Ada Lovelace" {
		t.Errorf("expected doctor name, got %q", a.DoctorName)
	}
}

func TestCreate_SideEffects(t *testing.T) {
	f := newLCFixture(t)
	a, _ := f.book(t, f.now.Add(30*time.Hour))

	if len(f.reminders.scheduled) != 1 || f.reminders.scheduled[0] != a.ID {
		t.Errorf("expected reminders scheduled for %s, got %v", a.ID, f.reminders.scheduled)
	}
	if len(f.reminders.notices) != 1 || f.reminders.notices[0] != reminder.TypeConfirmed {
		t.Errorf("expected confirmation notice, got %v", f.reminders.notices)
	}
}

func TestCreate_SideEffectFailureDoesNotRollBack(t *testing.T) {
	f := newLCFixture(t)
	f.reminders.err = errors.New("ledger unavailable")
	s := f.slot(f.doctor, f.now.Add(30*time.Hour))

	out, err := f.lc.BookBySlot(context.Background(), f.asPatient(f.patient), BookSlotInput{SlotID: s.ID, Reason: "checkup"})
	if err != nil {
		t.Fatalf("side-effect failure must not fail the operation: %v", err)
	}
	failed := out.Failed()
	if len(failed) != 2 || failed[0].Action != ActionScheduleReminders || failed[1].Action != ActionNotifyConfirmed {
		t.Errorf("unexpected failed side effects %+v", failed)
	}
	if failed[0].Error == "" {
		t.Error("failed side effect should carry its error text")
	}
	if _, err := f.appts.GetByID(context.Background(), out.Appointment.ID); err != nil {
		t.Errorf("appointment should be persisted: %v", err)
	}
}

func TestCancel(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	a, s := f.book(t, f.now.Add(30*time.Hour))

	out, err := f.lc.Cancel(ctx, f.asPatient(f.patient), a.ID, "feeling better")
	if err != nil {
		t.Fatal(err)
	}
	got := out.Appointment
	if got.Status != StatusCancelled || got.CancelledAt == nil || got.CancelledBy == nil {
		t.Errorf("unexpected cancelled appointment %+v", got)
	}
	if got.Notes == nil || *got.Notes != "Cancelled: feeling better" {
		t.Errorf("unexpected notes %v", got.Notes)
	}
	slot, _ := f.slots.GetByID(ctx, s.ID)
	if slot.IsBooked {
		t.Error("slot should be released")
	}
	if len(f.reminders.cancelled) != 1 || f.reminders.notices[len(f.reminders.notices)-1] != reminder.TypeCancelled {
		t.Errorf("expected reminders cancelled and a cancel notice, got %v / %v", f.reminders.cancelled, f.reminders.notices)
	}

	_, err = f.lc.Cancel(ctx, f.asPatient(f.patient), a.ID, "")
	if !errors.Is(err, ErrAlreadyCancelled) || !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("cancel after cancel: expected conflict, got %v", err)
	}
}

func TestCancel_ResolvesSlotByDoctorAndTime(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	start := f.now.Add(26 * time.Hour)
	s := f.slots.add(Slot{DoctorID: f.doctor, StartTime: start, EndTime: start.Add(30 * time.Minute), IsBooked: true})
	a := &Appointment{PatientID: f.patient, DoctorID: f.doctor, AppointmentDate: start, DurationMinutes: 30, Status: StatusScheduled, Type: TypeConsultation, Reason: "legacy"}
	if err := f.appts.Create(ctx, a); err != nil {
		t.Fatal(err)
	}

	if _, err := f.lc.Cancel(ctx, admin, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	slot, _ := f.slots.GetByID(ctx, s.ID)
	if slot.IsBooked {
		t.Error("slot matched by doctor and start time should be released")
	}
}

func TestCancel_LeavesSlotHeldByAnotherAppointment(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	held, s := f.book(t, f.now.Add(26*time.Hour))
	legacy := &Appointment{PatientID: f.patient2, DoctorID: f.doctor, AppointmentDate: s.StartTime, DurationMinutes: 30, Status: StatusScheduled, Type: TypeConsultation, Reason: "legacy"}
	if err := f.appts.Create(ctx, legacy); err != nil {
		t.Fatal(err)
	}

	if _, err := f.lc.Cancel(ctx, admin, legacy.ID, ""); err != nil {
		t.Fatal(err)
	}
	slot, _ := f.slots.GetByID(ctx, s.ID)
	if !slot.IsBooked {
		t.Fatalf("slot of appointment %s was released by cancelling another", held.ID)
	}

	if _, err := f.lc.Cancel(ctx, admin, held.ID, ""); err != nil {
		t.Fatal(err)
	}
	slot, _ = f.slots.GetByID(ctx, s.ID)
	if slot.IsBooked {
		t.Error("slot should be released once its holder is cancelled")
	}
}

func TestReleaseSlot_RefusesWhileHeld(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	a, s := f.book(t, f.now.Add(30*time.Hour))

	_, err := f.lc.ReleaseSlot(ctx, s.ID)
	if !errors.Is(err, ErrSlotHeld) || !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected held conflict, got %v", err)
	}
	slot, _ := f.slots.GetByID(ctx, s.ID)
	if !slot.IsBooked {
		t.Fatal("refused release must leave the slot booked")
	}

	if _, err := f.lc.Confirm(ctx, f.asDoctor(f.doctor), a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.lc.ReleaseSlot(ctx, s.ID); !errors.Is(err, ErrSlotHeld) {
		t.Errorf("confirmed appointment should still hold the slot, got %v", err)
	}

	if _, err := f.lc.Cancel(ctx, admin, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.lc.ReleaseSlot(ctx, s.ID); !errors.Is(err, ErrSlotNotBooked) {
		t.Errorf("expected not booked after cancel, got %v", err)
	}

	free := f.slot(f.doctor, f.now.Add(50*time.Hour))
	if _, err := f.store.Book(ctx, free.ID); err != nil {
		t.Fatal(err)
	}
	released, err := f.lc.ReleaseSlot(ctx, free.ID)
	if err != nil {
		t.Fatal(err)
	}
	if released.IsBooked {
		t.Error("unheld slot should be released")
	}
}

func TestCompleteAndCancelTerminalRules(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()

	cancelled, _ := f.book(t, f.now.Add(30*time.Hour))
	if _, err := f.lc.Cancel(ctx, admin, cancelled.ID, ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.lc.Complete(ctx, f.asDoctor(f.doctor), cancelled.ID, CompleteInput{})
	if !errors.Is(err, ErrInvalidTransition) || !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("complete after cancel: expected InvalidState, got %v", err)
	}

	completed, _ := f.book(t, f.now.Add(50*time.Hour))
	diagnosis := "common cold"
	out, err := f.lc.Complete(ctx, f.asDoctor(f.doctor), completed.ID, CompleteInput{Diagnosis: &diagnosis})
	if err != nil {
		t.Fatal(err)
	}
	if out.Appointment.Status != StatusCompleted || out.Appointment.CompletedAt == nil || *out.Appointment.Diagnosis != diagnosis {
		t.Errorf("unexpected completed appointment %+v", out.Appointment)
	}
	if _, err := f.lc.Complete(ctx, admin, completed.ID, CompleteInput{}); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("complete after complete: expected conflict, got %v", err)
	}
	if _, err := f.lc.Cancel(ctx, admin, completed.ID, ""); !errors.Is(err, ErrAlreadyCompleted) || !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("cancel after complete: expected conflict, got %v", err)
	}
}

func TestComplete_RequiresClinicalRole(t *testing.T) {
	f := newLCFixture(t)
	a, _ := f.book(t, f.now.Add(30*time.Hour))

	tests := []struct {
		name string
		id   auth.Identity
	}{
		{"own patient", f.asPatient(f.patient)},
		{"other doctor", f.asDoctor(f.doctor2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.lc.Complete(context.Background(), tt.id, a.ID, CompleteInput{}); !errors.Is(err, apperr.ErrUnauthorized) {
				t.Errorf("expected unauthorized, got %v", err)
			}
		})
	}
}

func TestReschedule(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	a, oldSlot := f.book(t, f.now.Add(30*time.Hour))
	newSlot := f.slot(f.doctor, f.now.Add(54*time.Hour))

	out, err := f.lc.Reschedule(ctx, f.asPatient(f.patient), a.ID, newSlot.ID)
	if err != nil {
		t.Fatal(err)
	}
	got := out.Appointment
	if !got.AppointmentDate.Equal(newSlot.StartTime) || *got.SlotID != newSlot.ID || got.Status != StatusScheduled {
		t.Errorf("unexpected rescheduled appointment %+v", got)
	}
	o, _ := f.slots.GetByID(ctx, oldSlot.ID)
	n, _ := f.slots.GetByID(ctx, newSlot.ID)
	if o.IsBooked || !n.IsBooked {
		t.Errorf("expected old slot free and new slot booked, got old=%v new=%v", o.IsBooked, n.IsBooked)
	}
	actions := make([]string, 0, len(out.SideEffects))
	for _, se := range out.SideEffects {
		actions = append(actions, se.Action)
	}
	want := []string{ActionCancelReminders, ActionScheduleReminders, ActionNotifyRescheduled}
	if len(actions) != len(want) {
		t.Fatalf("expected side effects %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("side effect %d = %s, want %s", i, actions[i], want[i])
		}
	}
}

func TestReschedule_Rejections(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	a, current := f.book(t, f.now.Add(30*time.Hour))
	otherDoctor := f.slot(f.doctor2, f.now.Add(54*time.Hour))
	taken := f.slots.add(Slot{DoctorID: f.doctor, StartTime: f.now.Add(60 * time.Hour), EndTime: f.now.Add(60*time.Hour + 30*time.Minute), IsBooked: true})
	past := f.slot(f.doctor, f.now.Add(-2*time.Hour))

	tests := []struct {
		name string
		slot uuid.UUID
		want error
	}{
		{"different doctor", otherDoctor.ID, ErrSlotWrongDoctor},
		{"already booked", taken.ID, apperr.ErrConflict},
		{"current slot", current.ID, apperr.ErrConflict},
		{"past slot", past.ID, ErrSlotInPast},
		{"unknown slot", uuid.New(), ErrSlotNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.lc.Reschedule(ctx, admin, a.ID, tt.slot); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	stored, _ := f.appts.GetByID(ctx, a.ID)
	if !stored.AppointmentDate.Equal(current.StartTime) {
		t.Error("failed reschedules must not move the appointment")
	}

	confirmed, _ := f.book(t, f.now.Add(80*time.Hour))
	if _, err := f.lc.Confirm(ctx, f.asDoctor(f.doctor), confirmed.ID); err != nil {
		t.Fatal(err)
	}
	free := f.slot(f.doctor, f.now.Add(90*time.Hour))
	if _, err := f.lc.Reschedule(ctx, admin, confirmed.ID, free.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("only scheduled appointments can be rescheduled, got %v", err)
	}
}

func TestConfirm(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	a, _ := f.book(t, f.now.Add(30*time.Hour))

	if _, err := f.lc.Confirm(ctx, f.asPatient(f.patient), a.ID); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("patients cannot confirm, got %v", err)
	}
	out, err := f.lc.Confirm(ctx, f.asDoctor(f.doctor), a.ID)
	if err != nil || out.Appointment.Status != StatusConfirmed {
		t.Fatalf("expected confirmed, got %+v (%v)", out, err)
	}
	if _, err := f.lc.Confirm(ctx, admin, a.ID); !errors.Is(err, ErrAlreadyConfirmed) {
		t.Errorf("expected already confirmed, got %v", err)
	}
	// Confirmed appointments can still be cancelled.
	if _, err := f.lc.Cancel(ctx, f.asPatient(f.patient), a.ID, ""); err != nil {
		t.Errorf("cancel confirmed: %v", err)
	}
}

func TestMarkNoShow(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	a, _ := f.book(t, f.now.Add(2*time.Hour))

	if _, err := f.lc.MarkNoShow(ctx, f.asDoctor(f.doctor), a.ID); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}

	f.now = f.now.Add(3 * time.Hour)
	out, err := f.lc.MarkNoShow(ctx, f.asDoctor(f.doctor), a.ID)
	if err != nil || out.Appointment.Status != StatusNoShow {
		t.Fatalf("expected no_show, got %+v (%v)", out, err)
	}
	if _, err := f.lc.Cancel(ctx, admin, a.ID, ""); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("cancel after no-show: expected InvalidState, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()
	a, _ := f.book(t, f.now.Add(30*time.Hour))

	reason := "follow-up on labs"
	typ := TypeFollowUp
	out, err := f.lc.Update(ctx, f.asPatient(f.patient), a.ID, UpdateInput{Reason: &reason, Type: &typ})
	if err != nil {
		t.Fatal(err)
	}
	if out.Appointment.Reason != reason || out.Appointment.Type != TypeFollowUp {
		t.Errorf("unexpected update result %+v", out.Appointment)
	}

	if _, err := f.lc.Update(ctx, f.asPatient(f.patient2), a.ID, UpdateInput{Reason: &reason}); !errors.Is(err, ErrForbidden) {
		t.Errorf("other patient: expected forbidden, got %v", err)
	}
	empty := "  "
	if _, err := f.lc.Update(ctx, admin, a.ID, UpdateInput{Reason: &empty}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	if _, err := f.lc.Cancel(ctx, admin, a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.lc.Update(ctx, admin, a.ID, UpdateInput{Reason: &reason}); !errors.Is(err, apperr.ErrInvalidState) {
		t.Errorf("update of cancelled appointment: expected InvalidState, got %v", err)
	}
}

func TestReadsAreScopedByRole(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()

	mine, _ := f.book(t, f.now.Add(30*time.Hour))
	theirs, err := f.lc.Create(ctx, f.asPatient(f.patient2), CreateInput{
		DoctorID: f.doctor2, AppointmentDate: f.now.Add(40 * time.Hour), Reason: "migraine",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.lc.Get(ctx, f.asPatient(f.patient2), mine.ID); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Errorf("expected forbidden, got %v", err)
	}
	if _, err := f.lc.Get(ctx, f.asDoctor(f.doctor), mine.ID); err != nil {
		t.Errorf("attending doctor should read: %v", err)
	}

	items, total, err := f.lc.List(ctx, f.asPatient(f.patient), ListFilter{}, 10, 0)
	if err != nil || total != 1 || items[0].ID != mine.ID {
		t.Errorf("patient should only see own appointment, got %d (%v)", total, err)
	}
	_, total, _ = f.lc.List(ctx, f.asDoctor(f.doctor2), ListFilter{}, 10, 0)
	if total != 1 {
		t.Errorf("doctor should only see own appointment, got %d", total)
	}
	_, total, _ = f.lc.List(ctx, admin, ListFilter{}, 10, 0)
	if total != 2 {
		t.Errorf("admin should see all, got %d", total)
	}

	found, err := f.lc.Search(ctx, admin, "MIGR", 10)
	if err != nil || len(found) != 1 || found[0].ID != theirs.Appointment.ID {
		t.Errorf("expected search hit, got %v (%v)", found, err)
	}
	if _, err := f.lc.Search(ctx, admin, " ", 10); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("expected validation error for empty term, got %v", err)
	}

	if _, err := f.lc.Cancel(ctx, admin, theirs.Appointment.ID, ""); err != nil {
		t.Fatal(err)
	}
	upcoming, _ := f.lc.Upcoming(ctx, admin, 10)
	if len(upcoming) != 1 || upcoming[0].ID != mine.ID {
		t.Errorf("cancelled appointments are not upcoming, got %d", len(upcoming))
	}

	f.now = f.now.Add(100 * time.Hour)
	past, _ := f.lc.Past(ctx, admin, 10)
	if len(past) != 2 || !past[0].AppointmentDate.After(past[1].AppointmentDate) {
		t.Errorf("expected both past appointments newest first, got %d", len(past))
	}

	st, err := f.lc.Stats(ctx, admin)
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 2 || st.Cancelled != 1 || st.Upcoming != 0 || st.ByStatus[StatusScheduled] != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

// TestCancel_WithdrawsLedgerReminders runs the lifecycle against the real
// reminder scheduler.
func TestCancel_WithdrawsLedgerReminders(t *testing.T) {
	f := newLCFixture(t)
	ctx := context.Background()

	settings := reminder.NewMemorySettings()
	gate := reminder.NewPreferenceGate(settings, f.dir)
	if _, err := gate.ToggleMaster(ctx, f.patient, true); err != nil {
		t.Fatal(err)
	}
	ledgerRepo := reminder.NewMemoryLedger()
	d := &notificationtest.Recorder{}
	sched := reminder.NewScheduler(reminder.NewLedger(ledgerRepo), gate, d, notification.NewTemplateEngine(),
		lease.NewLocal(), reminder.DefaultConfig(), zerolog.Nop(), telemetry.NewMetrics())
	clock := func() time.Time { return f.now }
	sched.SetClock(clock)
	f.lc.reminders = sched

	a, _ := f.book(t, f.now.Add(25*time.Hour))
	pending := 0
	for _, e := range ledgerRepo.Entries() {
		if e.Status == reminder.StatusPending {
			pending++
		}
	}
	if pending != 2 {
		t.Fatalf("expected 2 pending reminders, got %d", pending)
	}

	if _, err := f.lc.Cancel(ctx, f.asPatient(f.patient), a.ID, ""); err != nil {
		t.Fatal(err)
	}
	before := len(d.Calls())

	f.now = f.now.Add(25 * time.Hour)
	report, err := sched.Tick(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Due != 0 || len(d.Calls()) != before {
		t.Errorf("no reminders may be dispatched after cancel, got %+v", report)
	}
	// Only the confirmation and cancellation notices went out.
	if before != 2 {
		t.Errorf("expected 2 immediate notices, got %d", before)
	}
}
