package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/careline/careline/internal/domain/directory"
	"github.com/careline/careline/internal/platform/telemetry"
)

// MaxGenerateDays caps a single generation run.
const MaxGenerateDays = 90

// slotNamespace seeds deterministic slot ids so regenerating a day yields
// the same ids for the same (doctor, start).
var slotNamespace = uuid.MustParse("6f1d3c2e-8a4b-4f6e-9c1d-2b7a5e3f9d10")

// SlotPolicy describes clinic opening hours. Offsets are minutes after
// local midnight in Location.
type SlotPolicy struct {
	Location   *time.Location
	SlotLength time.Duration
	DayStart   int
	DayEnd     int
	HalfDay    time.Weekday
	HalfDayEnd int
	RestDay    time.Weekday
	LunchStart int
	LunchEnd   int
}

// DefaultSlotPolicy opens 09:00-17:00, closes at 14:00 on Saturday, rests on
// Sunday and skips lunch between 12:30 and 13:30.
func DefaultSlotPolicy(loc *time.Location) SlotPolicy {
	if loc == nil {
		loc = time.UTC
	}
	return SlotPolicy{
		Location:   loc,
		SlotLength: 30 * time.Minute,
		DayStart:   9 * 60,
		DayEnd:     17 * 60,
		HalfDay:    time.Saturday,
		HalfDayEnd: 14 * 60,
		RestDay:    time.Sunday,
		LunchStart: 12*60 + 30,
		LunchEnd:   13*60 + 30,
	}
}

// GenerateDailySlots returns the free slots for doctorID on the calendar
// date of date in the policy's zone. Slots not starting strictly after now
// are skipped.
func (p SlotPolicy) GenerateDailySlots(doctorID uuid.UUID, date, now time.Time) []Slot {
	local := date.In(p.Location)
	if local.Weekday() == p.RestDay {
		return nil
	}
	end := p.DayEnd
	if local.Weekday() == p.HalfDay {
		end = p.HalfDayEnd
	}

	step := int(p.SlotLength / time.Minute)
	if step <= 0 {
		return nil
	}
	y, m, d := local.Date()

	var slots []Slot
	for start := p.DayStart; start+step <= end; start += step {
		if start < p.LunchEnd && start+step > p.LunchStart {
			continue
		}
		// time.Date normalizes minute overflow and keeps wall-clock times
		// correct across DST changes.
		st := time.Date(y, m, d, 0, start, 0, 0, p.Location)
		if !st.After(now) {
			continue
		}
		slots = append(slots, Slot{
			ID:        slotID(doctorID, st),
			DoctorID:  doctorID,
			StartTime: st,
			EndTime:   time.Date(y, m, d, 0, start+step, 0, 0, p.Location),
		})
	}
	return slots
}

func slotID(doctorID uuid.UUID, start time.Time) uuid.UUID {
	return uuid.NewSHA1(slotNamespace, []byte(doctorID.String()+"|"+start.UTC().Format(time.RFC3339)))
}

// startOfDay is local midnight of t's calendar date.
func (p SlotPolicy) startOfDay(t time.Time) time.Time {
	y, m, d := t.In(p.Location).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.Location)
}

// GenerateResult reports one doctor's generation run.
type GenerateResult struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Inserted int       `json:"inserted"`
	Error    string    `json:"error,omitempty"`
}

// SlotStore manages doctor availability.
type SlotStore struct {
	slots   SlotRepository
	doctors directory.DoctorDirectory
	tx      Transactor
	policy  SlotPolicy
	now     func() time.Time
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func NewSlotStore(slots SlotRepository, doctors directory.DoctorDirectory, tx Transactor, policy SlotPolicy, logger zerolog.Logger, m *telemetry.Metrics) *SlotStore {
	return &SlotStore{
		slots:   slots,
		doctors: doctors,
		tx:      tx,
		policy:  policy,
		now:     time.Now,
		logger:  logger.With().Str("component", "slot-store").Logger(),
		metrics: m,
	}
}

// SetClock replaces the time source. Tests use it to pin "now".
func (s *SlotStore) SetClock(now func() time.Time) { s.now = now }

func (s *SlotStore) Policy() SlotPolicy { return s.policy }

func (s *SlotStore) Get(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.slots.GetByID(ctx, id)
}

// GenerateRange rebuilds the doctor's free slots for days calendar dates
// starting today. Booked slots are left untouched.
func (s *SlotStore) GenerateRange(ctx context.Context, doctorID uuid.UUID, days int) (int, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "slots.GenerateRange")
	defer span.End()
	span.SetAttributes(attribute.String("doctor.id", doctorID.String()), attribute.Int("days", days))

	if days < 1 || days > MaxGenerateDays {
		return 0, invalidInput("days must be between 1 and %d", MaxGenerateDays)
	}
	if _, err := s.doctors.GetDoctor(ctx, doctorID); err != nil {
		return 0, err
	}

	now := s.now()
	from := s.policy.startOfDay(now)
	to := from.AddDate(0, 0, days)

	var generated []Slot
	for day := from; day.Before(to); day = day.AddDate(0, 0, 1) {
		generated = append(generated, s.policy.GenerateDailySlots(doctorID, day, now)...)
	}

	var inserted int
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		inserted, err = s.slots.ReplaceRange(ctx, doctorID, from, to, generated)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	s.metrics.SlotsGenerated.Add(float64(inserted))
	s.logger.Info().
		Str("doctor_id", doctorID.String()).
		Int("days", days).
		Int("inserted", inserted).
		Msg("slots generated")
	return inserted, nil
}

// GenerateForAllDoctors runs GenerateRange for every active doctor. One
// doctor's failure does not stop the others.
func (s *SlotStore) GenerateForAllDoctors(ctx context.Context, days int) ([]GenerateResult, error) {
	if days < 1 || days > MaxGenerateDays {
		return nil, invalidInput("days must be between 1 and %d", MaxGenerateDays)
	}
	doctors, err := s.doctors.ListActiveDoctors(ctx)
	if err != nil {
		return nil, err
	}
	results := make([]GenerateResult, 0, len(doctors))
	for _, d := range doctors {
		n, err := s.GenerateRange(ctx, d.ID, days)
		res := GenerateResult{DoctorID: d.ID, Inserted: n}
		if err != nil {
			res.Error = err.Error()
			s.logger.Warn().Err(err).Str("doctor_id", d.ID.String()).Msg("slot generation failed")
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *SlotStore) Book(ctx context.Context, id uuid.UUID) (*Slot, error) {
	slot, err := s.slots.Book(ctx, id, s.now())
	s.record("book", err)
	return slot, err
}

func (s *SlotStore) Release(ctx context.Context, id uuid.UUID) (*Slot, error) {
	slot, err := s.slots.Release(ctx, id)
	s.record("release", err)
	return slot, err
}

// Stats counts total, booked and available slots, overall and from now on.
// A nil doctorID covers every doctor.
func (s *SlotStore) Stats(ctx context.Context, doctorID *uuid.UUID) (*SlotStats, error) {
	if doctorID != nil {
		if _, err := s.doctors.GetDoctor(ctx, *doctorID); err != nil {
			return nil, err
		}
	}
	return s.slots.Stats(ctx, doctorID, s.now())
}

func (s *SlotStore) lock(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return s.slots.GetForUpdate(ctx, id)
}

func (s *SlotStore) record(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errorsIsConflict(err):
		result = "conflict"
	default:
		result = "error"
	}
	s.metrics.SlotBookings.WithLabelValues(op, result).Inc()
}

func (s *SlotStore) ListForDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	if !to.After(from) {
		return nil, invalidInput("range end must be after start")
	}
	return s.slots.ListForDoctor(ctx, doctorID, from, to)
}

// ListForDoctorByDay lists slots on a YYYY-MM-DD date in the clinic zone.
func (s *SlotStore) ListForDoctorByDay(ctx context.Context, doctorID uuid.UUID, date string) ([]Slot, error) {
	day, err := time.ParseInLocation("2006-01-02", date, s.policy.Location)
	if err != nil {
		return nil, invalidInput("date must be YYYY-MM-DD")
	}
	return s.slots.ListForDoctor(ctx, doctorID, day, day.AddDate(0, 0, 1))
}

// ListForDoctorByMonth lists slots in a YYYY-MM month in the clinic zone.
func (s *SlotStore) ListForDoctorByMonth(ctx context.Context, doctorID uuid.UUID, month string) ([]Slot, error) {
	first, err := time.ParseInLocation("2006-01", month, s.policy.Location)
	if err != nil {
		return nil, invalidInput("month must be YYYY-MM")
	}
	return s.slots.ListForDoctor(ctx, doctorID, first, first.AddDate(0, 1, 0))
}

// FindFreeAt returns unbooked slots across doctors with exactly this window.
func (s *SlotStore) FindFreeAt(ctx context.Context, start, end time.Time) ([]Slot, error) {
	if !end.After(start) {
		return nil, invalidInput("end must be after start")
	}
	return s.slots.FindFree(ctx, start, end)
}

// CleanupStale deletes unbooked slots that ended before the cutoff.
func (s *SlotStore) CleanupStale(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.slots.DeleteStale(ctx, before)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Time("before", before).Int64("deleted", n).Msg("stale slots removed")
	return n, nil
}

// slotForAppointment resolves the slot an appointment occupies, preferring
// the recorded slot id over the (doctor, start) match.
func (s *SlotStore) slotForAppointment(ctx context.Context, a *Appointment) (*Slot, error) {
	if a.SlotID != nil {
		return s.slots.GetByID(ctx, *a.SlotID)
	}
	return s.slots.FindByDoctorAndStart(ctx, a.DoctorID, a.AppointmentDate)
}
