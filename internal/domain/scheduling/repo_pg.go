package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careline/careline/internal/platform/db"
)

// insertBatchSize bounds the rows per multi-row INSERT during generation.
const insertBatchSize = 100

// -- Slot Repository --

type slotRepoPG struct{ pool *pgxpool.Pool }

func NewSlotRepoPG(pool *pgxpool.Pool) SlotRepository { return &slotRepoPG{pool: pool} }

func (r *slotRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const slotCols = `id, doctor_id, start_time, end_time, is_booked, created_at, updated_at`

func (r *slotRepoPG) scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	if err := row.Scan(&s.ID, &s.DoctorID, &s.StartTime, &s.EndTime, &s.IsBooked, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *slotRepoPG) scanSlots(rows pgx.Rows) ([]Slot, error) {
	defer rows.Close()
	var out []Slot
	for rows.Next() {
		s, err := r.scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *slotRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Slot, error) {
	s, err := r.scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM availability_slot WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return s, nil
}

func (r *slotRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error) {
	s, err := r.scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM availability_slot WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock slot: %w", err)
	}
	return s, nil
}

func (r *slotRepoPG) FindByDoctorAndStart(ctx context.Context, doctorID uuid.UUID, start time.Time) (*Slot, error) {
	s, err := r.scanSlot(r.conn(ctx).QueryRow(ctx,
		`SELECT `+slotCols+` FROM availability_slot WHERE doctor_id = $1 AND start_time = $2`, doctorID, start))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find slot: %w", err)
	}
	return s, nil
}

func (r *slotRepoPG) Book(ctx context.Context, id uuid.UUID, now time.Time) (*Slot, error) {
	s, err := r.scanSlot(r.conn(ctx).QueryRow(ctx, `
		UPDATE availability_slot SET is_booked = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_booked = FALSE AND start_time > $2
		RETURNING `+slotCols, id, now))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("book slot: %w", err)
	}

	current, err := r.GetByID(ctx, id)
	if errors.Is(err, ErrSlotNotFound) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, classifyBookFailure(current, now)
}

func (r *slotRepoPG) Release(ctx context.Context, id uuid.UUID) (*Slot, error) {
	s, err := r.scanSlot(r.conn(ctx).QueryRow(ctx, `
		UPDATE availability_slot SET is_booked = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_booked = TRUE
		RETURNING `+slotCols, id))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("release slot: %w", err)
	}
	if _, err := r.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return nil, ErrSlotNotBooked
}

func (r *slotRepoPG) ListForDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+slotCols+` FROM availability_slot
		WHERE doctor_id = $1 AND start_time >= $2 AND start_time < $3
		ORDER BY start_time`, doctorID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return r.scanSlots(rows)
}

func (r *slotRepoPG) FindFree(ctx context.Context, start, end time.Time) ([]Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+slotCols+` FROM availability_slot
		WHERE start_time = $1 AND end_time = $2 AND is_booked = FALSE
		ORDER BY doctor_id`, start, end)
	if err != nil {
		return nil, fmt.Errorf("find free slots: %w", err)
	}
	return r.scanSlots(rows)
}

func (r *slotRepoPG) ReplaceRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time, slots []Slot) (int, error) {
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `
		DELETE FROM availability_slot
		WHERE doctor_id = $1 AND start_time >= $2 AND start_time < $3 AND is_booked = FALSE`,
		doctorID, from, to); err != nil {
		return 0, fmt.Errorf("delete unbooked slots: %w", err)
	}

	inserted := 0
	for start := 0; start < len(slots); start += insertBatchSize {
		end := min(start+insertBatchSize, len(slots))
		chunk := slots[start:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO availability_slot (id, doctor_id, start_time, end_time, is_booked) VALUES `)
		args := make([]any, 0, len(chunk)*4)
		for i, s := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			n := i * 4
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, FALSE)", n+1, n+2, n+3, n+4)
			args = append(args, s.ID, s.DoctorID, s.StartTime, s.EndTime)
		}
		sb.WriteString(` ON CONFLICT DO NOTHING`)

		tag, err := q.Exec(ctx, sb.String(), args...)
		if err != nil {
			return inserted, fmt.Errorf("insert slots: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *slotRepoPG) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx,
		`DELETE FROM availability_slot WHERE end_time < $1 AND is_booked = FALSE`, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale slots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *slotRepoPG) Stats(ctx context.Context, doctorID *uuid.UUID, now time.Time) (*SlotStats, error) {
	st := SlotStats{DoctorID: doctorID}
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE is_booked),
			COUNT(*) FILTER (WHERE NOT is_booked),
			COUNT(*) FILTER (WHERE start_time > $1),
			COUNT(*) FILTER (WHERE start_time > $1 AND is_booked),
			COUNT(*) FILTER (WHERE start_time > $1 AND NOT is_booked)
		FROM availability_slot
		WHERE $2::uuid IS NULL OR doctor_id = $2`, now, doctorID).
		Scan(&st.Total, &st.Booked, &st.Available, &st.FutureTotal, &st.FutureBooked, &st.FutureAvailable)
	if err != nil {
		return nil, fmt.Errorf("slot stats: %w", err)
	}
	return &st, nil
}

// -- Appointment Repository --

type appointmentRepoPG struct{ pool *pgxpool.Pool }

func NewAppointmentRepoPG(pool *pgxpool.Pool) AppointmentRepository {
	return &appointmentRepoPG{pool: pool}
}

func (r *appointmentRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const apptSelect = `
	SELECT a.id, a.patient_id, a.doctor_id, a.slot_id, a.appointment_date, a.duration_minutes,
		a.status, a.type, a.reason, a.notes, a.diagnosis, a.treatment,
		a.cancelled_at, a.cancelled_by, a.completed_at, a.created_at, a.updated_at,
		d.first_name || ' ' || d.last_name, p.first_name || ' ' || p.last_name
	FROM appointment a
	JOIN doctor d ON d.id = a.doctor_id
	JOIN patient p ON p.id = a.patient_id`

func (r *appointmentRepoPG) scanAppt(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.SlotID, &a.AppointmentDate, &a.DurationMinutes,
		&a.Status, &a.Type, &a.Reason, &a.Notes, &a.Diagnosis, &a.Treatment,
		&a.CancelledAt, &a.CancelledBy, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt,
		&a.DoctorName, &a.PatientName)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *appointmentRepoPG) Create(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointment (id, patient_id, doctor_id, slot_id, appointment_date, duration_minutes,
			status, type, reason, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DoctorID, a.SlotID, a.AppointmentDate, a.DurationMinutes,
		a.Status, a.Type, a.Reason, a.Notes,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (r *appointmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := r.scanAppt(r.conn(ctx).QueryRow(ctx, apptSelect+` WHERE a.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (r *appointmentRepoPG) Update(ctx context.Context, a *Appointment, from AppointmentStatus) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointment SET slot_id = $3, appointment_date = $4, duration_minutes = $5,
			status = $6, type = $7, reason = $8, notes = $9, diagnosis = $10, treatment = $11,
			cancelled_at = $12, cancelled_by = $13, completed_at = $14, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING updated_at`,
		a.ID, from, a.SlotID, a.AppointmentDate, a.DurationMinutes,
		a.Status, a.Type, a.Reason, a.Notes, a.Diagnosis, a.Treatment,
		a.CancelledAt, a.CancelledBy, a.CompletedAt,
	).Scan(&a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, a.ID); getErr != nil {
			return getErr
		}
		return ErrStaleAppointment
	}
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	return nil
}

// where renders f as a WHERE clause over the joined appointment query.
func (f ListFilter) where() (string, []any) {
	clauses := []string{"1=1"}
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}

	if f.PatientID != nil {
		add("a.patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("a.doctor_id = $%d", *f.DoctorID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("a.status = ANY($%d)", statuses)
	}
	if f.Type != "" {
		add("a.type = $%d", string(f.Type))
	}
	if f.After != nil {
		add("a.appointment_date > $%d", *f.After)
	}
	if f.Before != nil {
		add("a.appointment_date < $%d", *f.Before)
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		n := len(args)
		clauses = append(clauses, fmt.Sprintf(
			"(p.first_name ILIKE $%[1]d OR p.last_name ILIKE $%[1]d OR d.first_name ILIKE $%[1]d OR d.last_name ILIKE $%[1]d OR a.reason ILIKE $%[1]d)", n))
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r *appointmentRepoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error) {
	where, args := f.where()

	var total int
	countQuery := `SELECT COUNT(*) FROM appointment a
		JOIN doctor d ON d.id = a.doctor_id
		JOIN patient p ON p.id = a.patient_id` + where
	if err := r.conn(ctx).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	order := "ASC"
	if f.Descending {
		order = "DESC"
	}
	n := len(args)
	query := apptSelect + where + fmt.Sprintf(` ORDER BY a.appointment_date %s LIMIT $%d OFFSET $%d`, order, n+1, n+2)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()
	var items []*Appointment
	for rows.Next() {
		a, err := r.scanAppt(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, a)
	}
	return items, total, rows.Err()
}

func (r *appointmentRepoPG) CountByStatus(ctx context.Context, f ListFilter) (map[AppointmentStatus]int, error) {
	where, args := f.where()
	rows, err := r.conn(ctx).Query(ctx, `SELECT a.status, COUNT(*) FROM appointment a
		JOIN doctor d ON d.id = a.doctor_id
		JOIN patient p ON p.id = a.patient_id`+where+` GROUP BY a.status`, args...)
	if err != nil {
		return nil, fmt.Errorf("count appointments by status: %w", err)
	}
	defer rows.Close()

	out := make(map[AppointmentStatus]int)
	for rows.Next() {
		var status AppointmentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func (r *appointmentRepoPG) ActiveForSlot(ctx context.Context, s *Slot) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id FROM appointment
		WHERE status IN ('scheduled', 'confirmed')
		  AND (slot_id = $1 OR (slot_id IS NULL AND doctor_id = $2 AND appointment_date = $3))`,
		s.ID, s.DoctorID, s.StartTime)
	if err != nil {
		return nil, fmt.Errorf("find slot holders: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("find slot holders: %w", err)
	}
	return ids, nil
}
