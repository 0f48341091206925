package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careline/careline/internal/platform/db"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// -- Ledger Repository --

type ledgerRepoPG struct {
	pool *pgxpool.Pool
	tx   *db.TxManager
}

func NewLedgerRepoPG(pool *pgxpool.Pool) LedgerRepository {
	return &ledgerRepoPG{pool: pool, tx: db.NewTxManager(pool)}
}

func (r *ledgerRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const entryCols = `id, appointment_id, patient_id, reminder_type, status, scheduled_for, sent_at,
	title, body, error_message, retry_count, suppressed, claimed_at, created_at, updated_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.AppointmentID, &e.PatientID, &e.Type, &e.Status, &e.ScheduledFor, &e.SentAt,
		&e.Title, &e.Body, &e.ErrorMessage, &e.RetryCount, &e.Suppressed, &e.ClaimedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (r *ledgerRepoPG) Schedule(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	err := r.tx.InTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `
			UPDATE notification_log SET status = 'cancelled', updated_at = NOW()
			WHERE appointment_id = $1 AND reminder_type = $2 AND status = 'pending'`,
			e.AppointmentID, e.Type); err != nil {
			return fmt.Errorf("supersede pending: %w", err)
		}
		return q.QueryRow(ctx, `
			INSERT INTO notification_log (id, appointment_id, patient_id, reminder_type, status,
				scheduled_for, title, body, claimed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING created_at, updated_at`,
			e.ID, e.AppointmentID, e.PatientID, e.Type, e.Status, e.ScheduledFor, e.Title, e.Body, e.ClaimedAt,
		).Scan(&e.CreatedAt, &e.UpdatedAt)
	})
	if isUniqueViolation(err) {
		return ErrDuplicatePending
	}
	if err != nil {
		return fmt.Errorf("schedule notification: %w", err)
	}
	return nil
}

// ClaimDue uses SKIP LOCKED so concurrent tickers split the due set instead
// of blocking on each other.
func (r *ledgerRepoPG) ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]Entry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE notification_log SET claimed_at = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM notification_log
			WHERE status = 'pending' AND scheduled_for <= $1
				AND (claimed_at IS NULL OR claimed_at < $2)
			ORDER BY scheduled_for, created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+entryCols, now, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due notifications: %w", err)
	}
	out, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

func (r *ledgerRepoPG) Renew(ctx context.Context, id uuid.UUID, claimedAt, now time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_log SET claimed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND claimed_at = $2`, id, claimedAt, now)
	if err != nil {
		return fmt.Errorf("renew notification claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *ledgerRepoPG) finish(ctx context.Context, query string, args ...any) error {
	tag, err := r.conn(ctx).Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotPending
	}
	return nil
}

func (r *ledgerRepoPG) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.finish(ctx, `
		UPDATE notification_log SET status = 'sent', sent_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, at)
}

func (r *ledgerRepoPG) MarkSuppressed(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.finish(ctx, `
		UPDATE notification_log SET status = 'sent', suppressed = TRUE, sent_at = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, at)
}

func (r *ledgerRepoPG) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return r.finish(ctx, `
		UPDATE notification_log SET status = 'failed', error_message = $2,
			retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`, id, msg)
}

func (r *ledgerRepoPG) CancelForAppointment(ctx context.Context, appointmentID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE notification_log SET status = 'cancelled', updated_at = NOW()
		WHERE appointment_id = $1 AND status = 'pending'`, appointmentID)
	if err != nil {
		return 0, fmt.Errorf("cancel notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *ledgerRepoPG) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `SELECT `+entryCols+` FROM notification_log WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return e, nil
}

func (r *ledgerRepoPG) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Entry, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM notification_log WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM notification_log
		WHERE patient_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	items, err := scanEntries(rows)
	return items, total, err
}

func (r *ledgerRepoPG) Requeue(ctx context.Context, id uuid.UUID, at time.Time, maxRetries int) (*Entry, error) {
	e, err := scanEntry(r.conn(ctx).QueryRow(ctx, `
		UPDATE notification_log SET status = 'pending', scheduled_for = $2, claimed_at = NULL,
			error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND retry_count < $3
		RETURNING `+entryCols, id, at, maxRetries))
	if err == nil {
		return e, nil
	}
	if isUniqueViolation(err) {
		return nil, ErrDuplicatePending
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("requeue notification: %w", err)
	}
	current, err := r.Get(ctx, id)
	if errors.Is(err, ErrEntryNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, classifyRequeue(current, maxRetries)
}

func (r *ledgerRepoPG) Stats(ctx context.Context) (*LedgerStats, error) {
	var st LedgerStats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent' AND NOT suppressed),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COUNT(*) FILTER (WHERE suppressed),
			COUNT(*)
		FROM notification_log`).
		Scan(&st.Pending, &st.Sent, &st.Failed, &st.Cancelled, &st.Suppressed, &st.Total)
	if err != nil {
		return nil, fmt.Errorf("notification stats: %w", err)
	}
	return &st, nil
}

// -- Settings Repository --

type settingsRepoPG struct{ pool *pgxpool.Pool }

func NewSettingsRepoPG(pool *pgxpool.Pool) SettingsRepository { return &settingsRepoPG{pool: pool} }

func (r *settingsRepoPG) conn(ctx context.Context) db.Querier { return db.Conn(ctx, r.pool) }

const settingCols = `patient_id, notifications_enabled, reminder_24h, reminder_1h,
	appointment_confirmed, appointment_cancelled, appointment_rescheduled, created_at, updated_at`

func scanSetting(row pgx.Row) (*Setting, error) {
	var s Setting
	err := row.Scan(&s.PatientID, &s.NotificationsEnabled, &s.Reminder24h, &s.Reminder1h,
		&s.AppointmentConfirmed, &s.AppointmentCancelled, &s.AppointmentRescheduled, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *settingsRepoPG) Get(ctx context.Context, patientID uuid.UUID) (*Setting, error) {
	s, err := scanSetting(r.conn(ctx).QueryRow(ctx,
		`SELECT `+settingCols+` FROM notification_setting WHERE patient_id = $1`, patientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSettingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification settings: %w", err)
	}
	return s, nil
}

func (r *settingsRepoPG) GetOrCreate(ctx context.Context, patientID uuid.UUID) (*Setting, error) {
	d := DefaultSetting(patientID)
	if _, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO notification_setting (patient_id, notifications_enabled, reminder_24h, reminder_1h,
			appointment_confirmed, appointment_cancelled, appointment_rescheduled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (patient_id) DO NOTHING`,
		d.PatientID, d.NotificationsEnabled, d.Reminder24h, d.Reminder1h,
		d.AppointmentConfirmed, d.AppointmentCancelled, d.AppointmentRescheduled); err != nil {
		return nil, fmt.Errorf("create notification settings: %w", err)
	}
	return r.Get(ctx, patientID)
}

func (r *settingsRepoPG) Save(ctx context.Context, s *Setting) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE notification_setting SET notifications_enabled = $2, reminder_24h = $3, reminder_1h = $4,
			appointment_confirmed = $5, appointment_cancelled = $6, appointment_rescheduled = $7,
			updated_at = NOW()
		WHERE patient_id = $1
		RETURNING updated_at`,
		s.PatientID, s.NotificationsEnabled, s.Reminder24h, s.Reminder1h,
		s.AppointmentConfirmed, s.AppointmentCancelled, s.AppointmentRescheduled,
	).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSettingNotFound
	}
	if err != nil {
		return fmt.Errorf("save notification settings: %w", err)
	}
	return nil
}
