package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Ledger is the durable record of every scheduled notification. It adds the
// clock and claim policy on top of a LedgerRepository.
type Ledger struct {
	repo LedgerRepository
	now  func() time.Time
	// ClaimTTL is how long a claimed entry stays invisible to other
	// tickers. A crashed ticker's claims become due again after it.
	ClaimTTL time.Duration
}

func NewLedger(repo LedgerRepository) *Ledger {
	return &Ledger{repo: repo, now: time.Now, ClaimTTL: 5 * time.Minute}
}

func (l *Ledger) Schedule(ctx context.Context, e *Entry) error {
	if !e.Type.Valid() {
		return ErrUnknownType
	}
	return l.repo.Schedule(ctx, e)
}

// FindDue claims up to limit due pending entries, oldest first.
func (l *Ledger) FindDue(ctx context.Context, limit int) ([]Entry, error) {
	now := l.now().Truncate(time.Microsecond)
	return l.repo.ClaimDue(ctx, now, now.Add(-l.ClaimTTL), limit)
}

// Renew re-takes a claimed entry right before delivery. An entry whose claim
// expired and was taken by another worker returns ErrClaimLost and must not
// be sent.
func (l *Ledger) Renew(ctx context.Context, e *Entry) error {
	if e.ClaimedAt == nil {
		return ErrClaimLost
	}
	// Postgres keeps microseconds.
	now := l.now().Truncate(time.Microsecond)
	if err := l.repo.Renew(ctx, e.ID, *e.ClaimedAt, now); err != nil {
		return err
	}
	e.ClaimedAt = &now
	return nil
}

func (l *Ledger) MarkSent(ctx context.Context, id uuid.UUID) error {
	return l.repo.MarkSent(ctx, id, l.now())
}

// MarkSuppressed closes an entry the patient opted out of. It counts as sent
// so it is never retried.
func (l *Ledger) MarkSuppressed(ctx context.Context, id uuid.UUID) error {
	return l.repo.MarkSuppressed(ctx, id, l.now())
}

func (l *Ledger) MarkFailed(ctx context.Context, id uuid.UUID, msg string) error {
	return l.repo.MarkFailed(ctx, id, msg)
}

func (l *Ledger) CancelForAppointment(ctx context.Context, appointmentID uuid.UUID) (int64, error) {
	return l.repo.CancelForAppointment(ctx, appointmentID)
}

func (l *Ledger) Stats(ctx context.Context) (*LedgerStats, error) {
	return l.repo.Stats(ctx)
}

func (l *Ledger) ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Entry, int, error) {
	return l.repo.ListForPatient(ctx, patientID, limit, offset)
}

// Requeue makes a failed entry due now, at most MaxRetries times.
func (l *Ledger) Requeue(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return l.repo.Requeue(ctx, id, l.now(), MaxRetries)
}
