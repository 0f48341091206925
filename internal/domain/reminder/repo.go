package reminder

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type LedgerRepository interface {
	// Schedule cancels any pending entry for the same appointment and type,
	// then inserts e.
	Schedule(ctx context.Context, e *Entry) error
	// ClaimDue stamps up to limit due pending entries as claimed at now and
	// returns them oldest first. Entries claimed after staleBefore are
	// skipped.
	ClaimDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]Entry, error)
	// Renew moves a claim from claimedAt to now. It returns ErrClaimLost when
	// the entry is no longer pending or was re-claimed since.
	Renew(ctx context.Context, id uuid.UUID, claimedAt, now time.Time) error
	MarkSent(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkSuppressed(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, msg string) error
	CancelForAppointment(ctx context.Context, appointmentID uuid.UUID) (int64, error)
	Get(ctx context.Context, id uuid.UUID) (*Entry, error)
	ListForPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Entry, int, error)
	Requeue(ctx context.Context, id uuid.UUID, at time.Time, maxRetries int) (*Entry, error)
	Stats(ctx context.Context) (*LedgerStats, error)
}

type SettingsRepository interface {
	// GetOrCreate inserts the default row when the patient has none.
	GetOrCreate(ctx context.Context, patientID uuid.UUID) (*Setting, error)
	Get(ctx context.Context, patientID uuid.UUID) (*Setting, error)
	Save(ctx context.Context, s *Setting) error
}

// classifyRequeue explains why a conditional requeue matched no row.
func classifyRequeue(e *Entry, maxRetries int) error {
	switch {
	case e == nil:
		return ErrEntryNotFound
	case e.Status != StatusFailed:
		return ErrEntryNotFailed
	case e.RetryCount >= maxRetries:
		return ErrRetriesExhausted
	}
	return ErrEntryNotPending
}
