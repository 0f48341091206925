package scheduling

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SlotRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Slot, error)
	// GetForUpdate reads the slot and, inside a transaction, locks it until
	// commit.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Slot, error)
	// FindByDoctorAndStart resolves the slot behind an appointment that
	// carries no slot id.
	FindByDoctorAndStart(ctx context.Context, doctorID uuid.UUID, start time.Time) (*Slot, error)
	// Book flips is_booked to true only if the slot is free and starts after
	// now. It must be a single conditional write.
	Book(ctx context.Context, id uuid.UUID, now time.Time) (*Slot, error)
	Release(ctx context.Context, id uuid.UUID) (*Slot, error)
	ListForDoctor(ctx context.Context, doctorID uuid.UUID, from, to time.Time) ([]Slot, error)
	FindFree(ctx context.Context, start, end time.Time) ([]Slot, error)
	// ReplaceRange deletes the doctor's unbooked slots in [from, to) and
	// inserts slots, skipping any that collide with a surviving row.
	ReplaceRange(ctx context.Context, doctorID uuid.UUID, from, to time.Time, slots []Slot) (int, error)
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
	// Stats counts slots, limited to one doctor when doctorID is set.
	Stats(ctx context.Context, doctorID *uuid.UUID, now time.Time) (*SlotStats, error)
}

type AppointmentRepository interface {
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// Update persists a only if the stored status still equals from.
	Update(ctx context.Context, a *Appointment, from AppointmentStatus) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Appointment, int, error)
	CountByStatus(ctx context.Context, f ListFilter) (map[AppointmentStatus]int, error)
	// ActiveForSlot returns scheduled or confirmed appointments holding s,
	// by slot id or, for appointments without one, by doctor and start.
	ActiveForSlot(ctx context.Context, s *Slot) ([]uuid.UUID, error)
}

// Transactor runs fn atomically. db.TxManager satisfies it.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// classifyBookFailure explains why a conditional book matched no row.
func classifyBookFailure(s *Slot, now time.Time) error {
	switch {
	case s == nil:
		return ErrSlotNotFound
	case s.IsBooked:
		return ErrSlotAlreadyBooked
	case !s.StartTime.After(now):
		return ErrSlotInPast
	}
	// The row changed between the update and the re-read; report the
	// conflict the losing writer saw.
	return ErrSlotAlreadyBooked
}
