package scheduling

import (
	"errors"
	"fmt"

	"github.com/careline/careline/internal/platform/apperr"
)

var (
	ErrSlotNotFound      = fmt.Errorf("slot not found: %w", apperr.ErrNotFound)
	ErrSlotAlreadyBooked = fmt.Errorf("slot is already booked: %w", apperr.ErrConflict)
	ErrSlotNotBooked     = fmt.Errorf("slot is not booked: %w", apperr.ErrConflict)
	ErrSlotHeld          = fmt.Errorf("slot is held by an active appointment: %w", apperr.ErrConflict)
	ErrSlotInPast        = fmt.Errorf("cannot book a slot in the past: %w", apperr.ErrInvalidState)
	ErrSlotWrongDoctor   = fmt.Errorf("slot belongs to a different doctor: %w", apperr.ErrInvalidState)
	ErrSlotDateMismatch  = fmt.Errorf("appointment date does not match slot start: %w", apperr.ErrInvalidState)

	ErrAppointmentNotFound = fmt.Errorf("appointment not found: %w", apperr.ErrNotFound)
	ErrPastAppointment     = fmt.Errorf("cannot create an appointment in the past: %w", apperr.ErrInvalidState)
	ErrAlreadyCancelled    = fmt.Errorf("appointment is already cancelled: %w", apperr.ErrConflict)
	ErrAlreadyCompleted    = fmt.Errorf("appointment is already completed: %w", apperr.ErrConflict)
	ErrAlreadyConfirmed    = fmt.Errorf("appointment is already confirmed: %w", apperr.ErrConflict)
	ErrAlreadyNoShow       = fmt.Errorf("appointment is already marked as no-show: %w", apperr.ErrConflict)
	ErrInvalidTransition   = fmt.Errorf("invalid status transition: %w", apperr.ErrInvalidState)
	ErrNotStarted          = fmt.Errorf("appointment has not started yet: %w", apperr.ErrInvalidState)
	// ErrStaleAppointment is returned when the row changed status between
	// read and write.
	ErrStaleAppointment = fmt.Errorf("appointment was modified concurrently: %w", apperr.ErrConflict)

	ErrForbidden = fmt.Errorf("access denied: %w", apperr.ErrUnauthorized)
)

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), apperr.ErrValidation)
}

func errorsIsConflict(err error) bool { return errors.Is(err, apperr.ErrConflict) }
