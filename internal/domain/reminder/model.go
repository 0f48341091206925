// Package reminder keeps the notification ledger, patient notification
// preferences and the periodic scheduler that delivers due reminders.
package reminder

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/careline/careline/internal/platform/apperr"
)

// Type identifies a reminder or notice. Values double as template ids.
type Type string

const (
	Type24h         Type = "reminder_24h"
	Type1h          Type = "reminder_1h"
	TypeConfirmed   Type = "appointment_confirmed"
	TypeCancelled   Type = "appointment_cancelled"
	TypeRescheduled Type = "appointment_rescheduled"
)

func (t Type) Valid() bool {
	switch t {
	case Type24h, Type1h, TypeConfirmed, TypeCancelled, TypeRescheduled:
		return true
	}
	return false
}

// Immediate notices are dispatched on the triggering request rather than by
// the periodic tick.
func (t Type) Immediate() bool {
	return t == TypeConfirmed || t == TypeCancelled || t == TypeRescheduled
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// MaxRetries bounds manual requeues of a failed entry.
const MaxRetries = 3

var (
	ErrEntryNotFound    = fmt.Errorf("notification not found: %w", apperr.ErrNotFound)
	ErrEntryNotPending  = fmt.Errorf("notification is no longer pending: %w", apperr.ErrConflict)
	ErrEntryNotFailed   = fmt.Errorf("only failed notifications can be retried: %w", apperr.ErrInvalidState)
	ErrRetriesExhausted = fmt.Errorf("retry limit reached: %w", apperr.ErrInvalidState)
	ErrDuplicatePending = fmt.Errorf("a pending notification of this type already exists: %w", apperr.ErrConflict)
	ErrClaimLost        = fmt.Errorf("notification was claimed by another worker: %w", apperr.ErrConflict)
	ErrSettingNotFound  = fmt.Errorf("notification settings not found: %w", apperr.ErrNotFound)
	ErrUnknownType      = fmt.Errorf("unknown notification type: %w", apperr.ErrValidation)
)

// Entry is one row of the notification ledger.
type Entry struct {
	ID            uuid.UUID  `json:"id"`
	AppointmentID uuid.UUID  `json:"appointment_id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	Type          Type       `json:"type"`
	Status        Status     `json:"status"`
	ScheduledFor  time.Time  `json:"scheduled_for"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	Title         string     `json:"title"`
	Body          string     `json:"body"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	RetryCount    int        `json:"retry_count"`
	Suppressed    bool       `json:"suppressed"`
	ClaimedAt     *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// LedgerStats counts ledger rows by outcome.
type LedgerStats struct {
	Pending    int `json:"pending"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Suppressed int `json:"suppressed"`
	Total      int `json:"total"`
}

// Setting is a patient's notification preferences.
type Setting struct {
	PatientID              uuid.UUID `json:"patient_id"`
	NotificationsEnabled   bool      `json:"notifications_enabled"`
	Reminder24h            bool      `json:"reminder_24h"`
	Reminder1h             bool      `json:"reminder_1h"`
	AppointmentConfirmed   bool      `json:"appointment_confirmed"`
	AppointmentCancelled   bool      `json:"appointment_cancelled"`
	AppointmentRescheduled bool      `json:"appointment_rescheduled"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// DefaultSetting is opt-in: the master switch starts off and every category
// starts on.
func DefaultSetting(patientID uuid.UUID) Setting {
	return Setting{
		PatientID:              patientID,
		Reminder24h:            true,
		Reminder1h:             true,
		AppointmentConfirmed:   true,
		AppointmentCancelled:   true,
		AppointmentRescheduled: true,
	}
}

// Allows reports whether both the master switch and the category are on.
func (s *Setting) Allows(t Type) bool {
	if !s.NotificationsEnabled {
		return false
	}
	switch t {
	case Type24h:
		return s.Reminder24h
	case Type1h:
		return s.Reminder1h
	case TypeConfirmed:
		return s.AppointmentConfirmed
	case TypeCancelled:
		return s.AppointmentCancelled
	case TypeRescheduled:
		return s.AppointmentRescheduled
	}
	return false
}

// SettingPatch updates only the fields that are set.
type SettingPatch struct {
	NotificationsEnabled   *bool `json:"notifications_enabled"`
	Reminder24h            *bool `json:"reminder_24h"`
	Reminder1h             *bool `json:"reminder_1h"`
	AppointmentConfirmed   *bool `json:"appointment_confirmed"`
	AppointmentCancelled   *bool `json:"appointment_cancelled"`
	AppointmentRescheduled *bool `json:"appointment_rescheduled"`
}

func (p SettingPatch) apply(s *Setting) {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&s.NotificationsEnabled, p.NotificationsEnabled)
	set(&s.Reminder24h, p.Reminder24h)
	set(&s.Reminder1h, p.Reminder1h)
	set(&s.AppointmentConfirmed, p.AppointmentConfirmed)
	set(&s.AppointmentCancelled, p.AppointmentCancelled)
	set(&s.AppointmentRescheduled, p.AppointmentRescheduled)
}

// AppointmentRef is what the scheduler needs to know about an appointment.
type AppointmentRef struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	DoctorID   uuid.UUID
	DoctorName string
	At         time.Time
}
