// Package scheduling owns doctor availability slots and the appointment
// lifecycle built on top of them.
package scheduling

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Slot is a bookable window in a doctor's calendar.
type Slot struct {
	ID        uuid.UUID `json:"id"`
	DoctorID  uuid.UUID `json:"doctor_id"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	IsBooked  bool      `json:"is_booked"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Slot) Duration() time.Duration { return s.EndTime.Sub(s.StartTime) }

// SlotStats counts slots overall and those starting after now. DoctorID is
// set when the counts cover one doctor.
type SlotStats struct {
	DoctorID        *uuid.UUID `json:"doctor_id,omitempty"`
	Total           int        `json:"total"`
	Booked          int        `json:"booked"`
	Available       int        `json:"available"`
	FutureTotal     int        `json:"future_total"`
	FutureBooked    int        `json:"future_booked"`
	FutureAvailable int        `json:"future_available"`
}

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no_show"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusScheduled, StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Terminal statuses admit no further transitions.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusNoShow
}

// Active appointments still occupy the doctor's calendar.
func (s AppointmentStatus) Active() bool {
	return s == StatusScheduled || s == StatusConfirmed
}

type AppointmentType string

const (
	TypeConsultation   AppointmentType = "consultation"
	TypeFollowUp       AppointmentType = "follow_up"
	TypeEmergency      AppointmentType = "emergency"
	TypeRoutineCheckup AppointmentType = "routine_checkup"
)

func (t AppointmentType) Valid() bool {
	switch t {
	case TypeConsultation, TypeFollowUp, TypeEmergency, TypeRoutineCheckup:
		return true
	}
	return false
}

const DefaultDurationMinutes = 30

type Appointment struct {
	ID              uuid.UUID         `json:"id"`
	PatientID       uuid.UUID         `json:"patient_id"`
	DoctorID        uuid.UUID         `json:"doctor_id"`
	SlotID          *uuid.UUID        `json:"slot_id,omitempty"`
	AppointmentDate time.Time         `json:"appointment_date"`
	DurationMinutes int               `json:"duration_minutes"`
	Status          AppointmentStatus `json:"status"`
	Type            AppointmentType   `json:"type"`
	Reason          string            `json:"reason"`
	Notes           *string           `json:"notes,omitempty"`
	Diagnosis       *string           `json:"diagnosis,omitempty"`
	Treatment       *string           `json:"treatment,omitempty"`
	CancelledAt     *time.Time        `json:"cancelled_at,omitempty"`
	CancelledBy     *string           `json:"cancelled_by,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`

	// Read-only, filled from the directory on reads.
	DoctorName  string `json:"doctor_name,omitempty"`
	PatientName string `json:"patient_name,omitempty"`
}

// EndTime is the appointment start plus its duration.
func (a *Appointment) EndTime() time.Time {
	return a.AppointmentDate.Add(time.Duration(a.DurationMinutes) * time.Minute)
}

func (a *Appointment) appendNote(note string) {
	if a.Notes == nil || *a.Notes == "" {
		a.Notes = &note
		return
	}
	joined := *a.Notes + "\n" + note
	a.Notes = &joined
}

// ListFilter narrows appointment queries. Nil pointers and empty values
// match everything.
type ListFilter struct {
	PatientID  *uuid.UUID
	DoctorID   *uuid.UUID
	Statuses   []AppointmentStatus
	Type       AppointmentType
	After      *time.Time
	Before     *time.Time
	Search     string
	Descending bool
}

// Stats summarizes the appointments visible to a caller.
type Stats struct {
	Total     int                       `json:"total"`
	Upcoming  int                       `json:"upcoming"`
	Completed int                       `json:"completed"`
	Cancelled int                       `json:"cancelled"`
	ByStatus  map[AppointmentStatus]int `json:"by_status"`
}

// NewStats folds per-status counts into a summary. upcoming is counted
// separately because it depends on the current time.
func NewStats(byStatus map[AppointmentStatus]int, upcoming int) *Stats {
	st := &Stats{ByStatus: byStatus, Upcoming: upcoming}
	if st.ByStatus == nil {
		st.ByStatus = map[AppointmentStatus]int{}
	}
	for _, n := range st.ByStatus {
		st.Total += n
	}
	st.Completed = st.ByStatus[StatusCompleted]
	st.Cancelled = st.ByStatus[StatusCancelled]
	return st
}

var transitions = map[AppointmentStatus][]AppointmentStatus{
	StatusScheduled: {StatusConfirmed, StatusCancelled, StatusCompleted, StatusNoShow},
	StatusConfirmed: {StatusCancelled, StatusCompleted, StatusNoShow},
}

// CheckTransition reports whether an appointment may move from one status
// to another. Repeating a status is a conflict; leaving a terminal status
// is an invalid transition.
func CheckTransition(from, to AppointmentStatus) error {
	if from == to {
		switch to {
		case StatusCancelled:
			return ErrAlreadyCancelled
		case StatusCompleted:
			return ErrAlreadyCompleted
		case StatusConfirmed:
			return ErrAlreadyConfirmed
		case StatusNoShow:
			return ErrAlreadyNoShow
		}
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}
