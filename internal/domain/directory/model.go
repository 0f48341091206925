// Package directory resolves doctors and patients owned by the hospital
// registration system. Scheduling only reads these records.
package directory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/careline/careline/internal/platform/apperr"
)

var (
	ErrDoctorNotFound  = fmt.Errorf("doctor not found: %w", apperr.ErrNotFound)
	ErrPatientNotFound = fmt.Errorf("patient not found: %w", apperr.ErrNotFound)
)

type Doctor struct {
	ID             uuid.UUID `json:"id"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Specialization string    `json:"specialization,omitempty"`
	Department     string    `json:"department,omitempty"`
	IsActive       bool      `json:"is_active"`
}

// DisplayName is the name used in notification text, without the title.
func (d *Doctor) DisplayName() string {
	return strings.TrimSpace(d.FirstName + " " + d.LastName)
}

type Patient struct {
	ID        uuid.UUID `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
}

type DoctorDirectory interface {
	GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error)
	ListActiveDoctors(ctx context.Context) ([]Doctor, error)
}

type PatientDirectory interface {
	GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error)
}
