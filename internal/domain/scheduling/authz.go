package scheduling

import (
	"github.com/google/uuid"

	"github.com/careline/careline/internal/platform/auth"
)

// Capability is what a caller wants to do with an appointment.
type Capability string

const (
	CapRead Capability = "read"
	// CapModify covers update, cancel and reschedule.
	CapModify Capability = "modify"
	// CapClinical covers confirm, complete and no-show.
	CapClinical Capability = "clinical"
)

// Authorize is the single access rule for existing appointments. Admins may
// do anything; patients may read and modify their own appointments; doctors
// may do anything with appointments they attend.
func Authorize(id auth.Identity, want Capability, a *Appointment) error {
	switch {
	case id.IsAdmin():
		return nil
	case id.IsDoctor(a.DoctorID):
		return nil
	case id.IsPatient(a.PatientID) && want != CapClinical:
		return nil
	}
	return ErrForbidden
}

// AuthorizeCreate resolves and checks the parties of a new appointment.
// Patients always book for themselves, so a patient caller's own id replaces
// whatever was supplied.
func AuthorizeCreate(id auth.Identity, doctorID uuid.UUID, patientID uuid.UUID) (uuid.UUID, error) {
	switch id.Role {
	case auth.RolePatient:
		if id.PatientID == nil {
			return uuid.Nil, ErrForbidden
		}
		return *id.PatientID, nil
	case auth.RoleDoctor:
		if !id.IsDoctor(doctorID) {
			return uuid.Nil, ErrForbidden
		}
	case auth.RoleAdmin:
	default:
		return uuid.Nil, ErrForbidden
	}
	if patientID == uuid.Nil {
		return uuid.Nil, invalidInput("patient_id is required")
	}
	return patientID, nil
}

// AuthorizeSlot allows admins and the owning doctor to manage a slot.
func AuthorizeSlot(id auth.Identity, doctorID uuid.UUID) error {
	if id.IsAdmin() || id.IsDoctor(doctorID) {
		return nil
	}
	return ErrForbidden
}

// Scope restricts a filter to what the caller may see.
func Scope(id auth.Identity, f ListFilter) (ListFilter, error) {
	switch id.Role {
	case auth.RoleAdmin:
	case auth.RolePatient:
		if id.PatientID == nil {
			return f, ErrForbidden
		}
		f.PatientID = id.PatientID
	case auth.RoleDoctor:
		if id.DoctorID == nil {
			return f, ErrForbidden
		}
		f.DoctorID = id.DoctorID
	default:
		return f, ErrForbidden
	}
	return f, nil
}
