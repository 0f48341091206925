package auth

import (
	"context"

	"github.com/google/uuid"
)

// Role is the caller's single application role.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RolePatient, RoleDoctor, RoleAdmin:
		return true
	}
	return false
}

// Identity is the authenticated caller. PatientID is set for patients and
// DoctorID for doctors; admins carry neither.
type Identity struct {
	UserID    string
	Role      Role
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// IsPatient reports whether the identity is the patient with the given id.
func (i Identity) IsPatient(id uuid.UUID) bool {
	return i.Role == RolePatient && i.PatientID != nil && *i.PatientID == id
}

// IsDoctor reports whether the identity is the doctor with the given id.
func (i Identity) IsDoctor(id uuid.UUID) bool {
	return i.Role == RoleDoctor && i.DoctorID != nil && *i.DoctorID == id
}

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the identity placed by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
