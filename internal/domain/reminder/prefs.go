package reminder

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/careline/careline/internal/domain/directory"
)

// PreferenceGate answers whether a patient wants a given notification.
type PreferenceGate struct {
	settings SettingsRepository
	patients directory.PatientDirectory
}

func NewPreferenceGate(settings SettingsRepository, patients directory.PatientDirectory) *PreferenceGate {
	return &PreferenceGate{settings: settings, patients: patients}
}

// GetOrCreate returns the patient's settings, creating defaults on first use.
func (g *PreferenceGate) GetOrCreate(ctx context.Context, patientID uuid.UUID) (*Setting, error) {
	if _, err := g.patients.GetPatient(ctx, patientID); err != nil {
		return nil, err
	}
	return g.settings.GetOrCreate(ctx, patientID)
}

// CanNotify requires both the master switch and the category flag. A
// patient without a settings row has not opted in.
func (g *PreferenceGate) CanNotify(ctx context.Context, patientID uuid.UUID, t Type) (bool, error) {
	s, err := g.settings.Get(ctx, patientID)
	if errors.Is(err, ErrSettingNotFound) {
		d := DefaultSetting(patientID)
		return d.Allows(t), nil
	}
	if err != nil {
		return false, err
	}
	return s.Allows(t), nil
}

func (g *PreferenceGate) Update(ctx context.Context, patientID uuid.UUID, patch SettingPatch) (*Setting, error) {
	s, err := g.GetOrCreate(ctx, patientID)
	if err != nil {
		return nil, err
	}
	patch.apply(s)
	if err := g.settings.Save(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// ToggleMaster flips only the master switch.
func (g *PreferenceGate) ToggleMaster(ctx context.Context, patientID uuid.UUID, enabled bool) (*Setting, error) {
	return g.Update(ctx, patientID, SettingPatch{NotificationsEnabled: &enabled})
}
