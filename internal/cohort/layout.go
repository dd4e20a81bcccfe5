package cohort

import (
	"path/filepath"
	"strings"
)

const (
	registrationPrefix = "registered"
	warpSuffix         = "1Warp.nii.gz"
	affineSuffix       = "0GenericAffine.mat"
	jacobianFile       = "jacobian.nii.gz"
	niftiGzExt         = ".nii.gz"
	transformedInfix   = "_transformed_to_"
)

// Layout resolves artifact paths. Every path is a pure function of its
// arguments, and fraction artifacts always live inside their own fraction
// directory, so concurrent units never share an output path.
type Layout struct {
	Root        string
	PlanningDir string
}

// PatientDir returns root/<patient>.
func (l Layout) PatientDir(patient string) string {
	return filepath.Join(l.Root, patient)
}

// SessionDir returns root/<patient>/<session>.
func (l Layout) SessionDir(patient, session string) string {
	return filepath.Join(l.Root, patient, session)
}

// PlanningSessionDir returns root/<patient>/<planning dir>.
func (l Layout) PlanningSessionDir(patient string) string {
	return l.SessionDir(patient, l.PlanningDir)
}

// UnitDir returns the directory of u.
func (l Layout) UnitDir(u Unit) string {
	return l.SessionDir(u.Patient, u.Session)
}

// Artifact returns a named file inside the session directory of u.
func (l Layout) Artifact(u Unit, name string) string {
	return filepath.Join(l.UnitDir(u), name)
}

// PlanningArtifact returns a named file inside the planning session of patient.
func (l Layout) PlanningArtifact(patient, name string) string {
	return filepath.Join(l.PlanningSessionDir(patient), name)
}

// RegistrationPrefix is the output prefix handed to the registration tool.
func (l Layout) RegistrationPrefix(u Unit) string {
	return filepath.Join(l.UnitDir(u), registrationPrefix)
}

// Warp returns the deformable warp field written by registration.
func (l Layout) Warp(u Unit) string {
	return l.RegistrationPrefix(u) + warpSuffix
}

// Affine returns the affine transform written by registration.
func (l Layout) Affine(u Unit) string {
	return l.RegistrationPrefix(u) + affineSuffix
}

// Jacobian returns the Jacobian determinant image of u's warp.
func (l Layout) Jacobian(u Unit) string {
	return filepath.Join(l.UnitDir(u), jacobianFile)
}

// Transformed returns where the moving image name, resampled into planning
// space, is written for u.
func (l Layout) Transformed(u Unit, moving string) string {
	return filepath.Join(l.UnitDir(u), TransformedName(moving, l.PlanningDir))
}

// SummedDose returns the accumulated dose file in the planning session.
func (l Layout) SummedDose(patient, name string) string {
	return l.PlanningArtifact(patient, name)
}

// TransformedName derives "<stem>_transformed_to_<planning>.nii.gz" from a
// moving image file name.
func TransformedName(moving, planningDir string) string {
	stem := strings.TrimSuffix(filepath.Base(moving), niftiGzExt)
	return stem + transformedInfix + planningDir + niftiGzExt
}
