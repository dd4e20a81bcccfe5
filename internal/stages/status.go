package stages

import (
	"context"

	"doseaccum/internal/cohort"
	"doseaccum/internal/fileutil"
)

// ArtifactStatus records which pipeline artifacts exist for one session.
type ArtifactStatus struct {
	Unit     cohort.Unit
	Scan     bool
	Dose     bool
	Struct   bool
	Warp     bool
	Jacobian bool
}

// Status walks every session of the cohort root, planning included, and
// reports artifact presence. Registration artifacts are never expected in
// the planning session.
func (d *Driver) Status(ctx context.Context) ([]ArtifactStatus, error) {
	enum, err := d.enumerator(d.cfg.Paths.CohortDir)
	if err != nil {
		return nil, err
	}
	layout := d.layout()
	var out []ArtifactStatus
	for u, err := range enum.Sessions() {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		st := ArtifactStatus{
			Unit:   u,
			Scan:   fileutil.FileExists(layout.Artifact(u, d.cfg.Convert.ScanFile)),
			Dose:   fileutil.FileExists(layout.Artifact(u, d.cfg.Convert.DoseFile)),
			Struct: fileutil.FileExists(layout.Artifact(u, d.cfg.Convert.StructFile)),
		}
		if !u.Planning {
			st.Warp = fileutil.FileExists(layout.Warp(u))
			st.Jacobian = fileutil.FileExists(layout.Jacobian(u))
		}
		out = append(out, st)
	}
	return out, nil
}
