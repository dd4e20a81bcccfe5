package cohort

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLayoutConventions(t *testing.T) {
	layout := Layout{Root: "/data/cohort", PlanningDir: "PLAN"}
	u := Unit{Patient: "P1", Session: "F2"}

	assert.Equal(t, "/data/cohort/P1/F2/registered", layout.RegistrationPrefix(u))
	assert.Equal(t, "/data/cohort/P1/F2/registered1Warp.nii.gz", layout.Warp(u))
	assert.Equal(t, "/data/cohort/P1/F2/registered0GenericAffine.mat", layout.Affine(u))
	assert.Equal(t, "/data/cohort/P1/F2/jacobian.nii.gz", layout.Jacobian(u))
	assert.Equal(t, "/data/cohort/P1/F2/scan_transformed_to_PLAN.nii.gz", layout.Transformed(u, "scan.nii.gz"))
	assert.Equal(t, "/data/cohort/P1/PLAN/total_dose.nii.gz", layout.SummedDose("P1", "total_dose.nii.gz"))
	assert.Equal(t, "/data/cohort/P1/PLAN/scan.nii.gz", layout.PlanningArtifact("P1", "scan.nii.gz"))
}

func TestTransformedName(t *testing.T) {
	cases := map[string]string{
		"dose.nii.gz":        "dose_transformed_to_PLAN.nii.gz",
		"/abs/struct.nii.gz": "struct_transformed_to_PLAN.nii.gz",
		"scan.nii":           "scan.nii_transformed_to_PLAN.nii.gz",
		"multi.part.nii.gz":  "multi.part_transformed_to_PLAN.nii.gz",
	}
	for in, want := range cases {
		assert.Equal(t, want, TransformedName(in, "PLAN"), in)
	}
}

func TestLayoutPathsAreCollisionFree(t *testing.T) {
	layout := Layout{Root: "/r", PlanningDir: "PLAN"}
	units := []Unit{
		{Patient: "P1", Session: "F1"},
		{Patient: "P1", Session: "F2"},
		{Patient: "P2", Session: "F1"},
	}
	seen := make(map[string]Unit)
	for _, u := range units {
		for _, path := range []string{
			layout.Warp(u),
			layout.Affine(u),
			layout.Jacobian(u),
			layout.Transformed(u, "scan.nii.gz"),
			layout.Transformed(u, "dose.nii.gz"),
		} {
			if prev, ok := seen[path]; ok {
				t.Fatalf("%s resolved for both %s and %s", path, prev, u)
			}
			seen[path] = u
			assert.Equal(t, layout.Warp(u), layout.Warp(u), "resolution must be deterministic")
		}
	}
}
