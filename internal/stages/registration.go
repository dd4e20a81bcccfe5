package stages

import (
	"context"

	"doseaccum/internal/batch"
	"doseaccum/internal/cohort"
)

// Register deformably registers each fraction's scan (moving) onto its
// patient's planning scan (fixed). The warp field is the skip key.
func (d *Driver) Register(ctx context.Context) (batch.Summary, []batch.Result, error) {
	layout := d.layout()
	scan := d.cfg.Convert.ScanFile
	return d.fractionStage(ctx, StageRegister, func(u cohort.Unit) batch.Task {
		return batch.Task{
			Unit: u,
			Inputs: []string{
				layout.PlanningArtifact(u.Patient, scan),
				layout.Artifact(u, scan),
			},
			Output: layout.Warp(u),
			Args:   []string{layout.RegistrationPrefix(u), layout.Affine(u)},
		}
	}, func(ctx context.Context, task batch.Task) error {
		if err := requireFiles(StageRegister, task.Inputs...); err != nil {
			return err
		}
		return d.tools.Register(ctx, task.Inputs[0], task.Inputs[1], task.Args[0], task.Output, task.Args[1])
	})
}

// Transform warps each fraction's moving artifact into the planning frame,
// using fixed from the planning session as the reference grid.
func (d *Driver) Transform(ctx context.Context, moving, fixed string) (batch.Summary, []batch.Result, error) {
	if err := validateArtifactName("moving", moving); err != nil {
		return batch.Summary{}, nil, err
	}
	if err := validateArtifactName("fixed", fixed); err != nil {
		return batch.Summary{}, nil, err
	}
	layout := d.layout()
	return d.fractionStage(ctx, StageTransform, func(u cohort.Unit) batch.Task {
		return batch.Task{
			Unit: u,
			Inputs: []string{
				layout.Artifact(u, moving),
				layout.PlanningArtifact(u.Patient, fixed),
				layout.Warp(u),
				layout.Affine(u),
			},
			Output: layout.Transformed(u, moving),
		}
	}, func(ctx context.Context, task batch.Task) error {
		if err := requireFiles(StageTransform, task.Inputs...); err != nil {
			return err
		}
		in := task.Inputs
		return d.tools.ApplyTransforms(ctx, in[0], in[1], in[2], in[3], task.Output)
	})
}

// Jacobian computes the determinant image of each fraction's warp field.
func (d *Driver) Jacobian(ctx context.Context) (batch.Summary, []batch.Result, error) {
	layout := d.layout()
	return d.fractionStage(ctx, StageJacobian, func(u cohort.Unit) batch.Task {
		return batch.Task{
			Unit:   u,
			Inputs: []string{layout.Warp(u)},
			Output: layout.Jacobian(u),
		}
	}, func(ctx context.Context, task batch.Task) error {
		if err := requireFiles(StageJacobian, task.Inputs...); err != nil {
			return err
		}
		return d.tools.Jacobian(ctx, task.Inputs[0], task.Output)
	})
}

// fractionStage runs fn over one task per fraction with the output-exists
// skip policy.
func (d *Driver) fractionStage(ctx context.Context, stage string, plan func(cohort.Unit) batch.Task, fn batch.Func) (batch.Summary, []batch.Result, error) {
	units, err := d.fractions()
	if err != nil {
		return batch.Summary{}, nil, err
	}
	tasks := make([]batch.Task, 0, len(units))
	for _, u := range units {
		tasks = append(tasks, plan(u))
	}
	return d.execute(ctx, stageRun{
		stage: stage,
		root:  d.cfg.Paths.CohortDir,
		tasks: tasks,
		fn:    fn,
		skip:  batch.OutputExists,
	})
}
