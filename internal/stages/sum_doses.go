package stages

import (
	"context"

	"doseaccum/internal/batch"
	"doseaccum/internal/cohort"
	"doseaccum/internal/logging"
	"doseaccum/internal/volume"
)

// SumDoses adds the planning dose and every fraction's transformed dose of a
// patient and writes the result into the planning session as outputName. The
// unit of work is the patient.
func (d *Driver) SumDoses(ctx context.Context, planDose, transformedDose, outputName string) (batch.Summary, []batch.Result, error) {
	for _, arg := range []struct{ flag, name string }{
		{"plan dose", planDose},
		{"transformed dose", transformedDose},
		{"output name", outputName},
	} {
		if err := validateArtifactName(arg.flag, arg.name); err != nil {
			return batch.Summary{}, nil, err
		}
	}
	enum, err := d.enumerator(d.cfg.Paths.CohortDir)
	if err != nil {
		return batch.Summary{}, nil, err
	}
	patients, err := cohort.Collect(enum.Patients())
	if err != nil {
		return batch.Summary{}, nil, err
	}
	fractions, err := cohort.Collect(enum.Fractions())
	if err != nil {
		return batch.Summary{}, nil, err
	}

	layout := d.layout()
	byPatient := make(map[string][]string, len(patients))
	for _, u := range fractions {
		byPatient[u.Patient] = append(byPatient[u.Patient], layout.Artifact(u, transformedDose))
	}
	tasks := make([]batch.Task, 0, len(patients))
	for _, patient := range patients {
		inputs := append([]string{layout.PlanningArtifact(patient, planDose)}, byPatient[patient]...)
		tasks = append(tasks, batch.Task{
			Unit:   cohort.Unit{Patient: patient, Session: d.cfg.Cohort.PlanningDir, Planning: true},
			Inputs: inputs,
			Output: layout.SummedDose(patient, outputName),
		})
	}
	return d.execute(ctx, stageRun{
		stage: StageSumDoses,
		root:  enum.Root(),
		tasks: tasks,
		fn:    d.sumDosesUnit,
		skip:  batch.OutputExists,
	})
}

func (d *Driver) sumDosesUnit(ctx context.Context, task batch.Task) error {
	if err := requireFiles(StageSumDoses, task.Inputs...); err != nil {
		return err
	}
	doses := make([]*volume.Volume, 0, len(task.Inputs))
	for _, path := range task.Inputs {
		if err := ctx.Err(); err != nil {
			return err
		}
		vol, err := volume.ReadFile(path)
		if err != nil {
			return err
		}
		doses = append(doses, vol.AsDose())
	}
	total, err := volume.SumDoses(doses...)
	if err != nil {
		return err
	}
	if err := volume.WriteFile(task.Output, total); err != nil {
		return err
	}
	logging.WithContext(ctx, d.logger).Info("summed dose written",
		logging.String("path", task.Output),
		logging.Int("fractions", len(task.Inputs)-1),
		logging.Float64("total", total.Sum()),
	)
	return nil
}
