package stages

import (
	"context"
	"path/filepath"

	"doseaccum/internal/batch"
	"doseaccum/internal/cohort"
	"doseaccum/internal/dicomio"
	"doseaccum/internal/fileutil"
	"doseaccum/internal/logging"
	"doseaccum/internal/volume"
)

// Convert turns every session under the DICOM root (planning included) into
// scan, dose and optionally struct artifacts under the cohort root. Each kind
// is skipped individually when its artifact exists.
func (d *Driver) Convert(ctx context.Context) (batch.Summary, []batch.Result, error) {
	enum, err := d.enumerator(d.cfg.Paths.DicomDir)
	if err != nil {
		return batch.Summary{}, nil, err
	}
	units, err := cohort.Collect(enum.Sessions())
	if err != nil {
		return batch.Summary{}, nil, err
	}
	layout := d.layout()
	tasks := make([]batch.Task, 0, len(units))
	for _, u := range units {
		outputs := []string{
			layout.Artifact(u, d.cfg.Convert.ScanFile),
			layout.Artifact(u, d.cfg.Convert.DoseFile),
		}
		if d.cfg.Convert.StructName != "" {
			outputs = append(outputs, layout.Artifact(u, d.cfg.Convert.StructFile))
		}
		tasks = append(tasks, batch.Task{
			Unit:   u,
			Inputs: []string{filepath.Join(enum.Root(), u.Patient, u.Session)},
			Output: outputs[0],
			Args:   outputs,
		})
	}
	return d.execute(ctx, stageRun{
		stage: StageConvert,
		root:  enum.Root(),
		tasks: tasks,
		fn:    d.convertUnit,
		skip:  allOutputsExist,
	})
}

func allOutputsExist(task batch.Task) bool {
	for _, path := range task.Args {
		if !fileutil.FileExists(path) {
			return false
		}
	}
	return len(task.Args) > 0
}

// convertUnit parses the session once and writes the missing artifacts in
// scan, dose, struct order. The first failure aborts the unit.
func (d *Driver) convertUnit(ctx context.Context, task batch.Task) error {
	session, err := d.loader.LoadSession(ctx, task.Inputs[0])
	if err != nil {
		return err
	}
	if err := ensureDir(filepath.Dir(task.Output)); err != nil {
		return err
	}
	builders := []func(*dicomio.Session) (*volume.Volume, error){
		(*dicomio.Session).Scan,
		(*dicomio.Session).Dose,
		func(s *dicomio.Session) (*volume.Volume, error) { return s.Struct(d.cfg.Convert.StructName) },
	}
	logger := logging.WithContext(ctx, d.logger)
	for i, path := range task.Args {
		if fileutil.FileExists(path) {
			logger.Debug("artifact exists", logging.String("path", path))
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		vol, err := builders[i](session)
		if err != nil {
			return err
		}
		if err := volume.WriteFile(path, vol); err != nil {
			return err
		}
		logger.Info("artifact written",
			logging.String("path", path),
			logging.String("kind", vol.Kind().String()),
			logging.String("shape", vol.Shape().String()),
		)
	}
	return nil
}
