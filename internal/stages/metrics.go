package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"sync"

	"doseaccum/internal/batch"
	"doseaccum/internal/cohort"
	"doseaccum/internal/logging"
	"doseaccum/internal/metrics"
	"doseaccum/internal/services"
	"doseaccum/internal/volume"
)

// Metrics compares each fraction's transformed struct against the planning
// struct and writes an overlap CSV. The CSV path is the skip key for the whole
// stage: when it exists no unit runs. The CSV is only written when every unit
// succeeded, so a rerun after fixing a failed unit recomputes the whole report.
func (d *Driver) Metrics(ctx context.Context, fixedStruct, transformedStruct, csvPath string) (batch.Summary, []batch.Result, error) {
	if err := validateArtifactName("fixed struct", fixedStruct); err != nil {
		return batch.Summary{}, nil, err
	}
	if err := validateArtifactName("transformed struct", transformedStruct); err != nil {
		return batch.Summary{}, nil, err
	}
	layout := d.layout()
	threshold := d.cfg.Metrics.Threshold
	fixed := newPatientCache(func(patient string) (*volume.Volume, error) {
		return loadFixedMask(layout.PlanningArtifact(patient, fixedStruct), threshold, fixedStruct)
	})
	values := newUnitValues[metrics.Overlap]()

	summary, results, err := d.reportStage(ctx, StageMetrics, csvPath, func(u cohort.Unit) []string {
		return []string{layout.PlanningArtifact(u.Patient, fixedStruct), layout.Artifact(u, transformedStruct)}
	}, func(ctx context.Context, task batch.Task) error {
		if err := requireFiles(StageMetrics, task.Inputs...); err != nil {
			return err
		}
		ref, err := fixed.get(task.Unit.Patient)
		if err != nil {
			return err
		}
		moved, err := volume.ReadFile(task.Inputs[1])
		if err != nil {
			return err
		}
		mask := moved.Threshold(threshold, transformedStruct)
		if err := mask.CheckBinary(); err != nil {
			return err
		}
		overlap, err := metrics.ComputeOverlap(mask, ref)
		if err != nil {
			return err
		}
		values.set(task.Unit, overlap)
		logging.WithContext(ctx, d.logger).Info("overlap computed",
			logging.Float64("dice", overlap.Dice),
			logging.Float64("hd95", overlap.HD95),
			logging.Float64("precision", overlap.Precision),
			logging.Float64("recall", overlap.Recall),
		)
		return nil
	})
	if err != nil || skippedAll(results) || d.withholdReport(StageMetrics, csvPath, summary) {
		return summary, results, err
	}

	report := metrics.NewOverlapReport()
	for _, res := range succeeded(results) {
		report.AddOverlap(res.Task.Unit.Patient, res.Task.Unit.Session, values.get(res.Task.Unit))
	}
	return summary, results, d.writeReport(report, csvPath)
}

// MutualInfo computes mutual information (bits) between the planning scan and
// each fraction's transformed scan and writes a CSV. Skip semantics match
// Metrics.
func (d *Driver) MutualInfo(ctx context.Context, fixedScan, transformedScan, csvPath string) (batch.Summary, []batch.Result, error) {
	if err := validateArtifactName("fixed scan", fixedScan); err != nil {
		return batch.Summary{}, nil, err
	}
	if err := validateArtifactName("transformed scan", transformedScan); err != nil {
		return batch.Summary{}, nil, err
	}
	layout := d.layout()
	bins := d.cfg.Metrics.MIBins
	fixed := newPatientCache(func(patient string) (*volume.Volume, error) {
		path := layout.PlanningArtifact(patient, fixedScan)
		if err := requireFiles(StageMutualInfo, path); err != nil {
			return nil, err
		}
		return volume.ReadFile(path)
	})
	values := newUnitValues[float64]()

	summary, results, err := d.reportStage(ctx, StageMutualInfo, csvPath, func(u cohort.Unit) []string {
		return []string{layout.PlanningArtifact(u.Patient, fixedScan), layout.Artifact(u, transformedScan)}
	}, func(ctx context.Context, task batch.Task) error {
		if err := requireFiles(StageMutualInfo, task.Inputs...); err != nil {
			return err
		}
		ref, err := fixed.get(task.Unit.Patient)
		if err != nil {
			return err
		}
		moved, err := volume.ReadFile(task.Inputs[1])
		if err != nil {
			return err
		}
		mi, err := metrics.MutualInformation(ref, moved, bins)
		if err != nil {
			return err
		}
		values.set(task.Unit, mi)
		logging.WithContext(ctx, d.logger).Info("mutual information computed", logging.Float64("bits", mi))
		return nil
	})
	if err != nil || skippedAll(results) || d.withholdReport(StageMutualInfo, csvPath, summary) {
		return summary, results, err
	}

	report := metrics.NewMutualInfoReport()
	for _, res := range succeeded(results) {
		report.AddMutualInfo(res.Task.Unit.Patient, res.Task.Unit.Session, values.get(res.Task.Unit))
	}
	return summary, results, d.writeReport(report, csvPath)
}

// reportStage runs one task per fraction, all sharing the report path as
// their output.
func (d *Driver) reportStage(ctx context.Context, stage, csvPath string, inputs func(cohort.Unit) []string, fn batch.Func) (batch.Summary, []batch.Result, error) {
	if csvPath == "" {
		return batch.Summary{}, nil, services.Wrap(services.ErrConfiguration, stage, "", "output csv path is required", nil)
	}
	units, err := d.fractions()
	if err != nil {
		return batch.Summary{}, nil, err
	}
	tasks := make([]batch.Task, 0, len(units))
	for _, u := range units {
		tasks = append(tasks, batch.Task{Unit: u, Inputs: inputs(u), Output: csvPath})
	}
	return d.execute(ctx, stageRun{
		stage: stage,
		root:  d.cfg.Paths.CohortDir,
		tasks: tasks,
		fn:    fn,
		skip:  batch.OutputExists,
	})
}

// withholdReport reports whether the CSV must not be written because some
// units failed. A written CSV would skip them on every later run.
func (d *Driver) withholdReport(stage, csvPath string, summary batch.Summary) bool {
	if summary.Failed == 0 {
		return false
	}
	d.logger.Warn("report not written while units are failing",
		logging.String("stage", stage),
		logging.String("path", csvPath),
		logging.Int("failed", summary.Failed),
	)
	return true
}

func (d *Driver) writeReport(report *metrics.Report, path string) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	if err := report.WriteFile(path); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	d.logger.Info("report written", logging.String("path", path), logging.Int("rows", report.Len()))
	return nil
}

// loadFixedMask reads the planning struct, requires it to span exactly
// [0, 1] and thresholds it.
func loadFixedMask(path string, threshold float64, label string) (*volume.Volume, error) {
	if err := requireFiles(StageMetrics, path); err != nil {
		return nil, err
	}
	vol, err := volume.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data := vol.Data()
	if len(data) == 0 {
		return nil, services.Wrap(services.ErrShapeOrValue, StageMetrics, "fixed struct", path+" is empty", nil)
	}
	lo, hi := slices.Min(data), slices.Max(data)
	if lo != 0 || hi != 1 {
		return nil, services.Wrap(services.ErrShapeOrValue, StageMetrics, "fixed struct",
			fmt.Sprintf("%s spans [%g, %g], want [0, 1]", path, lo, hi), nil)
	}
	return vol.Threshold(threshold, label), nil
}

// patientCache loads a per-patient value at most once, even when several
// fractions of the same patient run concurrently.
type patientCache struct {
	load    func(string) (*volume.Volume, error)
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	once sync.Once
	vol  *volume.Volume
	err  error
}

func newPatientCache(load func(string) (*volume.Volume, error)) *patientCache {
	return &patientCache{load: load, entries: make(map[string]*cacheEntry)}
}

func (c *patientCache) get(patient string) (*volume.Volume, error) {
	c.mu.Lock()
	entry, ok := c.entries[patient]
	if !ok {
		entry = &cacheEntry{}
		c.entries[patient] = entry
	}
	c.mu.Unlock()
	entry.once.Do(func() { entry.vol, entry.err = c.load(patient) })
	return entry.vol, entry.err
}

type unitValues[T any] struct {
	mu     sync.Mutex
	values map[cohort.Unit]T
}

func newUnitValues[T any]() *unitValues[T] {
	return &unitValues[T]{values: make(map[cohort.Unit]T)}
}

func (v *unitValues[T]) set(u cohort.Unit, value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.values[u] = value
}

func (v *unitValues[T]) get(u cohort.Unit) T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.values[u]
}

func succeeded(results []batch.Result) []batch.Result {
	var out []batch.Result
	for _, res := range results {
		if res.Status == services.OutcomeSucceeded {
			out = append(out, res)
		}
	}
	return out
}

func skippedAll(results []batch.Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, res := range results {
		if res.Status != services.OutcomeSkipped {
			return false
		}
	}
	return true
}
