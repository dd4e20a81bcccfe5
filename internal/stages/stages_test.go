package stages_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doseaccum/internal/ants"
	"doseaccum/internal/batch"
	"doseaccum/internal/config"
	"doseaccum/internal/dicomio"
	"doseaccum/internal/fileutil"
	"doseaccum/internal/services"
	"doseaccum/internal/stages"
	"doseaccum/internal/testsupport"
	"doseaccum/internal/volume"
)

type call struct {
	op   string
	args []string
}

// fakeTools records invocations and touches every output it is asked for.
type fakeTools struct {
	mu    sync.Mutex
	calls []call
	fail  error
}

func (f *fakeTools) record(op string, outputs []string, args ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{op: op, args: args})
	f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	for _, out := range outputs {
		if err := os.WriteFile(out, []byte(op), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTools) Register(_ context.Context, fixed, moving, prefix string, outputs ...string) error {
	return f.record("register", outputs, fixed, moving, prefix)
}

func (f *fakeTools) ApplyTransforms(_ context.Context, moving, fixed, warp, affine, out string) error {
	return f.record("apply", []string{out}, moving, fixed, warp, affine, out)
}

func (f *fakeTools) Jacobian(_ context.Context, warp, out string) error {
	return f.record("jacobian", []string{out}, warp, out)
}

func (f *fakeTools) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeReader serves datasets keyed by file name.
type fakeReader map[string]*dicomio.Dataset

func (f fakeReader) Read(path string) (*dicomio.Dataset, error) {
	ds, ok := f[filepath.Base(path)]
	if !ok {
		return nil, errors.New("not a DICOM file")
	}
	clone := *ds
	clone.Path = path
	return &clone, nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	summaries []batch.Summary
}

func (f *fakeNotifier) NotifyStageCompleted(_ context.Context, summary batch.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeNotifier) TestNotification(context.Context) error { return nil }

func newDriver(t *testing.T, cfg *config.Config, opts ...stages.Option) *stages.Driver {
	t.Helper()
	d, err := stages.New(cfg, opts...)
	require.NoError(t, err)
	return d
}

func fractionCohort(t *testing.T, cfg *config.Config) {
	t.Helper()
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{
		"P1": {"PLAN", "F1", "F2"},
		"P2": {"PLAN", "F1"},
	})
}

func unitsOf(results []batch.Result) []string {
	out := make([]string, 0, len(results))
	for _, res := range results {
		out = append(out, res.Task.Unit.String())
	}
	return out
}

func filled(n int, v float64) []float64 {
	data := make([]float64, n)
	for i := range data {
		data[i] = v
	}
	return data
}

func TestRegisterRunsEachFractionOnce(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fractionCohort(t, cfg)
	for _, s := range []string{"P1/PLAN", "P1/F1", "P1/F2", "P2/PLAN", "P2/F1"} {
		testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, s, "scan.nii.gz"), []byte("scan"))
	}
	tools := &fakeTools{}
	d := newDriver(t, cfg, stages.WithTools(tools))

	summary, results, err := d.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P1/F1", "P1/F2", "P2/F1"}, unitsOf(results))
	assert.Equal(t, 3, summary.Succeeded)
	require.Equal(t, 3, tools.count())
	assert.Equal(t, []string{
		filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "scan.nii.gz"),
		filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "scan.nii.gz"),
		filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "registered"),
	}, tools.calls[0].args)
	warp := filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "registered1Warp.nii.gz")
	before := testsupport.ReadFile(t, warp)

	summary, _, err = d.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, 3, tools.count(), "second run must schedule no work")
	assert.Equal(t, before, testsupport.ReadFile(t, warp))
}

func TestRegisterMissingScanFailsOnlyThatUnit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fractionCohort(t, cfg)
	for _, s := range []string{"P1/PLAN", "P1/F1", "P2/PLAN", "P2/F1"} {
		testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, s, "scan.nii.gz"), []byte("scan"))
	}
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}))

	summary, results, err := d.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, "P1/F2", summary.Failures[0].Task.Unit.String())
	assert.Equal(t, services.OutcomeMissingInput, results[1].Status)
	assert.ErrorIs(t, results[1].Err, services.ErrMissingInput)
	assert.Error(t, summary.Err())
}

func TestRegisterToolFailureIsCollected(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1"}})
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "scan.nii.gz"), []byte("scan"))
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "scan.nii.gz"), []byte("scan"))
	tools := &fakeTools{fail: services.Wrap(services.ErrExternalTool, "register", "", "exit 1", nil)}
	d := newDriver(t, cfg, stages.WithTools(tools))

	summary, results, err := d.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, services.OutcomeExternalTool, results[0].Status)
}

// crashingRegistration writes the warp field of its first run and then exits
// non-zero; later runs write every registration output.
type crashingRegistration struct {
	mu   sync.Mutex
	runs int
}

func (c *crashingRegistration) Run(_ context.Context, cmd ants.Command, _ func(string)) error {
	c.mu.Lock()
	c.runs++
	first := c.runs == 1
	c.mu.Unlock()
	prefix := cmd.Args[len(cmd.Args)-1]
	if err := os.WriteFile(prefix+"1Warp.nii.gz", []byte("warp"), 0o644); err != nil {
		return err
	}
	if first {
		return &ants.ToolError{Binary: cmd.Binary, Args: cmd.Args, ExitCode: 1, Stderr: "Segmentation fault"}
	}
	return os.WriteFile(prefix+"0GenericAffine.mat", []byte("affine"), 0o644)
}

func TestRegisterRerunsUnitAfterToolCrash(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1"}})
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "scan.nii.gz"), []byte("scan"))
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "scan.nii.gz"), []byte("scan"))
	exec := &crashingRegistration{}
	client, err := ants.New(ants.Binaries{
		Registration:    "antsRegistrationSyN.sh",
		ApplyTransforms: "antsApplyTransforms",
		Jacobian:        "CreateJacobianDeterminantImage",
	}, 1, 0, ants.WithExecutor(exec))
	require.NoError(t, err)
	d := newDriver(t, cfg, stages.WithTools(client))
	warp := filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "registered1Warp.nii.gz")

	summary, _, err := d.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.NoFileExists(t, warp)

	summary, _, err = d.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 2, exec.runs)
	assert.FileExists(t, warp)
}

func TestStageCompletionIsNotified(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1"}})
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "scan.nii.gz"), []byte("scan"))
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "scan.nii.gz"), []byte("scan"))
	notifier := &fakeNotifier{}
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}), stages.WithNotifier(notifier))

	_, _, err := d.Register(context.Background())
	require.NoError(t, err)
	require.Len(t, notifier.summaries, 1)
	assert.Equal(t, stages.StageRegister, notifier.summaries[0].Stage)
	assert.Equal(t, 1, notifier.summaries[0].Succeeded)
}

func TestTransformAndJacobianResolvePaths(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1"}})
	unit := filepath.Join(cfg.Paths.CohortDir, "P1", "F1")
	plan := filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN")
	for _, path := range []string{
		filepath.Join(unit, "dose.nii.gz"),
		filepath.Join(plan, "scan.nii.gz"),
		filepath.Join(unit, "registered1Warp.nii.gz"),
		filepath.Join(unit, "registered0GenericAffine.mat"),
	} {
		testsupport.WriteFile(t, path, []byte("x"))
	}
	tools := &fakeTools{}
	d := newDriver(t, cfg, stages.WithTools(tools))

	summary, _, err := d.Transform(context.Background(), "dose.nii.gz", "scan.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	out := filepath.Join(unit, "dose_transformed_to_PLAN.nii.gz")
	assert.Equal(t, []string{
		filepath.Join(unit, "dose.nii.gz"),
		filepath.Join(plan, "scan.nii.gz"),
		filepath.Join(unit, "registered1Warp.nii.gz"),
		filepath.Join(unit, "registered0GenericAffine.mat"),
		out,
	}, tools.calls[0].args)
	assert.True(t, fileutil.FileExists(out))

	summary, _, err = d.Jacobian(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.True(t, fileutil.FileExists(filepath.Join(unit, "jacobian.nii.gz")))

	_, _, err = d.Transform(context.Background(), "../dose.nii.gz", "scan.nii.gz")
	assert.ErrorIs(t, err, services.ErrConfiguration)
}

func TestConvertWritesArtifactsAndSkipsOnRerun(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStructName("CTV"))
	testsupport.MakeCohort(t, cfg.Paths.DicomDir, map[string][]string{"P1": {"PLAN", "F1"}})
	dose := &dicomio.Dataset{
		SOPClassUID:     dicomio.SOPClassRTDose,
		Rows:            2,
		Columns:         5,
		Frames:          [][]float64{filled(10, 5), filled(10, 5)},
		DoseGridScaling: 2.0,
		HasDoseScaling:  true,
	}
	slice := func(z float64) *dicomio.Dataset {
		return &dicomio.Dataset{
			SOPClassUID:   dicomio.SOPClassCTImage,
			Rows:          4,
			Columns:       4,
			Frames:        [][]float64{filled(16, z)},
			ImagePosition: []float64{0, 0, z},
			PixelSpacing:  []float64{1, 1},
		}
	}
	rs := &dicomio.Dataset{
		SOPClassUID: dicomio.SOPClassRTStructure,
		ROIs: []dicomio.ROI{{Number: 1, Name: "CTV", Contours: []dicomio.Contour{{
			Points: [][3]float64{{0.5, 0.5, 0}, {2.5, 0.5, 0}, {2.5, 2.5, 0}, {0.5, 2.5, 0}},
		}}}},
	}
	reader := fakeReader{"ct0.dcm": slice(0), "ct1.dcm": slice(1), "rd.dcm": dose, "rs.dcm": rs}
	for _, s := range []string{"PLAN", "F1"} {
		for name := range reader {
			testsupport.WriteFile(t, filepath.Join(cfg.Paths.DicomDir, "P1", s, name), []byte("dicm"))
		}
	}
	d := newDriver(t, cfg, stages.WithLoader(dicomio.NewLoader(reader, nil)), stages.WithTools(&fakeTools{}))

	summary, results, err := d.Convert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"P1/F1", "P1/PLAN"}, unitsOf(results))
	assert.Equal(t, 2, summary.Succeeded, "%v", summary.Failures)

	doseOut := filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "dose.nii.gz")
	vol, err := volume.ReadFile(doseOut)
	require.NoError(t, err)
	assert.Equal(t, volume.Shape{Depth: 2, Height: 2, Width: 5}, vol.Shape())
	assert.InDelta(t, 200.0, vol.Sum(), 1e-9)

	scan, err := volume.ReadFile(filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "scan.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, volume.Shape{Depth: 2, Height: 4, Width: 4}, scan.Shape())

	mask, err := volume.ReadFile(filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "struct.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, 4, mask.CountNonZero())

	before := testsupport.ReadFile(t, doseOut)
	summary, _, err = d.Convert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, before, testsupport.ReadFile(t, doseOut))
}

func TestConvertRebuildsOnlyMissingKinds(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.DicomDir, map[string][]string{"P1": {"PLAN"}})
	reader := fakeReader{
		"ct0.dcm": {SOPClassUID: dicomio.SOPClassCTImage, Rows: 1, Columns: 2, Frames: [][]float64{{1, 2}}},
	}
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.DicomDir, "P1", "PLAN", "ct0.dcm"), []byte("dicm"))
	existing := filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "dose.nii.gz")
	testsupport.WriteFile(t, existing, []byte("kept"))
	d := newDriver(t, cfg, stages.WithLoader(dicomio.NewLoader(reader, nil)), stages.WithTools(&fakeTools{}))

	summary, _, err := d.Convert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, []byte("kept"), testsupport.ReadFile(t, existing))
	assert.True(t, fileutil.FileExists(filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "scan.nii.gz")))
}

func TestConvertMissingDoseIsMissingInput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.DicomDir, map[string][]string{"P1": {"PLAN"}})
	reader := fakeReader{
		"ct0.dcm": {SOPClassUID: dicomio.SOPClassCTImage, Rows: 1, Columns: 2, Frames: [][]float64{{1, 2}}},
	}
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.DicomDir, "P1", "PLAN", "ct0.dcm"), []byte("dicm"))
	d := newDriver(t, cfg, stages.WithLoader(dicomio.NewLoader(reader, nil)), stages.WithTools(&fakeTools{}))

	summary, results, err := d.Convert(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, services.OutcomeMissingInput, results[0].Status)
}

func TestSumDosesWritesOncePerPatient(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1"}})
	shape := volume.Shape{Depth: 1, Height: 1, Width: 2}
	plan, err := volume.NewDose(shape, []float64{50, 50}, 2)
	require.NoError(t, err)
	fraction, err := volume.NewDose(shape, []float64{25, 25}, 1)
	require.NoError(t, err)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "dose.nii.gz"), plan)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "dose_transformed_to_PLAN.nii.gz"), fraction)
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}))

	summary, results, err := d.SumDoses(context.Background(), "dose.nii.gz", "dose_transformed_to_PLAN.nii.gz", "summed.nii.gz")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded, "%v", summary.Failures)
	assert.True(t, results[0].Task.Unit.Planning)

	out := filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "summed.nii.gz")
	total, err := volume.ReadFile(out)
	require.NoError(t, err)
	assert.InDelta(t, 250.0, total.Sum(), 1e-9)
	assert.False(t, fileutil.FileExists(filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "summed.nii.gz")))

	summary, _, err = d.SumDoses(context.Background(), "dose.nii.gz", "dose_transformed_to_PLAN.nii.gz", "summed.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
}

func TestSumDosesShapeMismatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1"}})
	plan, err := volume.NewDose(volume.Shape{Depth: 1, Height: 1, Width: 2}, []float64{1, 1}, 1)
	require.NoError(t, err)
	fraction, err := volume.NewDose(volume.Shape{Depth: 1, Height: 1, Width: 3}, []float64{1, 1, 1}, 1)
	require.NoError(t, err)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "dose.nii.gz"), plan)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "moved.nii.gz"), fraction)
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}))

	_, results, err := d.SumDoses(context.Background(), "dose.nii.gz", "moved.nii.gz", "summed.nii.gz")
	require.NoError(t, err)
	assert.Equal(t, services.OutcomeShapeOrValue, results[0].Status)
	assert.False(t, fileutil.FileExists(filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "summed.nii.gz")))
}

func squareMask(t *testing.T) *volume.Volume {
	t.Helper()
	mask := make([]float64, 16)
	for _, i := range []int{5, 6, 9, 10} {
		mask[i] = 1
	}
	vol, err := volume.NewStruct(volume.Shape{Depth: 1, Height: 4, Width: 4}, mask, "CTV")
	require.NoError(t, err)
	return vol
}

func TestMetricsReportWaitsForEveryUnit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fractionCohort(t, cfg)
	for _, s := range []string{"P1/PLAN", "P1/F1", "P2/PLAN", "P2/F1"} {
		name := "struct.nii.gz"
		if filepath.Base(s) != "PLAN" {
			name = "struct_transformed_to_PLAN.nii.gz"
		}
		testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, s, name), squareMask(t))
	}
	csvPath := filepath.Join(testsupport.BaseDir(cfg), "out", "metrics.csv")
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}))

	summary, results, err := d.Metrics(context.Background(), "struct.nii.gz", "struct_transformed_to_PLAN.nii.gz", csvPath)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, services.OutcomeMissingInput, results[1].Status)
	assert.NoFileExists(t, csvPath)

	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F2", "struct_transformed_to_PLAN.nii.gz"), squareMask(t))
	summary, _, err = d.Metrics(context.Background(), "struct.nii.gz", "struct_transformed_to_PLAN.nii.gz", csvPath)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Succeeded)
	want := "patient,fraction,dice,hd95,precision,recall\nP1,F1,1,0,1,1\nP1,F2,1,0,1,1\nP2,F1,1,0,1,1\n"
	assert.Equal(t, want, string(testsupport.ReadFile(t, csvPath)))

	summary, _, err = d.Metrics(context.Background(), "struct.nii.gz", "struct_transformed_to_PLAN.nii.gz", csvPath)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, want, string(testsupport.ReadFile(t, csvPath)))
}

func TestMetricsRejectsFixedStructOutsideUnitRange(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1"}})
	fixed, err := volume.NewScan(volume.Shape{Depth: 1, Height: 1, Width: 3}, []float64{0, 1, 2})
	require.NoError(t, err)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "struct.nii.gz"), fixed)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "moved.nii.gz"), fixed)
	csvPath := filepath.Join(testsupport.BaseDir(cfg), "metrics.csv")
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}))

	_, results, err := d.Metrics(context.Background(), "struct.nii.gz", "moved.nii.gz", csvPath)
	require.NoError(t, err)
	assert.Equal(t, services.OutcomeShapeOrValue, results[0].Status)
	assert.NoFileExists(t, csvPath)
}

func TestMutualInfoWritesRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1", "F2"}})
	scan, err := volume.NewScan(volume.Shape{Depth: 1, Height: 2, Width: 2}, []float64{0, 1, 2, 3})
	require.NoError(t, err)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "scan.nii.gz"), scan)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "moved.nii.gz"), scan)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F2", "moved.nii.gz"), scan)
	csvPath := filepath.Join(testsupport.BaseDir(cfg), "mi.csv")
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}))

	summary, _, err := d.MutualInfo(context.Background(), "scan.nii.gz", "moved.nii.gz", csvPath)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	rows, err := csv.NewReader(bytes.NewReader(testsupport.ReadFile(t, csvPath))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"patient", "fraction", "mutual_information"}, rows[0])
	assert.Equal(t, []string{"P1", "F1"}, rows[1][:2])
	assert.Equal(t, []string{"P1", "F2"}, rows[2][:2])
	// Four equiprobable distinct values share two bits of information.
	mi, err := strconv.ParseFloat(rows[1][2], 64)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, mi, 1e-9)
}

func TestMutualInfoReportWaitsForEveryUnit(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1", "F2"}})
	scan, err := volume.NewScan(volume.Shape{Depth: 1, Height: 2, Width: 2}, []float64{0, 1, 2, 3})
	require.NoError(t, err)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "scan.nii.gz"), scan)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "moved.nii.gz"), scan)
	csvPath := filepath.Join(testsupport.BaseDir(cfg), "mi.csv")
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}))

	summary, _, err := d.MutualInfo(context.Background(), "scan.nii.gz", "moved.nii.gz", csvPath)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.NoFileExists(t, csvPath)

	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F2", "moved.nii.gz"), scan)
	summary, _, err = d.MutualInfo(context.Background(), "scan.nii.gz", "moved.nii.gz", csvPath)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Succeeded)
	rows, err := csv.NewReader(bytes.NewReader(testsupport.ReadFile(t, csvPath))).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestStageRefusesWhileLockHeld(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	fractionCohort(t, cfg)
	tools := &fakeTools{}
	d := newDriver(t, cfg, stages.WithTools(tools))

	other := flock.New(cfg.LockPath())
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)

	_, _, err = d.Register(context.Background())
	assert.ErrorIs(t, err, stages.ErrLocked)
	assert.Zero(t, tools.count())

	require.NoError(t, other.Unlock())
	_, _, err = d.Register(context.Background())
	assert.NoError(t, err)
}

func TestLedgerRecordsRunAndOutcomes(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1"}})
	store := testsupport.MustOpenLedger(t, cfg)
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}), stages.WithLedger(store))

	_, _, err := d.Jacobian(context.Background())
	require.NoError(t, err)

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stages.StageJacobian, runs[0].Stage)
	assert.True(t, runs[0].Finished())
	assert.Equal(t, 1, runs[0].Counts.Total)
	assert.Equal(t, 1, runs[0].Counts.Failed)

	outcomes, err := store.Outcomes(context.Background(), runs[0].ID)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, "F1", outcomes[0].Session)
	assert.Equal(t, services.OutcomeMissingInput, outcomes[0].Status)
	assert.NotEmpty(t, outcomes[0].Error)
}

func TestStatusReportsArtifacts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	testsupport.MakeCohort(t, cfg.Paths.CohortDir, map[string][]string{"P1": {"PLAN", "F1"}})
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, "P1", "PLAN", "scan.nii.gz"), []byte("x"))
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.CohortDir, "P1", "F1", "registered1Warp.nii.gz"), []byte("x"))
	d := newDriver(t, cfg, stages.WithTools(&fakeTools{}))

	status, err := d.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, status, 2)
	assert.Equal(t, "P1/F1", status[0].Unit.String())
	assert.True(t, status[0].Warp)
	assert.False(t, status[0].Jacobian)
	assert.True(t, status[1].Unit.Planning)
	assert.True(t, status[1].Scan)
	assert.False(t, status[1].Warp)
}
