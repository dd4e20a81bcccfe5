package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"doseaccum/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a normalized config seeded with unique temp directories
// per test. Concurrency and tool threads are fixed so tests are deterministic.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.CohortDir = filepath.Join(base, "cohort")
	cfgVal.Paths.DicomDir = filepath.Join(base, "dicom")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Workers.Concurrency = 2
	cfgVal.ANTs.Threads = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithConcurrency overrides the worker pool size.
func WithConcurrency(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Workers.Concurrency = n
	}
}

// WithStructName sets the ROI label rasterized by convert.
func WithStructName(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Convert.StructName = name
	}
}

// WithPatient restricts enumeration to a single patient.
func WithPatient(patient string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Cohort.Patient = patient
	}
}

// WithStubbedBinaries writes stub ANTs executables, points the config at
// them and prepends their directory to PATH. Each stub runs script.
func WithStubbedBinaries(script string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		b.cfg.ANTs.RegistrationBinary = writeStub(b.t, binDir, "antsRegistrationSyN.sh", script)
		b.cfg.ANTs.ApplyTransformsBinary = writeStub(b.t, binDir, "antsApplyTransforms", script)
		b.cfg.ANTs.JacobianBinary = writeStub(b.t, binDir, "CreateJacobianDeterminantImage", script)

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// StubBinary writes an executable shell script named name into a temp
// directory and returns its path.
func StubBinary(t testing.TB, name, script string) string {
	t.Helper()
	return writeStub(t, t.TempDir(), name, script)
}

func writeStub(t testing.TB, dir, name, script string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir bin dir: %v", err)
	}
	target := filepath.Join(dir, name)
	if err := os.WriteFile(target, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write stub %s: %v", name, err)
	}
	return target
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
