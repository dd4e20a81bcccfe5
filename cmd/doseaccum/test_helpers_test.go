package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"doseaccum/internal/config"
	"doseaccum/internal/testsupport"
)

// stubANTs creates the outputs each ANTs entry point would write.
const stubANTs = `name=$(basename "$0")
out=""
prev=""
last=""
for a in "$@"; do
  if [ "$prev" = "-o" ]; then out="$a"; fi
  prev="$a"
  last="$a"
done
case "$name" in
  antsRegistrationSyN.sh) : > "${out}1Warp.nii.gz"; : > "${out}0GenericAffine.mat" ;;
  antsApplyTransforms) : > "$out" ;;
  *) : > "$last" ;;
esac`

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries(stubANTs))
	base := testsupport.BaseDir(cfg)
	homeDir := filepath.Join(base, "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("DOSEACCUM_COHORT_DIR", "")

	configPath := filepath.Join(base, "config.toml")
	writeTestConfig(t, configPath, cfg)

	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	content := fmt.Sprintf(`[paths]
cohort_dir = %q
dicom_dir = %q
state_dir = %q
log_dir = %q

[ants]
registration_binary = %q
apply_transforms_binary = %q
jacobian_binary = %q
threads = 1

[workers]
concurrency = 2

[logging]
level = "error"
`,
		cfg.Paths.CohortDir,
		cfg.Paths.DicomDir,
		cfg.Paths.StateDir,
		cfg.Paths.LogDir,
		cfg.ANTs.RegistrationBinary,
		cfg.ANTs.ApplyTransformsBinary,
		cfg.ANTs.JacobianBinary,
	)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func requireFile(t *testing.T, path string) {
	t.Helper()
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		t.Fatalf("expected file at %s: %v", path, err)
	}
}
