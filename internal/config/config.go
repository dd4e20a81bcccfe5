package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	CohortDir string `toml:"cohort_dir"`
	DicomDir  string `toml:"dicom_dir"`
	StateDir  string `toml:"state_dir"`
	LogDir    string `toml:"log_dir"`
}

// Cohort controls how patients and sessions are enumerated.
type Cohort struct {
	PlanningDir string `toml:"planning_dir"`
	Patient     string `toml:"patient"`
	FirstN      int    `toml:"first_n"`
}

// Convert contains DICOM conversion settings.
type Convert struct {
	// StructName is the ROI label rasterized into the struct artifact. It is
	// assumed to be named identically in every session.
	StructName string `toml:"struct_name"`
	ScanFile   string `toml:"scan_file"`
	DoseFile   string `toml:"dose_file"`
	StructFile string `toml:"struct_file"`
}

// ANTs contains external registration tool settings.
type ANTs struct {
	RegistrationBinary    string `toml:"registration_binary"`
	ApplyTransformsBinary string `toml:"apply_transforms_binary"`
	JacobianBinary        string `toml:"jacobian_binary"`
	Threads               int    `toml:"threads"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
}

// Workers sizes the per-stage worker pool.
type Workers struct {
	Concurrency int `toml:"concurrency"`
}

// Metrics contains settings for the overlap and mutual information stages.
type Metrics struct {
	Threshold float64 `toml:"threshold"`
	MIBins    int     `toml:"mi_bins"`
}

// Notifications configures stage completion messages.
type Notifications struct {
	// NtfyTopic is the full ntfy topic URL. Empty disables notifications.
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for doseaccum.
//
// Configuration sections by subsystem:
//   - Paths: cohort root, raw DICOM root, ledger state and logs
//   - Cohort: planning directory name and restricted-run caps
//   - Convert: struct label and artifact file names
//   - ANTs: registration, transform and Jacobian binaries
//   - Workers: pool size per stage invocation
//   - Metrics: mask threshold and histogram bins
//   - Notifications: ntfy topic for stage completion
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Cohort        Cohort        `toml:"cohort"`
	Convert       Convert       `toml:"convert"`
	ANTs          ANTs          `toml:"ants"`
	Workers       Workers       `toml:"workers"`
	Metrics       Metrics       `toml:"metrics"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/doseaccum/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("doseaccum.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the state and log directories. Cohort and DICOM
// roots are inputs and are never created here.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the SQLite run ledger location.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "ledger.db")
}

// LockPath returns the lock file guarding stage runs against concurrent invocations.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "doseaccum.lock")
}

// ToolTimeout returns the per-invocation external tool timeout, or zero when unbounded.
func (c *Config) ToolTimeout() time.Duration {
	if c.ANTs.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ANTs.TimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
