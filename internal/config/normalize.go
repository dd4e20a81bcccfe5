package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeCohort()
	c.normalizeConvert()
	c.normalizeWorkers()
	c.normalizeANTs()
	c.normalizeMetrics()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.CohortDir) == "" {
		if value, ok := os.LookupEnv("DOSEACCUM_COHORT_DIR"); ok {
			c.Paths.CohortDir = strings.TrimSpace(value)
		}
	}
	if c.Paths.CohortDir, err = expandPath(strings.TrimSpace(c.Paths.CohortDir)); err != nil {
		return fmt.Errorf("paths.cohort_dir: %w", err)
	}
	if c.Paths.DicomDir, err = expandPath(strings.TrimSpace(c.Paths.DicomDir)); err != nil {
		return fmt.Errorf("paths.dicom_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeCohort() {
	c.Cohort.PlanningDir = strings.TrimSpace(c.Cohort.PlanningDir)
	if c.Cohort.PlanningDir == "" {
		c.Cohort.PlanningDir = defaultPlanningDir
	}
	c.Cohort.Patient = strings.TrimSpace(c.Cohort.Patient)
	if c.Cohort.FirstN < 0 {
		c.Cohort.FirstN = 0
	}
}

func (c *Config) normalizeConvert() {
	c.Convert.StructName = strings.TrimSpace(c.Convert.StructName)
	c.Convert.ScanFile = defaultIfBlank(c.Convert.ScanFile, defaultScanFile)
	c.Convert.DoseFile = defaultIfBlank(c.Convert.DoseFile, defaultDoseFile)
	c.Convert.StructFile = defaultIfBlank(c.Convert.StructFile, defaultStructFile)
}

func (c *Config) normalizeANTs() {
	c.ANTs.RegistrationBinary = defaultIfBlank(c.ANTs.RegistrationBinary, defaultRegistrationBinary)
	c.ANTs.ApplyTransformsBinary = defaultIfBlank(c.ANTs.ApplyTransformsBinary, defaultApplyTransformsBinary)
	c.ANTs.JacobianBinary = defaultIfBlank(c.ANTs.JacobianBinary, defaultJacobianBinary)
	// Each concurrent registration gets an equal share of the host.
	if c.ANTs.Threads <= 0 {
		c.ANTs.Threads = max(1, hardwareParallelism()/c.Workers.Concurrency)
	}
	if c.ANTs.TimeoutSeconds < 0 {
		c.ANTs.TimeoutSeconds = 0
	}
}

func (c *Config) normalizeWorkers() {
	if c.Workers.Concurrency <= 0 {
		c.Workers.Concurrency = hardwareParallelism()
	}
}

func (c *Config) normalizeMetrics() {
	if c.Metrics.Threshold == 0 {
		c.Metrics.Threshold = defaultThreshold
	}
	if c.Metrics.MIBins <= 0 {
		c.Metrics.MIBins = defaultMIBins
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeoutSeconds <= 0 {
		c.Notifications.RequestTimeoutSeconds = defaultNtfyTimeoutSeconds
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "json":
	default:
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func defaultIfBlank(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}
