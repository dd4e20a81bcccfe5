package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateCohort(); err != nil {
		return err
	}
	if err := c.validateConvert(); err != nil {
		return err
	}
	if err := c.validateANTs(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	if err := c.validateNotifications(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateCohort() error {
	if err := validateBaseName("cohort.planning_dir", c.Cohort.PlanningDir); err != nil {
		return err
	}
	if c.Cohort.Patient != "" {
		if err := validateBaseName("cohort.patient", c.Cohort.Patient); err != nil {
			return err
		}
	}
	if c.Cohort.FirstN < 0 {
		return errors.New("cohort.first_n must not be negative")
	}
	return nil
}

func (c *Config) validateConvert() error {
	names := map[string]string{
		"convert.scan_file":   c.Convert.ScanFile,
		"convert.dose_file":   c.Convert.DoseFile,
		"convert.struct_file": c.Convert.StructFile,
	}
	seen := make(map[string]string, len(names))
	for key, value := range names {
		if err := validateBaseName(key, value); err != nil {
			return err
		}
		if other, ok := seen[value]; ok {
			return fmt.Errorf("%s and %s must differ (both %q)", other, key, value)
		}
		seen[value] = key
	}
	return nil
}

func (c *Config) validateANTs() error {
	for key, value := range map[string]string{
		"ants.registration_binary":     c.ANTs.RegistrationBinary,
		"ants.apply_transforms_binary": c.ANTs.ApplyTransformsBinary,
		"ants.jacobian_binary":         c.ANTs.JacobianBinary,
	} {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%s must be set", key)
		}
	}
	if c.ANTs.Threads <= 0 {
		return errors.New("ants.threads must be positive")
	}
	if c.ANTs.TimeoutSeconds < 0 {
		return errors.New("ants.timeout_seconds must not be negative")
	}
	if c.Workers.Concurrency <= 0 {
		return errors.New("workers.concurrency must be positive")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Threshold <= 0 || c.Metrics.Threshold >= 1 {
		return errors.New("metrics.threshold must be between 0 and 1 (exclusive)")
	}
	if c.Metrics.MIBins < 2 {
		return errors.New("metrics.mi_bins must be at least 2")
	}
	return nil
}

func (c *Config) validateNotifications() error {
	topic := c.Notifications.NtfyTopic
	if topic == "" {
		return nil
	}
	if !strings.HasPrefix(topic, "http://") && !strings.HasPrefix(topic, "https://") {
		return fmt.Errorf("notifications.ntfy_topic must be an http(s) URL, got %q", topic)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
}

// validateBaseName rejects values that would escape the directory they are joined to.
func validateBaseName(key, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%s must be set", key)
	}
	if value == "." || value == ".." || filepath.Base(value) != value {
		return fmt.Errorf("%s must be a plain name, got %q", key, value)
	}
	return nil
}
