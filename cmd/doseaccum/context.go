package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"doseaccum/internal/config"
	"doseaccum/internal/ledger"
	"doseaccum/internal/logging"
	"doseaccum/internal/stages"
)

type globalFlags struct {
	config      string
	cohort      string
	planningDir string
	patient     string
	firstN      int
	workers     int
	logLevel    string
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

// ensureConfig loads the configuration once and applies flag overrides.
func (c *commandContext) ensureConfig(cmd *cobra.Command) (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, path, exists, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err
			return
		}
		if err := c.applyOverrides(cmd, cfg); err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = path
		c.configSeen = exists
	})
	return c.config, c.configErr
}

func (c *commandContext) applyOverrides(cmd *cobra.Command, cfg *config.Config) error {
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		return f != nil && f.Changed
	}
	if changed("cohort") {
		dir, err := config.ExpandPath(strings.TrimSpace(c.flags.cohort))
		if err != nil {
			return fmt.Errorf("--cohort: %w", err)
		}
		cfg.Paths.CohortDir = dir
	}
	if changed("planning-dir") {
		cfg.Cohort.PlanningDir = strings.TrimSpace(c.flags.planningDir)
	}
	if changed("patient") {
		cfg.Cohort.Patient = strings.TrimSpace(c.flags.patient)
	}
	if changed("first-n") {
		cfg.Cohort.FirstN = c.flags.firstN
	}
	if changed("workers") {
		cfg.Workers.Concurrency = c.flags.workers
	}
	if changed("log-level") {
		cfg.Logging.Level = strings.ToLower(strings.TrimSpace(c.flags.logLevel))
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

func (c *commandContext) configValue() *config.Config {
	return c.config
}

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		c.logger, c.loggerErr = logging.NewFromConfig(c.config)
	})
	return c.logger, c.loggerErr
}

// withDriver builds a stage driver backed by the run ledger and closes the
// ledger when fn returns.
func (c *commandContext) withDriver(fn func(*stages.Driver) error) error {
	cfg := c.configValue()
	logger, err := c.ensureLogger()
	if err != nil {
		return err
	}
	store, err := ledger.Open(cfg)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()

	driver, err := stages.New(cfg, stages.WithLogger(logger), stages.WithLedger(store))
	if err != nil {
		return err
	}
	return fn(driver)
}

func (c *commandContext) withLedger(fn func(*ledger.Store) error) error {
	store, err := ledger.Open(c.configValue())
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer store.Close()
	return fn(store)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
