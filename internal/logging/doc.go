// Package logging assembles structured slog loggers and formatting helpers used
// across doseaccum.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so stage code automatically tags
// log lines with the stage, run ID, patient and session of the unit being
// processed. The console handler folds those fields into a readable
// "P01/F2 (register):" prefix. A no-op logger is provided for tests.
package logging
