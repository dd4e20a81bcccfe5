package preflight

import (
	"context"

	"doseaccum/internal/config"
	"doseaccum/internal/deps"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes every applicable preflight check for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}
	var results []Result

	// Cohort root is read and written by every stage but convert.
	results = append(results, CheckDirectoryAccess("Cohort directory", cfg.Paths.CohortDir))

	// DICOM root is only read, and only by convert.
	if cfg.Paths.DicomDir != "" {
		results = append(results, CheckDirectoryReadable("DICOM directory", cfg.Paths.DicomDir))
	}

	results = append(results, CheckDirectoryAccess("State directory", cfg.Paths.StateDir))
	results = append(results, CheckRunLock(cfg))
	results = append(results, CheckLedger(ctx, cfg))

	for _, status := range CheckToolchain(cfg) {
		results = append(results, FromStatus(status))
	}
	return results
}

// FromStatus converts a dependency status into a preflight result. Optional
// dependencies never fail preflight.
func FromStatus(status deps.Status) Result {
	detail := status.Command
	if status.Detail != "" {
		detail = status.Detail
	}
	return Result{
		Name:   status.Name,
		Passed: status.Available || status.Optional,
		Detail: detail,
	}
}

// Failed returns the results that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}
