package batch

import (
	"fmt"
	"time"

	"doseaccum/internal/services"
)

// Summary aggregates a stage run.
type Summary struct {
	Stage     string
	Total     int
	Succeeded int
	Skipped   int
	Failed    int
	Elapsed   time.Duration
	// Failures lists failed results in task order.
	Failures []Result
}

// Summarize counts results by outcome.
func Summarize(stage string, results []Result, elapsed time.Duration) Summary {
	s := Summary{Stage: stage, Total: len(results), Elapsed: elapsed}
	for _, res := range results {
		switch res.Status {
		case services.OutcomeSucceeded:
			s.Succeeded++
		case services.OutcomeSkipped:
			s.Skipped++
		default:
			s.Failed++
			s.Failures = append(s.Failures, res)
		}
	}
	return s
}

// Merge folds other into s.
func (s *Summary) Merge(other Summary) {
	s.Total += other.Total
	s.Succeeded += other.Succeeded
	s.Skipped += other.Skipped
	s.Failed += other.Failed
	s.Elapsed += other.Elapsed
	s.Failures = append(s.Failures, other.Failures...)
}

// Err reports a batch-level error when any unit failed.
func (s Summary) Err() error {
	if s.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%s: %d of %d units failed", s.Stage, s.Failed, s.Total)
}
