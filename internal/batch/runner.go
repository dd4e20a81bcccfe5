package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"doseaccum/internal/logging"
	"doseaccum/internal/services"
)

// Runner dispatches tasks over a fixed-size pool.
type Runner struct {
	concurrency int
	skip        SkipPolicy
	logger      *slog.Logger
	onResult    func(Result)
}

// Option configures a Runner.
type Option func(*Runner)

// WithSkipPolicy replaces the default existence-based skip check.
func WithSkipPolicy(policy SkipPolicy) Option {
	return func(r *Runner) {
		if policy != nil {
			r.skip = policy
		}
	}
}

// WithLogger sets the logger used for per-unit events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResultHook registers a callback invoked as each task completes or is
// skipped. It may be called from several goroutines at once.
func WithResultHook(fn func(Result)) Option {
	return func(r *Runner) {
		r.onResult = fn
	}
}

// NewRunner returns a runner that keeps at most concurrency units in flight.
func NewRunner(concurrency int, opts ...Option) (*Runner, error) {
	if concurrency < 1 {
		return nil, services.Wrap(services.ErrConfiguration, "", "worker pool", fmt.Sprintf("concurrency must be >= 1, got %d", concurrency), nil)
	}
	r := &Runner{
		concurrency: concurrency,
		skip:        OutputExists,
		logger:      logging.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Concurrency returns the pool size.
func (r *Runner) Concurrency() int { return r.concurrency }

// Run skips tasks whose output exists, executes the rest and blocks until all
// have finished. Results are returned in task order.
func (r *Runner) Run(ctx context.Context, fn Func, tasks []Task) []Result {
	results := make([]Result, len(tasks))
	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for i, task := range tasks {
		if r.skip(task) {
			results[i] = Result{Task: task, Status: services.OutcomeSkipped}
			r.logger.Debug("unit skipped, output exists",
				logging.String(logging.FieldPatient, task.Unit.Patient),
				logging.String(logging.FieldSession, task.Unit.Session),
				logging.String("output", task.Output),
			)
			r.emit(results[i])
			continue
		}
		g.Go(func() error {
			results[i] = r.runOne(ctx, fn, task)
			r.emit(results[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Runner) runOne(ctx context.Context, fn Func, task Task) (result Result) {
	unitCtx := services.WithUnit(ctx, task.Unit.Patient, task.Unit.Session)
	logger := logging.WithContext(unitCtx, r.logger)
	start := time.Now()
	result = Result{Task: task}

	defer func() {
		if rec := recover(); rec != nil {
			result.Err = fmt.Errorf("unit panicked: %v\n%s", rec, debug.Stack())
		}
		result.Duration = time.Since(start)
		result.Status = services.Classify(result.Err)
		if result.Err != nil {
			logging.ErrorWithContext(logger, "unit failed", "unit_failure",
				logging.String("outcome", result.Status),
				logging.Duration("duration", result.Duration),
				logging.Error(result.Err),
				logging.String(logging.FieldErrorHint, hintFor(result.Status)),
			)
			return
		}
		logger.Info("unit finished",
			logging.String(logging.FieldEventType, "unit_complete"),
			logging.String("output", task.Output),
			logging.Duration("duration", result.Duration),
		)
	}()

	if err := ctx.Err(); err != nil {
		result.Err = err
		return result
	}
	logger.Debug("unit started", logging.String(logging.FieldEventType, "unit_start"))
	result.Err = fn(unitCtx, task)
	return result
}

func (r *Runner) emit(result Result) {
	if r.onResult != nil {
		r.onResult(result)
	}
}

func hintFor(outcome string) string {
	switch outcome {
	case services.OutcomeMissingInput:
		return "run the earlier stage or check the session directory"
	case services.OutcomeAmbiguousInput:
		return "remove the duplicate dataset from the session directory"
	case services.OutcomeShapeOrValue:
		return "inspect the input volumes for mismatched geometry or values"
	case services.OutcomeExternalTool:
		return "see the captured tool stderr above; check the tool installation"
	case services.OutcomeCanceled:
		return "rerun the stage; finished units are skipped"
	default:
		return "check logs for details"
	}
}
