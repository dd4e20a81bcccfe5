package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"doseaccum/internal/ants"
	"doseaccum/internal/batch"
	"doseaccum/internal/cohort"
	"doseaccum/internal/config"
	"doseaccum/internal/dicomio"
	"doseaccum/internal/fileutil"
	"doseaccum/internal/ledger"
	"doseaccum/internal/logging"
	"doseaccum/internal/notifications"
	"doseaccum/internal/services"
)

// Stage names used in logs, the ledger and CLI output.
const (
	StageConvert    = "convert"
	StageRegister   = "register"
	StageTransform  = "transform"
	StageJacobian   = "jacobian"
	StageMetrics    = "metrics"
	StageMutualInfo = "mutual-info"
	StageSumDoses   = "sum-doses"
)

// ErrLocked reports that another stage run holds the state directory lock.
var ErrLocked = errors.New("another doseaccum stage is running")

// Tools is the external registration toolkit the drivers call.
type Tools interface {
	Register(ctx context.Context, fixed, moving, prefix string, outputs ...string) error
	ApplyTransforms(ctx context.Context, moving, fixed, warp, affine, out string) error
	Jacobian(ctx context.Context, warp, out string) error
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the base logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithLedger records every run in store.
func WithLedger(store *ledger.Store) Option {
	return func(d *Driver) { d.ledger = store }
}

// WithTools replaces the ANTs client (primarily for tests).
func WithTools(tools Tools) Option {
	return func(d *Driver) {
		if tools != nil {
			d.tools = tools
		}
	}
}

// WithLoader replaces the DICOM loader (primarily for tests).
func WithLoader(loader *dicomio.Loader) Option {
	return func(d *Driver) {
		if loader != nil {
			d.loader = loader
		}
	}
}

// WithNotifier replaces the configured stage completion notifier.
func WithNotifier(notifier notifications.Service) Option {
	return func(d *Driver) {
		if notifier != nil {
			d.notifier = notifier
		}
	}
}

// WithResultHook forwards per-unit results as they complete.
func WithResultHook(fn func(batch.Result)) Option {
	return func(d *Driver) { d.onResult = fn }
}

// Driver runs stages against one configuration.
type Driver struct {
	cfg      *config.Config
	logger   *slog.Logger
	ledger   *ledger.Store
	loader   *dicomio.Loader
	tools    Tools
	lock     *flock.Flock
	notifier notifications.Service
	onResult func(batch.Result)
}

// New builds a driver. The state directory is created so the run lock can be
// taken; the ANTs client is built from configuration unless WithTools is set.
func New(cfg *config.Config, opts ...Option) (*Driver, error) {
	if cfg == nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "stages", "config is required", nil)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}
	d := &Driver{
		cfg:    cfg,
		logger: logging.NewNop(),
		lock:   flock.New(cfg.LockPath()),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.NewComponentLogger(d.logger, "stages")
	if d.notifier == nil {
		d.notifier = notifications.NewService(cfg)
	}
	if d.loader == nil {
		d.loader = dicomio.NewLoader(dicomio.FileReader{}, d.logger)
	}
	if d.tools == nil {
		client, err := ants.New(ants.Binaries{
			Registration:    cfg.ANTs.RegistrationBinary,
			ApplyTransforms: cfg.ANTs.ApplyTransformsBinary,
			Jacobian:        cfg.ANTs.JacobianBinary,
		}, cfg.ANTs.Threads, cfg.ToolTimeout(), ants.WithLogger(d.logger))
		if err != nil {
			return nil, err
		}
		d.tools = client
	}
	return d, nil
}

func (d *Driver) layout() cohort.Layout {
	return cohort.Layout{Root: d.cfg.Paths.CohortDir, PlanningDir: d.cfg.Cohort.PlanningDir}
}

func (d *Driver) enumerator(root string) (*cohort.Enumerator, error) {
	return cohort.NewEnumerator(root, cohort.Options{
		PlanningDir: d.cfg.Cohort.PlanningDir,
		FirstN:      d.cfg.Cohort.FirstN,
		Patient:     d.cfg.Cohort.Patient,
	})
}

func (d *Driver) fractions() ([]cohort.Unit, error) {
	enum, err := d.enumerator(d.cfg.Paths.CohortDir)
	if err != nil {
		return nil, err
	}
	return cohort.Collect(enum.Fractions())
}

// stageRun describes one dispatch.
type stageRun struct {
	stage string
	root  string
	tasks []batch.Task
	fn    batch.Func
	skip  batch.SkipPolicy
}

// execute takes the run lock, dispatches the tasks and records the outcome.
func (d *Driver) execute(ctx context.Context, run stageRun) (batch.Summary, []batch.Result, error) {
	locked, err := d.lock.TryLock()
	if err != nil {
		return batch.Summary{}, nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return batch.Summary{}, nil, fmt.Errorf("%w (lock %s)", ErrLocked, d.cfg.LockPath())
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release run lock", logging.Error(err))
		}
	}()

	ctx = services.WithStage(ctx, run.stage)
	var ledgerRun *ledger.Run
	if d.ledger != nil {
		ledgerRun, err = d.ledger.BeginRun(ctx, run.stage, run.root)
		if err != nil {
			return batch.Summary{}, nil, fmt.Errorf("record run start: %w", err)
		}
		ctx = services.WithRunID(ctx, ledgerRun.ID)
	}
	logger := logging.WithContext(ctx, d.logger)

	opts := []batch.Option{batch.WithLogger(logger), batch.WithResultHook(d.onResult)}
	if run.skip != nil {
		opts = append(opts, batch.WithSkipPolicy(run.skip))
	}
	runner, err := batch.NewRunner(d.cfg.Workers.Concurrency, opts...)
	if err != nil {
		return batch.Summary{}, nil, err
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.String("root", run.root),
		logging.Int("units", len(run.tasks)),
		logging.Int("concurrency", runner.Concurrency()),
	)
	start := time.Now()
	results := runner.Run(ctx, run.fn, run.tasks)
	summary := batch.Summarize(run.stage, results, time.Since(start))

	if ledgerRun != nil {
		d.record(ctx, logger, ledgerRun.ID, results, summary)
	}

	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Int("total", summary.Total),
		logging.Int("succeeded", summary.Succeeded),
		logging.Int("skipped", summary.Skipped),
		logging.Int("failed", summary.Failed),
		logging.Duration("elapsed", summary.Elapsed),
	}
	if summary.Failed > 0 {
		logger.Warn("stage completed with failures", logging.Args(attrs...)...)
	} else {
		logger.Info("stage completed", logging.Args(attrs...)...)
	}
	if err := d.notifier.NotifyStageCompleted(context.WithoutCancel(ctx), summary); err != nil {
		logger.Warn("stage notification failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notification_failed"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
	return summary, results, nil
}

// record persists outcomes; ledger failures are logged, never fatal.
func (d *Driver) record(ctx context.Context, logger *slog.Logger, runID string, results []batch.Result, summary batch.Summary) {
	outcomes := make([]ledger.Outcome, 0, len(results))
	for _, res := range results {
		o := ledger.Outcome{
			Patient:  res.Task.Unit.Patient,
			Session:  res.Task.Unit.Session,
			Output:   res.Task.Output,
			Status:   res.Status,
			Duration: res.Duration,
		}
		if res.Err != nil {
			o.Error = res.Err.Error()
		}
		outcomes = append(outcomes, o)
	}
	// Outcomes are recorded even if the stage context was canceled.
	ctx = context.WithoutCancel(ctx)
	if err := d.ledger.RecordOutcomes(ctx, runID, outcomes); err != nil {
		logger.Warn("failed to record outcomes", logging.Error(err))
	}
	counts := ledger.Counts{
		Total:     summary.Total,
		Succeeded: summary.Succeeded,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
	}
	if err := d.ledger.FinishRun(ctx, runID, counts); err != nil {
		logger.Warn("failed to record run completion", logging.Error(err))
	}
}

// requireFiles returns a MissingInput error naming the first absent path.
func requireFiles(stage string, paths ...string) error {
	for _, path := range paths {
		if !fileutil.FileExists(path) {
			return services.Wrap(services.ErrMissingInput, stage, "", "required input "+path+" does not exist", nil)
		}
	}
	return nil
}

// validateArtifactName rejects names that are not plain file names, so every
// resolved path stays inside its session directory.
func validateArtifactName(flag, name string) error {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return services.Wrap(services.ErrConfiguration, "", "", fmt.Sprintf("%s must be a plain file name, got %q", flag, name), nil)
	}
	return nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
