package preflight

import (
	"context"
	"fmt"

	"github.com/gofrs/flock"

	"doseaccum/internal/config"
	"doseaccum/internal/fileutil"
	"doseaccum/internal/ledger"
)

// CheckRunLock reports whether another stage currently holds the state
// directory lock. The lock is released again immediately.
func CheckRunLock(cfg *config.Config) Result {
	const name = "Run lock"
	path := cfg.LockPath()
	if !fileutil.DirExists(cfg.Paths.StateDir) {
		return Result{Name: name, Passed: true, Detail: "idle (state directory not created yet)"}
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	if !locked {
		return Result{Name: name, Detail: fmt.Sprintf("%s (held by a running stage)", path)}
	}
	_ = lock.Unlock()
	return Result{Name: name, Passed: true, Detail: "idle"}
}

// CheckLedger opens the run ledger and reports the most recent run.
func CheckLedger(ctx context.Context, cfg *config.Config) Result {
	const name = "Run ledger"
	path := cfg.LedgerPath()
	if !fileutil.FileExists(path) {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (no runs yet)", path)}
	}
	store, err := ledger.OpenPath(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, 1)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	if len(runs) == 0 {
		return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (no runs yet)", path)}
	}
	last := runs[0]
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (last: %s %s)", path, last.Stage, last.StartedAt.Format("2006-01-02 15:04"))}
}
