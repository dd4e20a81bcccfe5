// Package cleanup removes leftovers of interrupted stage runs from a cohort
// tree.
package cleanup

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"doseaccum/internal/fileutil"
	"doseaccum/internal/logging"
)

// Result contains the outcome of a cleanup pass.
type Result struct {
	Removed []string
	Errors  []Error
}

// Error pairs a path with its cleanup error.
type Error struct {
	Path string
	Err  error
}

// Options controls which temp files are removed.
type Options struct {
	// MaxAge spares temp files modified more recently, which may belong to a
	// stage still running.
	MaxAge time.Duration
	// DryRun reports matches without removing them.
	DryRun bool
}

// StaleTempFiles walks root and removes the temporary files atomic artifact
// writes leave behind when a worker is killed mid-write. Finished artifacts
// are never touched.
func StaleTempFiles(ctx context.Context, root string, opts Options, logger *slog.Logger) Result {
	result := Result{}

	root = strings.TrimSpace(root)
	if root == "" {
		return result
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cutoff := time.Now().Add(-opts.MaxAge)

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return fs.SkipAll
			}
			result.Errors = append(result.Errors, Error{Path: path, Err: err})
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !fileutil.IsTempName(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			result.Errors = append(result.Errors, Error{Path: path, Err: err})
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if opts.DryRun {
			result.Removed = append(result.Removed, path)
			return nil
		}
		if err := os.Remove(path); err != nil {
			result.Errors = append(result.Errors, Error{Path: path, Err: err})
			logger.Warn("failed to remove stale temp file",
				logging.String("path", path),
				logging.Error(err),
				logging.String(logging.FieldEventType, "cleanup_failed"),
				logging.String(logging.FieldErrorHint, "check cohort_dir permissions"),
			)
			return nil
		}
		result.Removed = append(result.Removed, path)
		logger.Info("removed stale temp file",
			logging.String("path", path),
			logging.Duration("age", time.Since(info.ModTime())),
			logging.String(logging.FieldEventType, "cleanup"),
		)
		return nil
	})
	if walkErr != nil {
		result.Errors = append(result.Errors, Error{Path: root, Err: walkErr})
	}
	return result
}
