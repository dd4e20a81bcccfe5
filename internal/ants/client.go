package ants

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"doseaccum/internal/fileutil"
	"doseaccum/internal/logging"
	"doseaccum/internal/services"
)

const threadsEnv = "ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS"

// Binaries names the three ANTs executables.
type Binaries struct {
	Registration    string
	ApplyTransforms string
	Jacobian        string
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// WithLogger routes tool output to logger at debug level.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client wraps ANTs CLI interactions.
type Client struct {
	bins    Binaries
	threads int
	timeout time.Duration
	exec    Executor
	logger  *slog.Logger
}

// New constructs a client. threads is passed to every tool explicitly; a
// zero timeout disables the per-invocation deadline.
func New(bins Binaries, threads int, timeout time.Duration, opts ...Option) (*Client, error) {
	bins.Registration = strings.TrimSpace(bins.Registration)
	bins.ApplyTransforms = strings.TrimSpace(bins.ApplyTransforms)
	bins.Jacobian = strings.TrimSpace(bins.Jacobian)
	if bins.Registration == "" || bins.ApplyTransforms == "" || bins.Jacobian == "" {
		return nil, services.Wrap(services.ErrConfiguration, "", "ants", "all three ANTs binaries are required", nil)
	}
	if threads < 1 {
		return nil, services.Wrap(services.ErrConfiguration, "", "ants", fmt.Sprintf("threads must be >= 1, got %d", threads), nil)
	}
	client := &Client{
		bins:    bins,
		threads: threads,
		timeout: timeout,
		exec:    commandExecutor{},
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// RegisterCommand builds the SyN registration of moving onto fixed.
func (c *Client) RegisterCommand(fixed, moving, prefix string) Command {
	return Command{
		Binary: c.bins.Registration,
		Args: []string{
			"-d", "3",
			"-t", "s",
			"-n", strconv.Itoa(c.threads),
			"-f", fixed,
			"-m", moving,
			"-o", prefix,
		},
	}
}

// ApplyTransformsCommand builds the resampling of moving into fixed space.
func (c *Client) ApplyTransformsCommand(moving, fixed, warp, affine, out string) Command {
	return Command{
		Binary: c.bins.ApplyTransforms,
		Args: []string{
			"-d", "3",
			"-i", moving,
			"-r", fixed,
			"-t", warp,
			"-t", affine,
			"-o", out,
		},
		Env: []string{threadsEnv + "=" + strconv.Itoa(c.threads)},
	}
}

// JacobianCommand builds the Jacobian determinant computation for warp.
func (c *Client) JacobianCommand(warp, out string) Command {
	return Command{
		Binary: c.bins.Jacobian,
		Args:   []string{"3", warp, out},
		Env:    []string{threadsEnv + "=" + strconv.Itoa(c.threads)},
	}
}

// Register runs SyN registration and verifies that every path in outputs
// exists afterwards.
func (c *Client) Register(ctx context.Context, fixed, moving, prefix string, outputs ...string) error {
	return c.run(ctx, "register", c.RegisterCommand(fixed, moving, prefix), outputs...)
}

// ApplyTransforms resamples moving into the space of fixed and writes out.
func (c *Client) ApplyTransforms(ctx context.Context, moving, fixed, warp, affine, out string) error {
	return c.run(ctx, "apply transforms", c.ApplyTransformsCommand(moving, fixed, warp, affine, out), out)
}

// Jacobian writes the Jacobian determinant image of warp to out.
func (c *Client) Jacobian(ctx context.Context, warp, out string) error {
	return c.run(ctx, "jacobian", c.JacobianCommand(warp, out), out)
}

func (c *Client) run(parent context.Context, operation string, cmd Command, outputs ...string) error {
	ctx := parent
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, c.timeout)
		defer cancel()
	}
	logger := logging.WithContext(parent, c.logger)
	tool := filepath.Base(cmd.Binary)
	logger.Debug("running external tool",
		logging.String("tool", tool),
		logging.String("command", cmd.String()),
	)

	start := time.Now()
	if err := c.exec.Run(ctx, cmd, func(line string) {
		logger.Debug(line, logging.String("tool", tool))
	}); err != nil {
		discardOutputs(logger, outputs)
		if parentErr := parent.Err(); parentErr != nil {
			return fmt.Errorf("%s: %w", operation, parentErr)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return services.Wrap(services.ErrExternalTool, "", operation,
				fmt.Sprintf("%s timed out after %s", tool, c.timeout), err)
		}
		return services.Wrap(services.ErrExternalTool, "", operation, tool+" failed", err)
	}
	for _, out := range outputs {
		if !fileutil.FileExists(out) {
			discardOutputs(logger, outputs)
			return services.Wrap(services.ErrExternalTool, "", operation,
				fmt.Sprintf("%s exited 0 but produced no %s", tool, out), nil)
		}
	}
	logger.Debug("external tool finished",
		logging.String("tool", tool),
		logging.Duration("duration", time.Since(start)),
	)
	return nil
}

// discardOutputs removes what a failed run left behind. Output existence is the
// skip key, so a partial file must not survive.
func discardOutputs(logger *slog.Logger, outputs []string) {
	for _, out := range outputs {
		if err := os.Remove(out); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove partial tool output",
				logging.String("path", out),
				logging.Error(err),
			)
		}
	}
}
