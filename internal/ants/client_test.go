package ants_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doseaccum/internal/ants"
	"doseaccum/internal/services"
)

// recordingExecutor records every command, creates files, then returns err.
type recordingExecutor struct {
	mu       sync.Mutex
	commands []ants.Command
	create   []string
	err      error
}

func (r *recordingExecutor) Run(ctx context.Context, cmd ants.Command, onLine func(string)) error {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	if onLine != nil {
		onLine("Iteration 1")
	}
	for _, path := range r.create {
		if err := os.WriteFile(path, []byte("out"), 0o644); err != nil {
			return err
		}
	}
	return r.err
}

func newClient(t *testing.T, exec ants.Executor, timeout time.Duration) *ants.Client {
	t.Helper()
	client, err := ants.New(ants.Binaries{
		Registration:    "antsRegistrationSyN.sh",
		ApplyTransforms: "antsApplyTransforms",
		Jacobian:        "CreateJacobianDeterminantImage",
	}, 8, timeout, ants.WithExecutor(exec))
	require.NoError(t, err)
	return client
}

func TestRegisterArgv(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "registered")
	warp := prefix + "1Warp.nii.gz"
	affine := prefix + "0GenericAffine.mat"
	exec := &recordingExecutor{create: []string{warp, affine}}
	client := newClient(t, exec, 0)

	require.NoError(t, client.Register(context.Background(), "/c/P1/PLAN/scan.nii.gz", "/c/P1/F1/scan.nii.gz", prefix, warp, affine))

	require.Len(t, exec.commands, 1)
	cmd := exec.commands[0]
	assert.Equal(t, "antsRegistrationSyN.sh", cmd.Binary)
	assert.Equal(t, []string{
		"-d", "3", "-t", "s", "-n", "8",
		"-f", "/c/P1/PLAN/scan.nii.gz",
		"-m", "/c/P1/F1/scan.nii.gz",
		"-o", prefix,
	}, cmd.Args)
}

func TestApplyTransformsArgv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "dose_transformed_to_PLAN.nii.gz")
	exec := &recordingExecutor{create: []string{out}}
	client := newClient(t, exec, 0)

	require.NoError(t, client.ApplyTransforms(context.Background(), "moving.nii.gz", "fixed.nii.gz", "w.nii.gz", "a.mat", out))

	cmd := exec.commands[0]
	assert.Equal(t, "antsApplyTransforms", cmd.Binary)
	assert.Equal(t, []string{
		"-d", "3",
		"-i", "moving.nii.gz",
		"-r", "fixed.nii.gz",
		"-t", "w.nii.gz",
		"-t", "a.mat",
		"-o", out,
	}, cmd.Args)
	assert.Equal(t, []string{"ITK_GLOBAL_DEFAULT_NUMBER_OF_THREADS=8"}, cmd.Env)
}

func TestJacobianArgv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "jacobian.nii.gz")
	exec := &recordingExecutor{create: []string{out}}
	client := newClient(t, exec, 0)

	require.NoError(t, client.Jacobian(context.Background(), "registered1Warp.nii.gz", out))
	assert.Equal(t, []string{"3", "registered1Warp.nii.gz", out}, exec.commands[0].Args)
	assert.Equal(t, "CreateJacobianDeterminantImage", exec.commands[0].Binary)
}

func TestToolFailureIsExternalToolError(t *testing.T) {
	toolErr := &ants.ToolError{Binary: "antsApplyTransforms", ExitCode: 1, Stderr: "Exception: file not found"}
	client := newClient(t, &recordingExecutor{err: toolErr}, 0)

	err := client.Jacobian(context.Background(), "w.nii.gz", filepath.Join(t.TempDir(), "j.nii.gz"))
	require.ErrorIs(t, err, services.ErrExternalTool)
	var got *ants.ToolError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, 1, got.ExitCode)
	assert.Contains(t, err.Error(), "file not found")
	assert.Equal(t, services.OutcomeExternalTool, services.Classify(err))
}

func TestZeroExitWithoutOutputFails(t *testing.T) {
	out := filepath.Join(t.TempDir(), "jacobian.nii.gz")
	client := newClient(t, &recordingExecutor{}, 0)

	err := client.Jacobian(context.Background(), "w.nii.gz", out)
	require.ErrorIs(t, err, services.ErrExternalTool)
	assert.Contains(t, err.Error(), "exited 0 but produced no")
}

func TestFailedRegistrationRemovesPartialOutputs(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "registered")
	warp := prefix + "1Warp.nii.gz"
	affine := prefix + "0GenericAffine.mat"
	toolErr := &ants.ToolError{Binary: "antsRegistrationSyN.sh", ExitCode: 1, Stderr: "Segmentation fault"}
	exec := &recordingExecutor{create: []string{warp}, err: toolErr}
	client := newClient(t, exec, 0)

	err := client.Register(context.Background(), "fixed.nii.gz", "moving.nii.gz", prefix, warp, affine)
	require.ErrorIs(t, err, services.ErrExternalTool)
	assert.NoFileExists(t, warp)
	assert.NoFileExists(t, affine)

	exec.create, exec.err = []string{warp, affine}, nil
	require.NoError(t, client.Register(context.Background(), "fixed.nii.gz", "moving.nii.gz", prefix, warp, affine))
	assert.FileExists(t, warp)
	assert.FileExists(t, affine)
	assert.Len(t, exec.commands, 2)
}

func TestZeroExitWithPartialOutputsRemovesThem(t *testing.T) {
	dir := t.TempDir()
	warp := filepath.Join(dir, "registered1Warp.nii.gz")
	affine := filepath.Join(dir, "registered0GenericAffine.mat")
	client := newClient(t, &recordingExecutor{create: []string{warp}}, 0)

	err := client.Register(context.Background(), "fixed.nii.gz", "moving.nii.gz", filepath.Join(dir, "registered"), warp, affine)
	require.ErrorIs(t, err, services.ErrExternalTool)
	assert.NoFileExists(t, warp)
}

// partialExecutor writes a file and then waits for its context to end.
type partialExecutor struct{ path string }

func (p partialExecutor) Run(ctx context.Context, _ ants.Command, _ func(string)) error {
	if err := os.WriteFile(p.path, []byte("partial"), 0o644); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestTimeoutRemovesPartialOutput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "jacobian.nii.gz")
	client := newClient(t, partialExecutor{path: out}, 20*time.Millisecond)

	err := client.Jacobian(context.Background(), "w.nii.gz", out)
	require.ErrorIs(t, err, services.ErrExternalTool)
	assert.NoFileExists(t, out)
}

func TestNewRequiresBinariesAndThreads(t *testing.T) {
	_, err := ants.New(ants.Binaries{Registration: "a", ApplyTransforms: "b"}, 1, 0)
	assert.ErrorIs(t, err, services.ErrConfiguration)
	_, err = ants.New(ants.Binaries{Registration: "a", ApplyTransforms: "b", Jacobian: "c"}, 0, 0)
	assert.ErrorIs(t, err, services.ErrConfiguration)
}

// blockingExecutor waits for its context to end.
type blockingExecutor struct{}

func (blockingExecutor) Run(ctx context.Context, _ ants.Command, _ func(string)) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestTimeoutIsExternalToolError(t *testing.T) {
	client := newClient(t, blockingExecutor{}, 20*time.Millisecond)

	err := client.Jacobian(context.Background(), "w.nii.gz", "j.nii.gz")
	require.ErrorIs(t, err, services.ErrExternalTool)
	assert.Contains(t, err.Error(), "timed out")
}

func TestParentCancellationIsNotToolFailure(t *testing.T) {
	client := newClient(t, blockingExecutor{}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.Jacobian(ctx, "w.nii.gz", "j.nii.gz")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, services.OutcomeCanceled, services.Classify(err))
}
