package preflight

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"doseaccum/internal/config"
	"doseaccum/internal/deps"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.W_OK|unix.X_OK, "read/write ok")
}

// CheckDirectoryReadable verifies that the directory exists and can be listed.
func CheckDirectoryReadable(name, path string) Result {
	return checkDirectory(name, path, unix.R_OK|unix.X_OK, "read ok")
}

func checkDirectory(name, path string, mode uint32, ok string) Result {
	if path == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, mode); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (%s)", path, ok)}
}

// CheckToolchain evaluates the ANTs binaries configured for the register,
// transform and jacobian stages, plus the backend the registration script
// calls into.
func CheckToolchain(cfg *config.Config) []deps.Status {
	requirements := deps.ANTsRequirements(
		cfg.ANTs.RegistrationBinary,
		cfg.ANTs.ApplyTransformsBinary,
		cfg.ANTs.JacobianBinary,
	)
	statuses := deps.CheckBinaries(requirements)
	return append(statuses, deps.CheckRegistrationBackend(cfg.ANTs.RegistrationBinary))
}
