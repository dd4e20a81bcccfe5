package deps

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const registrationBackend = "antsRegistration"

// ANTsRequirements lists the three ANTs entry points the stages invoke.
func ANTsRequirements(registration, applyTransforms, jacobian string) []Requirement {
	return []Requirement{
		{
			Name:        "ANTs registration",
			Command:     registration,
			Description: "Required by the register stage",
		},
		{
			Name:        "ANTs apply transforms",
			Command:     applyTransforms,
			Description: "Required by the transform stage",
		},
		{
			Name:        "ANTs Jacobian",
			Command:     jacobian,
			Description: "Required by the jacobian stage",
		},
	}
}

// CheckRegistrationBackend reports the antsRegistration binary the
// registration wrapper script will execute.
//
// antsRegistrationSyN.sh runs ${ANTSPATH}/antsRegistration when ANTSPATH is
// set; installs commonly place both side by side, and otherwise PATH is used.
// The lookup here follows the same order.
func CheckRegistrationBackend(scriptCommand string) Status {
	result := Status{
		Name:        "antsRegistration",
		Description: "Invoked by the registration script",
	}

	var candidates []string
	if dir := strings.TrimSpace(os.Getenv("ANTSPATH")); dir != "" {
		candidates = append(candidates, filepath.Join(dir, registrationBackend))
	}
	if script := strings.TrimSpace(scriptCommand); script != "" {
		if resolved, err := exec.LookPath(script); err == nil {
			candidates = append(candidates, filepath.Join(filepath.Dir(resolved), registrationBackend))
		}
	}
	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && isExecutable(info) {
			result.Command = candidate
			result.Available = true
			return result
		}
	}

	if path, err := exec.LookPath(registrationBackend); err == nil {
		result.Command = path
		result.Available = true
		return result
	}

	result.Command = registrationBackend
	result.Detail = fmt.Sprintf("binary %q not found", registrationBackend)
	return result
}

func isExecutable(info os.FileInfo) bool {
	if info == nil || info.IsDir() {
		return false
	}
	return info.Mode().Perm()&0o111 != 0
}
