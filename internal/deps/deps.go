package deps

import (
	"fmt"
	"os/exec"
	"strings"
)

// Requirement names an external binary a stage invokes.
type Requirement struct {
	Name        string
	Command     string
	Description string
	// Optional requirements are reported but never fail preflight.
	Optional bool
}

// Status is the resolved availability of one Requirement. Command holds the
// absolute path when the binary was found.
type Status struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries resolves every requirement against PATH, in order.
func CheckBinaries(requirements []Requirement) []Status {
	statuses := make([]Status, len(requirements))
	for i, req := range requirements {
		statuses[i] = check(req)
	}
	return statuses
}

func check(req Requirement) Status {
	st := Status{
		Name:        req.Name,
		Command:     strings.TrimSpace(req.Command),
		Description: strings.TrimSpace(req.Description),
		Optional:    req.Optional,
	}
	switch path, err := exec.LookPath(st.Command); {
	case st.Command == "":
		st.Detail = "command not configured"
	case err != nil:
		st.Detail = fmt.Sprintf("binary %q not found", st.Command)
	default:
		st.Command = path
		st.Available = true
	}
	return st
}
