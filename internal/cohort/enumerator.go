package cohort

import (
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"

	"doseaccum/internal/services"
)

// Unit identifies one session of one patient.
type Unit struct {
	Patient  string
	Session  string
	Planning bool
}

func (u Unit) String() string {
	return u.Patient + "/" + u.Session
}

// Options restricts enumeration. FirstN and Patient are mutually exclusive.
type Options struct {
	PlanningDir string
	// FirstN caps the run to the first N patients in listing order; 0 means all.
	FirstN int
	// Patient restricts the run to a single named patient.
	Patient string
}

// Enumerator lists the cohort under a root directory. It holds no iteration
// state, so concurrent walks are independent.
type Enumerator struct {
	root string
	opts Options
}

// NewEnumerator validates opts and returns an enumerator over root.
func NewEnumerator(root string, opts Options) (*Enumerator, error) {
	opts.PlanningDir = strings.TrimSpace(opts.PlanningDir)
	opts.Patient = strings.TrimSpace(opts.Patient)
	switch {
	case strings.TrimSpace(root) == "":
		return nil, services.Wrap(services.ErrConfiguration, "", "enumerate", "cohort root is empty", nil)
	case opts.PlanningDir == "":
		return nil, services.Wrap(services.ErrConfiguration, "", "enumerate", "planning dir name is empty", nil)
	case opts.FirstN < 0:
		return nil, services.Wrap(services.ErrConfiguration, "", "enumerate", fmt.Sprintf("first_n must be >= 0, got %d", opts.FirstN), nil)
	case opts.FirstN > 0 && opts.Patient != "":
		return nil, services.Wrap(services.ErrConfiguration, "", "enumerate", "first_n and patient are mutually exclusive", nil)
	}
	return &Enumerator{root: root, opts: opts}, nil
}

// Root returns the cohort root directory.
func (e *Enumerator) Root() string { return e.root }

// PlanningDir returns the planning session directory name.
func (e *Enumerator) PlanningDir() string { return e.opts.PlanningDir }

// Patients yields patient directory names after applying the caps.
func (e *Enumerator) Patients() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if e.opts.Patient != "" {
			dir := filepath.Join(e.root, e.opts.Patient)
			info, err := os.Stat(dir)
			if err != nil || !info.IsDir() {
				yield("", services.Wrap(services.ErrMissingInput, "", "enumerate",
					fmt.Sprintf("patient %q not found under %s", e.opts.Patient, e.root), err))
				return
			}
			yield(e.opts.Patient, nil)
			return
		}

		names, err := listDirs(e.root)
		if err != nil {
			yield("", err)
			return
		}
		for i, name := range names {
			if e.opts.FirstN > 0 && i >= e.opts.FirstN {
				return
			}
			if !yield(name, nil) {
				return
			}
		}
	}
}

// Sessions yields every session of every selected patient, planning
// sessions included.
func (e *Enumerator) Sessions() iter.Seq2[Unit, error] {
	return e.walk(true)
}

// Fractions yields one unit per fraction session; planning sessions are
// never yielded.
func (e *Enumerator) Fractions() iter.Seq2[Unit, error] {
	return e.walk(false)
}

func (e *Enumerator) walk(includePlanning bool) iter.Seq2[Unit, error] {
	return func(yield func(Unit, error) bool) {
		for patient, err := range e.Patients() {
			if err != nil {
				yield(Unit{}, err)
				return
			}
			sessions, err := listDirs(filepath.Join(e.root, patient))
			if err != nil {
				if !yield(Unit{Patient: patient}, err) {
					return
				}
				continue
			}
			for _, session := range sessions {
				planning := session == e.opts.PlanningDir
				if planning && !includePlanning {
					continue
				}
				if !yield(Unit{Patient: patient, Session: session, Planning: planning}, nil) {
					return
				}
			}
		}
	}
}

// Collect drains a sequence, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

// listDirs returns the visible subdirectory names of dir in lexical order.
func listDirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, services.Wrap(services.ErrMissingInput, "", "enumerate", "directory "+dir+" does not exist", err)
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}
