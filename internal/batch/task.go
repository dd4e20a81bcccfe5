package batch

import (
	"context"
	"time"

	"doseaccum/internal/cohort"
	"doseaccum/internal/fileutil"
)

// Task is one immutable unit of work.
type Task struct {
	Unit cohort.Unit
	// Inputs lists the artifacts the unit reads.
	Inputs []string
	// Output is the planned artifact and the skip key. An empty Output is
	// never skipped.
	Output string
	// Args carries stage-specific parameters.
	Args []string
}

// Func performs one task and writes its output.
type Func func(ctx context.Context, task Task) error

// Result records what happened to one task.
type Result struct {
	Task     Task
	Status   string
	Err      error
	Duration time.Duration
}

// SkipPolicy decides whether a task's work already exists.
type SkipPolicy func(Task) bool

// OutputExists skips a task when its output path exists as a file. Content is
// not verified.
func OutputExists(task Task) bool {
	return task.Output != "" && fileutil.FileExists(task.Output)
}

// NeverSkip schedules every task.
func NeverSkip(Task) bool { return false }

// Partition splits tasks into those to run and those the policy skips,
// preserving order within each half.
func Partition(tasks []Task, skip SkipPolicy) (pending, skipped []Task) {
	if skip == nil {
		skip = OutputExists
	}
	for _, task := range tasks {
		if skip(task) {
			skipped = append(skipped, task)
			continue
		}
		pending = append(pending, task)
	}
	return pending, skipped
}
