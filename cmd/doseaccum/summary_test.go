package main

import (
	"errors"
	"strings"
	"testing"

	"doseaccum/internal/batch"
	"doseaccum/internal/cohort"
)

func TestRenderSummaryListsFailures(t *testing.T) {
	summary := batch.Summary{
		Stage:     "mutual-info",
		Total:     3,
		Succeeded: 1,
		Skipped:   1,
		Failed:    1,
		Failures: []batch.Result{{
			Task:   batch.Task{Unit: cohort.Unit{Patient: "P7", Session: "F3"}},
			Status: "shape_or_value",
			Err:    errors.New("image shapes differ\nsecond line"),
		}},
	}

	out := renderSummary(summary, false)
	requireContains(t, out, "== Mutual Info ==")
	requireContains(t, out, renderStatusLine("Failed", statusError, "1", false))
	requireContains(t, out, "P7")
	requireContains(t, out, "image shapes differ")
	if strings.Contains(out, "second line") {
		t.Fatalf("expected only the first error line, got:\n%s", out)
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatal("expected no color codes when colorize is false")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("abcdef", 4); got != "abc…" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abc", 4); got != "abc" {
		t.Fatalf("truncate = %q", got)
	}
}
