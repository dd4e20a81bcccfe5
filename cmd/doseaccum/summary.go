package main

import (
	"fmt"
	"strings"
	"time"

	"doseaccum/internal/batch"
)

const maxErrorWidth = 96

func renderSummary(s batch.Summary, colorize bool) string {
	var b strings.Builder
	for _, line := range renderSectionHeader(stageLabel(s.Stage), colorize) {
		b.WriteString(line + "\n")
	}

	failedKind := statusOK
	if s.Failed > 0 {
		failedKind = statusError
	}
	lines := []string{
		renderStatusLine("Units", statusInfo, fmt.Sprintf("%d", s.Total), colorize),
		renderStatusLine("Succeeded", statusOK, fmt.Sprintf("%d", s.Succeeded), colorize),
		renderStatusLine("Skipped (output exists)", statusInfo, fmt.Sprintf("%d", s.Skipped), colorize),
		renderStatusLine("Failed", failedKind, fmt.Sprintf("%d", s.Failed), colorize),
		renderStatusLine("Elapsed", statusInfo, s.Elapsed.Round(time.Millisecond).String(), colorize),
	}
	for _, line := range lines {
		b.WriteString(line + "\n")
	}

	if len(s.Failures) > 0 {
		rows := make([][]string, 0, len(s.Failures))
		for _, f := range s.Failures {
			rows = append(rows, []string{
				f.Task.Unit.Patient,
				f.Task.Unit.Session,
				f.Status,
				truncate(firstLine(errString(f.Err)), maxErrorWidth),
			})
		}
		b.WriteString(renderTable([]string{"Patient", "Session", "Outcome", "Error"}, rows))
		b.WriteString("\n")
	}
	return b.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
