package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusError
)

type statusStyle struct {
	tag   string
	color text.Colors
}

var statusStyles = map[statusKind]statusStyle{
	statusInfo:  {tag: "INFO", color: text.Colors{text.FgBlue}},
	statusOK:    {tag: "OK", color: text.Colors{text.FgGreen}},
	statusWarn:  {tag: "WARN", color: text.Colors{text.FgYellow}},
	statusError: {tag: "ERROR", color: text.Colors{text.FgRed}},
}

const labelWidth = 24

// renderStatusLine formats "  <label>: [TAG] message" with a padded label.
func renderStatusLine(label string, kind statusKind, message string, colorize bool) string {
	style, ok := statusStyles[kind]
	if !ok {
		style = statusStyles[statusInfo]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  %-*s [%s]", labelWidth, label+":", style.tag)
	if message != "" {
		b.WriteString(" ")
		b.WriteString(message)
	}
	if colorize {
		return style.color.Sprint(b.String())
	}
	return b.String()
}

func renderSectionHeader(title string, colorize bool) []string {
	heading := "== " + strings.TrimSpace(title) + " =="
	lines := []string{heading, strings.Repeat("-", len(heading))}
	if colorize {
		for i := range lines {
			lines[i] = text.Colors{text.FgBlue, text.Bold}.Sprint(lines[i])
		}
	}
	return lines
}

// stageLabel turns a stage name such as "mutual-info" into "Mutual Info".
func stageLabel(stage string) string {
	return cases.Title(language.English).String(strings.ReplaceAll(stage, "-", " "))
}

func shouldColorize(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
