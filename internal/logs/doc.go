// Package logs reads the doseaccum log file for the CLI "logs" command.
//
// It returns the last N lines with bounded memory usage and can then follow
// the file, polling for appended lines until the caller's context ends.
package logs
