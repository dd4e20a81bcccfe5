// Package preflight provides readiness checks for the filesystem paths and
// external tools doseaccum depends on.
//
// The CLI "doseaccum check" command runs RunAll and renders the results.
// Stage commands call RunAll with the directories they need before
// dispatching, so a missing cohort root fails fast instead of once per unit.
package preflight
