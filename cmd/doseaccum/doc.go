// Package main hosts the doseaccum CLI entrypoint and command graph.
//
// The Cobra-based command tree exposes one subcommand per pipeline stage
// (convert, register, transform, jacobian, metrics, mutual-info, sum-doses)
// plus operational views over the cohort and the run ledger. It centralizes
// configuration resolution, flag overrides and logging setup so subcommands
// only translate arguments into a stages.Driver call and render the summary.
package main
