// Package stages implements the batch stage drivers: convert, register,
// transform, jacobian, metrics, mutual-info and sum-doses.
//
// Every driver follows the same shape: enumerate the cohort, resolve each
// unit's paths through cohort.Layout, drop units whose output exists, run the
// rest on a batch.Runner sized from configuration, record outcomes in the
// ledger and return a batch.Summary. Only one stage may run against a state
// directory at a time; the driver holds a file lock for the duration.
package stages
