// Package ledger records stage runs and per-unit outcomes in a SQLite
// database under the state directory.
//
// The ledger is observational: it backs the `runs` views and post-mortem
// inspection, and never decides whether a unit is skipped. Artifact
// existence remains the only idempotency key.
package ledger
