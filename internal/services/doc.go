// Package services defines shared utilities consumed by the stage drivers and
// the external tool wrappers.
//
// Key responsibilities:
//   - Context helpers that stamp run IDs, stage names, and the patient/session
//     a unit targets for logging.
//   - Structured error markers plus the Wrap helper that keep the failure
//     taxonomy (missing input, ambiguous input, shape or value, external tool)
//     intact through wrapping, and Classify which turns an error into the
//     outcome label recorded in the run ledger.
//
// Use these helpers when wiring new stage logic so failure reporting stays
// uniform across the pipeline.
package services
