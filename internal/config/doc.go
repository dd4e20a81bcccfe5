// Package config loads, normalizes, and validates doseaccum configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// DOSEACCUM_COHORT_DIR. The Config type centralizes every knob the stage
// commands need: cohort and DICOM roots, the planning directory name, artifact
// file names, external tool binaries, and worker pool sizing.
//
// Hardware parallelism is resolved here once and then carried explicitly in
// Workers.Concurrency and ANTs.Threads, so no downstream package consults
// runtime.NumCPU on its own.
package config
