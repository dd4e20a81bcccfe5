// Package batch runs one stage's units of work across a bounded worker pool.
//
// A stage driver builds a Task per unit, the Runner drops tasks whose planned
// output already exists, dispatches the rest with a fixed concurrency limit
// and returns one Result per task in dispatch order. A failing unit never
// cancels its siblings; every outcome is collected.
package batch
