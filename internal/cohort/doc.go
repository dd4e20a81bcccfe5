// Package cohort walks the root/<patient>/<session> hierarchy and derives
// every artifact path the stages read or write.
//
// Enumerator yields patients, sessions and (patient, fraction) units lazily
// in listing order. Layout is the single source of output path conventions.
package cohort
