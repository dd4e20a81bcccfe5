// Package dicomio reads per-slice DICOM series out of session directories and
// reconstructs scan, dose and structure volumes from them.
//
// Decoding sits behind the Reader interface; FileReader is the production
// implementation and tests substitute in-memory datasets.
package dicomio
