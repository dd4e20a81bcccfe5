// Package metrics computes structure overlap (Dice, HD95, precision, recall)
// and image mutual information between a planning volume and a fraction
// volume resampled into planning space, and writes the CSV reports.
//
// Conventions follow the common medical-imaging definitions: the transformed
// mask is the "result" and the planning mask the "reference"; distances use
// unit voxel spacing and 6-connected surfaces; entropies are in bits.
package metrics
