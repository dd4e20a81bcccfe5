// Package volume defines the reconstructed 3D artifacts handled by every stage
// (scan intensities, physical dose grids and binary structure masks) together
// with the gzip-compressed NIfTI-1 codec used to persist them.
//
// A Volume is a closed variant: its Kind is fixed by the constructor and
// kind-specific data (the dose scale factor, the structure label) is only
// reachable through accessors that report whether the volume carries it.
// Voxel data is stored depth-major, x varying fastest.
package volume
