package volume

import (
	"fmt"
	"math"

	"doseaccum/internal/services"
)

// Kind identifies which variant a Volume holds.
type Kind uint8

const (
	KindScan Kind = iota + 1
	KindDose
	KindStruct
)

func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindDose:
		return "dose"
	case KindStruct:
		return "struct"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Shape is a depth × height × width extent.
type Shape struct {
	Depth  int
	Height int
	Width  int
}

// Len returns the voxel count.
func (s Shape) Len() int {
	return s.Depth * s.Height * s.Width
}

func (s Shape) String() string {
	return fmt.Sprintf("(%d,%d,%d)", s.Depth, s.Height, s.Width)
}

func (s Shape) valid() bool {
	return s.Depth > 0 && s.Height > 0 && s.Width > 0
}

// Affine is a 4×4 voxel-to-world matrix.
type Affine [4][4]float64

// Identity returns the identity spatial reference.
func Identity() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Volume is a reconstructed 3D artifact.
type Volume struct {
	kind   Kind
	shape  Shape
	data   []float64
	affine Affine
	scale  float64
	label  string
}

// NewScan wraps raw intensities.
func NewScan(shape Shape, data []float64) (*Volume, error) {
	if err := checkExtent(shape, data); err != nil {
		return nil, err
	}
	return &Volume{kind: KindScan, shape: shape, data: data, affine: Identity()}, nil
}

// NewDose multiplies the stored grid by scale and returns a dose volume in
// physical units. The raw slice is scaled in place.
func NewDose(shape Shape, raw []float64, scale float64) (*Volume, error) {
	if err := checkExtent(shape, raw); err != nil {
		return nil, err
	}
	if math.IsNaN(scale) || math.IsInf(scale, 0) || scale <= 0 {
		return nil, services.Wrap(services.ErrShapeOrValue, "", "dose", fmt.Sprintf("invalid dose grid scaling %v", scale), nil)
	}
	if scale != 1 {
		for i := range raw {
			raw[i] *= scale
		}
	}
	return &Volume{kind: KindDose, shape: shape, data: raw, affine: Identity(), scale: scale}, nil
}

// NewStruct wraps a mask. Every value must be exactly 0 or 1.
func NewStruct(shape Shape, mask []float64, label string) (*Volume, error) {
	if err := checkExtent(shape, mask); err != nil {
		return nil, err
	}
	if err := checkBinary(mask, label); err != nil {
		return nil, err
	}
	return &Volume{kind: KindStruct, shape: shape, data: mask, affine: Identity(), label: label}, nil
}

func checkExtent(shape Shape, data []float64) error {
	if !shape.valid() {
		return services.Wrap(services.ErrShapeOrValue, "", "volume", "non-positive shape "+shape.String(), nil)
	}
	if len(data) != shape.Len() {
		return services.Wrap(services.ErrShapeOrValue, "", "volume",
			fmt.Sprintf("shape %s needs %d voxels, got %d", shape, shape.Len(), len(data)), nil)
	}
	return nil
}

func checkBinary(data []float64, label string) error {
	for i, v := range data {
		if v != 0 && v != 1 {
			return services.Wrap(services.ErrShapeOrValue, "", "struct",
				fmt.Sprintf("mask %q is not binary: voxel %d = %v", label, i, v), nil)
		}
	}
	return nil
}

// Kind reports whether the volume is a scan, dose or struct.
func (v *Volume) Kind() Kind { return v.kind }

// Shape returns the (depth, height, width) extent.
func (v *Volume) Shape() Shape { return v.shape }

// Affine returns the voxel-to-world transform written to NIfTI headers.
func (v *Volume) Affine() Affine { return v.affine }

// Data exposes the voxel slice without copying.
func (v *Volume) Data() []float64 { return v.data }

// Scale returns the dose grid scaling applied at construction.
func (v *Volume) Scale() (float64, bool) {
	if v.kind != KindDose {
		return 0, false
	}
	return v.scale, true
}

// Label returns the ROI name a struct mask was rasterized from.
func (v *Volume) Label() (string, bool) {
	if v.kind != KindStruct {
		return "", false
	}
	return v.label, true
}

// Index returns the flat offset of voxel (z, y, x).
func (v *Volume) Index(z, y, x int) int {
	return (z*v.shape.Height+y)*v.shape.Width + x
}

// At returns voxel (z, y, x).
func (v *Volume) At(z, y, x int) float64 {
	return v.data[v.Index(z, y, x)]
}

// Sum adds every voxel.
func (v *Volume) Sum() float64 {
	var total float64
	for _, x := range v.data {
		total += x
	}
	return total
}

// Any reports whether any voxel is non-zero.
func (v *Volume) Any() bool {
	for _, x := range v.data {
		if x != 0 {
			return true
		}
	}
	return false
}

// CountNonZero returns the number of non-zero voxels.
func (v *Volume) CountNonZero() int {
	n := 0
	for _, x := range v.data {
		if x != 0 {
			n++
		}
	}
	return n
}

// Threshold binarizes v: voxels at or above t become 1, the rest 0.
// NaN voxels become 0.
func (v *Volume) Threshold(t float64, label string) *Volume {
	mask := make([]float64, len(v.data))
	for i, x := range v.data {
		if x >= t {
			mask[i] = 1
		}
	}
	return &Volume{kind: KindStruct, shape: v.shape, data: mask, affine: v.affine, label: label}
}

// CheckBinary verifies that a struct volume only holds 0 and 1. Any other kind
// is rejected outright.
func (v *Volume) CheckBinary() error {
	if v.kind != KindStruct {
		return services.Wrap(services.ErrShapeOrValue, "", "struct", "expected struct volume, got "+v.kind.String(), nil)
	}
	return checkBinary(v.data, v.label)
}

// AsDose retags a volume read back from disk as a dose grid already in
// physical units.
func (v *Volume) AsDose() *Volume {
	return &Volume{kind: KindDose, shape: v.shape, data: v.data, affine: v.affine, scale: 1}
}

// AsStruct retags a volume read back from disk as a mask, failing if any
// voxel is not 0 or 1.
func (v *Volume) AsStruct(label string) (*Volume, error) {
	if err := checkBinary(v.data, label); err != nil {
		return nil, err
	}
	return &Volume{kind: KindStruct, shape: v.shape, data: v.data, affine: v.affine, label: label}, nil
}

// SameShape reports whether two volumes share an extent.
func (v *Volume) SameShape(other *Volume) bool {
	return v.shape == other.shape
}

// SumDoses adds dose volumes voxel by voxel into a new dose volume. All
// operands must be doses of identical shape.
func SumDoses(doses ...*Volume) (*Volume, error) {
	if len(doses) == 0 {
		return nil, services.Wrap(services.ErrMissingInput, "", "sum doses", "no dose volumes supplied", nil)
	}
	first := doses[0]
	out := make([]float64, first.shape.Len())
	for i, d := range doses {
		if d.kind != KindDose {
			return nil, services.Wrap(services.ErrShapeOrValue, "", "sum doses",
				fmt.Sprintf("operand %d is a %s volume", i, d.kind), nil)
		}
		if d.shape != first.shape {
			return nil, services.Wrap(services.ErrShapeOrValue, "", "sum doses",
				fmt.Sprintf("operand %d has shape %s, want %s", i, d.shape, first.shape), nil)
		}
		for j, x := range d.data {
			out[j] += x
		}
	}
	return &Volume{kind: KindDose, shape: first.shape, data: out, affine: first.affine, scale: 1}, nil
}
