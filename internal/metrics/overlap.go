package metrics

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"

	"doseaccum/internal/services"
	"doseaccum/internal/volume"
)

// Overlap holds the per-fraction structure agreement scores.
type Overlap struct {
	Dice      float64
	HD95      float64
	Precision float64
	Recall    float64
}

// ComputeOverlap compares a result mask against a reference mask. Both must
// be non-empty binary struct volumes of the same shape.
func ComputeOverlap(result, reference *volume.Volume) (Overlap, error) {
	if err := checkMasks(result, reference); err != nil {
		return Overlap{}, err
	}

	var tp, fp, fn int
	res, ref := result.Data(), reference.Data()
	for i := range res {
		switch {
		case res[i] != 0 && ref[i] != 0:
			tp++
		case res[i] != 0:
			fp++
		case ref[i] != 0:
			fn++
		}
	}

	hd95, err := HD95(result, reference)
	if err != nil {
		return Overlap{}, err
	}
	return Overlap{
		Dice:      2 * float64(tp) / float64(2*tp+fp+fn),
		HD95:      hd95,
		Precision: float64(tp) / float64(tp+fp),
		Recall:    float64(tp) / float64(tp+fn),
	}, nil
}

func checkMasks(result, reference *volume.Volume) error {
	for _, m := range []struct {
		name string
		v    *volume.Volume
	}{{"result", result}, {"reference", reference}} {
		if err := m.v.CheckBinary(); err != nil {
			return fmt.Errorf("%s mask: %w", m.name, err)
		}
		if !m.v.Any() {
			return services.Wrap(services.ErrShapeOrValue, "", "overlap", m.name+" mask is empty", nil)
		}
	}
	if !result.SameShape(reference) {
		return services.Wrap(services.ErrShapeOrValue, "", "overlap",
			fmt.Sprintf("mask shapes differ: %s vs %s", result.Shape(), reference.Shape()), nil)
	}
	return nil
}

// HD95 returns the 95th percentile of the symmetric surface distances
// between two masks.
func HD95(result, reference *volume.Volume) (float64, error) {
	if err := checkMasks(result, reference); err != nil {
		return 0, err
	}
	resSurface := surface(result)
	refSurface := surface(reference)
	distances := append(surfaceDistances(resSurface, refSurface), surfaceDistances(refSurface, resSurface)...)
	sort.Float64s(distances)
	return percentile(distances, 95), nil
}

// surface returns the voxels of mask that are not in its 6-connected erosion.
// Voxels on the array boundary always belong to the surface.
func surface(mask *volume.Volume) kdtree.Points {
	shape := mask.Shape()
	var pts kdtree.Points
	for z := range shape.Depth {
		for y := range shape.Height {
			for x := range shape.Width {
				if mask.At(z, y, x) == 0 {
					continue
				}
				if onSurface(mask, shape, z, y, x) {
					pts = append(pts, kdtree.Point{float64(z), float64(y), float64(x)})
				}
			}
		}
	}
	return pts
}

var neighbours = [6][3]int{{-1, 0, 0}, {1, 0, 0}, {0, -1, 0}, {0, 1, 0}, {0, 0, -1}, {0, 0, 1}}

func onSurface(mask *volume.Volume, shape volume.Shape, z, y, x int) bool {
	for _, d := range neighbours {
		nz, ny, nx := z+d[0], y+d[1], x+d[2]
		if nz < 0 || ny < 0 || nx < 0 || nz >= shape.Depth || ny >= shape.Height || nx >= shape.Width {
			return true
		}
		if mask.At(nz, ny, nx) == 0 {
			return true
		}
	}
	return false
}

// surfaceDistances returns, for every point of from, the Euclidean distance
// to the nearest point of to.
func surfaceDistances(from, to kdtree.Points) []float64 {
	tree := kdtree.New(append(kdtree.Points(nil), to...), false)
	out := make([]float64, 0, len(from))
	for _, p := range from {
		_, d2 := tree.Nearest(p)
		out = append(out, math.Sqrt(d2))
	}
	return out
}

// percentile interpolates linearly between closest ranks of sorted values.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
