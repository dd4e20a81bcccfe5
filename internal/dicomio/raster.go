package dicomio

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"doseaccum/internal/services"
)

// singleSliceTolerance bounds the contour-to-slice distance when the series
// has no inter-slice spacing to derive it from.
const singleSliceTolerance = 0.5

// geometry maps patient coordinates onto the scan voxel grid. Slices are
// assumed axial with rows along +y and columns along +x.
type geometry struct {
	rows       int
	cols       int
	rowSpacing float64
	colSpacing float64
	originX    []float64
	originY    []float64
	sliceZ     []float64
	tolerance  float64
}

func newGeometry(series []*Dataset) (geometry, error) {
	first := series[0]
	g := geometry{rows: first.Rows, cols: first.Columns}
	for _, ds := range series {
		if len(ds.ImagePosition) < 3 || len(ds.PixelSpacing) < 2 {
			return geometry{}, services.Wrap(services.ErrShapeOrValue, "", "build struct",
				fmt.Sprintf("slice %s lacks ImagePositionPatient or PixelSpacing", filepath.Base(ds.Path)), nil)
		}
		g.originX = append(g.originX, ds.ImagePosition[0])
		g.originY = append(g.originY, ds.ImagePosition[1])
		g.sliceZ = append(g.sliceZ, ds.ImagePosition[2])
	}
	g.rowSpacing, g.colSpacing = first.PixelSpacing[0], first.PixelSpacing[1]
	if g.rowSpacing <= 0 || g.colSpacing <= 0 {
		return geometry{}, services.Wrap(services.ErrShapeOrValue, "", "build struct",
			fmt.Sprintf("non-positive pixel spacing %v", first.PixelSpacing), nil)
	}
	g.tolerance = sliceTolerance(g.sliceZ)
	return g, nil
}

func sliceTolerance(zs []float64) float64 {
	sorted := append([]float64(nil), zs...)
	sort.Float64s(sorted)
	gap := math.Inf(1)
	for i := 1; i < len(sorted); i++ {
		if d := sorted[i] - sorted[i-1]; d > 0 && d < gap {
			gap = d
		}
	}
	if math.IsInf(gap, 1) {
		return singleSliceTolerance
	}
	return gap / 2
}

// nearestSlice returns the slice index closest to z, if within tolerance.
func (g geometry) nearestSlice(z float64) (int, bool) {
	best, bestDist := -1, math.Inf(1)
	for i, sz := range g.sliceZ {
		if d := math.Abs(sz - z); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, best >= 0 && bestDist <= g.tolerance
}

// rasterize fills each contour on its nearest slice using the even-odd rule
// at pixel centres. Overlapping contours on one slice toggle, so inner rings
// carve holes.
func (g geometry) rasterize(contours []Contour) []float64 {
	plane := g.rows * g.cols
	mask := make([]float64, len(g.sliceZ)*plane)
	for _, contour := range contours {
		if len(contour.Points) < 3 {
			continue
		}
		k, ok := g.nearestSlice(contour.Points[0][2])
		if !ok {
			continue
		}
		xs := make([]float64, len(contour.Points))
		ys := make([]float64, len(contour.Points))
		minX, maxX := math.Inf(1), math.Inf(-1)
		minY, maxY := math.Inf(1), math.Inf(-1)
		for i, p := range contour.Points {
			xs[i] = (p[0] - g.originX[k]) / g.colSpacing
			ys[i] = (p[1] - g.originY[k]) / g.rowSpacing
			minX, maxX = math.Min(minX, xs[i]), math.Max(maxX, xs[i])
			minY, maxY = math.Min(minY, ys[i]), math.Max(maxY, ys[i])
		}
		if maxX < 0 || maxY < 0 || minX > float64(g.cols-1) || minY > float64(g.rows-1) {
			continue
		}
		c0, c1 := clampIndex(math.Floor(minX), g.cols), clampIndex(math.Ceil(maxX), g.cols)
		r0, r1 := clampIndex(math.Floor(minY), g.rows), clampIndex(math.Ceil(maxY), g.rows)
		base := k * plane
		for r := r0; r <= r1; r++ {
			for c := c0; c <= c1; c++ {
				if insidePolygon(float64(c), float64(r), xs, ys) {
					idx := base + r*g.cols + c
					mask[idx] = 1 - mask[idx]
				}
			}
		}
	}
	return mask
}

func clampIndex(v float64, n int) int {
	switch {
	case v < 0:
		return 0
	case v > float64(n-1):
		return n - 1
	default:
		return int(v)
	}
}

func insidePolygon(x, y float64, xs, ys []float64) bool {
	inside := false
	j := len(xs) - 1
	for i := range xs {
		if (ys[i] > y) != (ys[j] > y) && x < (xs[j]-xs[i])*(y-ys[i])/(ys[j]-ys[i])+xs[i] {
			inside = !inside
		}
		j = i
	}
	return inside
}
