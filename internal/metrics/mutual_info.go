package metrics

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"doseaccum/internal/services"
	"doseaccum/internal/volume"
)

// DefaultBins is the histogram resolution for mutual information.
const DefaultBins = 256

// MutualInformation returns I(a;b) = H(a) + H(b) - H(a,b) in bits, estimated
// from equal-width histograms with the given number of bins per axis.
func MutualInformation(a, b *volume.Volume, bins int) (float64, error) {
	if bins < 2 {
		return 0, services.Wrap(services.ErrConfiguration, "", "mutual information", fmt.Sprintf("bins must be >= 2, got %d", bins), nil)
	}
	if !a.SameShape(b) {
		return 0, services.Wrap(services.ErrShapeOrValue, "", "mutual information",
			fmt.Sprintf("image shapes differ: %s vs %s", a.Shape(), b.Shape()), nil)
	}

	ad, bd := a.Data(), b.Data()
	aLo, aHi := histogramRange(ad, bins)
	bLo, bHi := histogramRange(bd, bins)

	joint := make([]float64, bins*bins)
	margA := make([]float64, bins)
	margB := make([]float64, bins)
	for i := range ad {
		ia := binIndex(ad[i], aLo, aHi, bins)
		ib := binIndex(bd[i], bLo, bHi, bins)
		if ia < 0 || ib < 0 {
			continue
		}
		joint[ia*bins+ib]++
		margA[ia]++
		margB[ib]++
	}
	return entropyBits(margA) + entropyBits(margB) - entropyBits(joint), nil
}

// histogramRange widens [min, max] by half a bin on either side.
func histogramRange(data []float64, bins int) (float64, float64) {
	lo, hi := floats.Min(data), floats.Max(data)
	if lo == hi {
		return lo - 0.5, hi + 0.5
	}
	s := 0.5 * (hi - lo) / float64(bins-1)
	return lo - s, hi + s
}

func binIndex(x, lo, hi float64, bins int) int {
	if math.IsNaN(x) || x < lo || x > hi {
		return -1
	}
	idx := int((x - lo) / (hi - lo) * float64(bins))
	if idx == bins {
		idx--
	}
	return idx
}

func entropyBits(counts []float64) float64 {
	total := floats.Sum(counts)
	if total == 0 {
		return 0
	}
	p := make([]float64, len(counts))
	copy(p, counts)
	floats.Scale(1/total, p)
	return stat.Entropy(p) / math.Ln2
}
