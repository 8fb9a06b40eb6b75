package reconstruction

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Coverage summarizes how much of Fourier space the inserted tilts reached
type Coverage struct {
	Voxels   int
	Covered  int
	Fraction float64

	// MeanWeight and StdWeight are taken over covered voxels only
	MeanWeight float64
	StdWeight  float64
	MaxWeight  float64
}

func (c Coverage) String() string {
	return fmt.Sprintf("%d/%d voxels covered (%.2f%%), weight mean %.4f std %.4f max %.4f",
		c.Covered, c.Voxels, 100*c.Fraction, c.MeanWeight, c.StdWeight, c.MaxWeight)
}

// summaryChunk bounds the float64 scratch space of Summarize
const summaryChunk = 1 << 14

// Summarize computes the coverage of a weight volume. Covered weights are
// converted in chunks of summaryChunk and the per-chunk moments are merged,
// so memory does not grow with the volume.
func Summarize(weight []float32) Coverage {
	c := Coverage{Voxels: len(weight)}
	if c.Voxels == 0 {
		return c
	}

	var n, mean, m2 float64
	buf := make([]float64, 0, min(summaryChunk, len(weight)))
	flush := func() {
		if len(buf) == 0 {
			return
		}
		k := float64(len(buf))
		bm, bv := stat.PopMeanVariance(buf, nil)
		delta := bm - mean
		total := n + k
		mean += delta * k / total
		m2 += bv*k + delta*delta*n*k/total
		n = total
		c.MaxWeight = math.Max(c.MaxWeight, floats.Max(buf))
		buf = buf[:0]
	}
	for _, w := range weight {
		if w > 0 {
			buf = append(buf, float64(w))
			if len(buf) == cap(buf) {
				flush()
			}
		}
	}
	flush()

	c.Covered = int(n)
	c.Fraction = n / float64(c.Voxels)
	if c.Covered == 0 {
		return c
	}
	c.MeanWeight = mean
	if c.Covered > 1 {
		c.StdWeight = math.Sqrt(m2 / (n - 1))
	}
	return c
}

// CheckInvariants verifies the accumulator pair: every weight is finite and
// non-negative, and a voxel with zero weight has zero signal.
func CheckInvariants(signal, weight []float32) error {
	if len(signal) != len(weight) {
		return fmt.Errorf("signal has %d voxels, weight has %d", len(signal), len(weight))
	}
	for i, w := range weight {
		s := signal[i]
		switch {
		case math.IsNaN(float64(w)) || math.IsInf(float64(w), 0) || w < 0:
			return fmt.Errorf("voxel %d: invalid weight %v", i, w)
		case math.IsNaN(float64(s)) || math.IsInf(float64(s), 0):
			return fmt.Errorf("voxel %d: invalid signal %v", i, s)
		case w == 0 && s != 0:
			return fmt.Errorf("voxel %d: signal %v with zero weight", i, s)
		}
	}
	return nil
}
