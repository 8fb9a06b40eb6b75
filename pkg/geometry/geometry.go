// Package geometry maps output voxels of a Fourier volume onto the plane of
// a single tilt and weights them by their distance from that plane.
//
// The origin of every axis is the integer half of its length (x - X/2).
// Even-sized axes are shifted by half a voxel so that, at zero tilt, each
// voxel lands on a texel centre of a slice image of the same size.
package geometry

import (
	"math"

	"tomorecon/internal/models"
)

// DefaultSliceHalfWidth is the half-width R of the inserted slice, in voxels
const DefaultSliceHalfWidth = 1.5

// Tilt is the single-axis rotation of one tilt image
type Tilt struct {
	Sin float64
	Cos float64
}

// NewTilt returns the rotation for a stage tilt given in degrees. The angle
// is negated before conversion: the slice is rotated back into the
// specimen frame.
func NewTilt(angleDeg float64) Tilt {
	s, c := math.Sincos(-angleDeg * math.Pi / 180)
	return Tilt{Sin: s, Cos: c}
}

// Shift is the per-axis size shift of a volume
type Shift struct {
	X, Y, Z float64
}

// SizeShift returns 0.5 on every even axis of d and 0 on every odd axis
func SizeShift(d models.Dims3) Shift {
	return Shift{X: axisShift(d.X), Y: axisShift(d.Y), Z: axisShift(d.Z)}
}

func axisShift(n int) float64 {
	if n%2 == 0 {
		return 0.5
	}
	return 0
}

// Sample is the result of mapping a voxel onto a tilt plane
type Sample struct {
	// U and V are normalized texture coordinates in the slice image
	U, V float64

	// Distance is the signed distance tw of the voxel from the plane
	Distance float64

	// Weight is the plane-distance weight of the voxel for this tilt
	Weight float64
}

// Model holds the fixed geometry of one reconstruction: output size, size
// shift and the plane-distance taper.
type Model struct {
	Dims   models.Dims3
	Shift  Shift
	Radius float64
	Norm   float64
}

// NewModel creates a model for an output volume of size d with slice
// half-width radius and unit weight normalization
func NewModel(d models.Dims3, radius float64) Model {
	return Model{
		Dims:   d,
		Shift:  SizeShift(d),
		Radius: radius,
		Norm:   1,
	}
}

// Weight evaluates the cosine taper 0.5*(1+cos(tw*pi/R))/Norm. It peaks at
// tw = 0 and reaches 0 at |tw| = R; outside the slice it is 0.
func (m Model) Weight(tw float64) float64 {
	a := math.Abs(tw)
	if a > m.Radius {
		return 0
	}
	return 0.5 * (1 + math.Cos(a*math.Pi/m.Radius)) / m.Norm
}

// Peak returns the maximum of the weight function
func (m Model) Peak() float64 {
	return m.Weight(0)
}

// Map projects voxel (x, y, z) onto the plane of tilt t. It reports false
// when the voxel is farther than Radius from the plane or when its slice
// coordinates fall outside the guarded texture range.
func (m Model) Map(t Tilt, x, y, z int) (Sample, bool) {
	u := float64(x - m.Dims.X/2)
	w := float64(z - m.Dims.Z/2)

	tw := -u*t.Sin + w*t.Cos + m.Shift.Z
	if math.Abs(tw) > m.Radius {
		return Sample{}, false
	}

	tu := (u*t.Cos+w*t.Sin+m.Shift.X)/float64(m.Dims.X) + 0.5
	tv := (float64(y-m.Dims.Y/2)+m.Shift.Y)/float64(m.Dims.Y) + 0.5
	if !m.inBounds(tu, tv, tw) {
		return Sample{}, false
	}

	return Sample{U: tu, V: tv, Distance: tw, Weight: m.Weight(tw)}, true
}

// inBounds applies the texture guard. The two in-plane axes exclude their
// last texel (< 1 - 1/dim); the plane-normal axis only has to stay inside
// the open unit interval.
func (m Model) inBounds(tu, tv, tw float64) bool {
	if tu <= 0 || tu >= 1-1/float64(m.Dims.X) {
		return false
	}
	if tv <= 0 || tv >= 1-1/float64(m.Dims.Y) {
		return false
	}
	tz := tw/float64(m.Dims.Z) + 0.5
	return tz > 0 && tz < 1
}
