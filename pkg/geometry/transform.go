package geometry

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Transform is a general per-tilt rotation from volume offsets into slice
// coordinates. Rows 0 and 1 give the in-plane offsets, row 2 the distance
// from the plane. A transform with zero azimuth is the single-axis Tilt.
type Transform struct {
	m [9]float64
}

// NewTransform builds the rotation for a tilt about the y axis, preceded by
// an in-plane rotation of the tilt axis by azimuth. Both angles are in
// degrees and negated like NewTilt.
func NewTransform(tiltDeg, azimuthDeg float64) *Transform {
	st, ct := math.Sincos(-tiltDeg * math.Pi / 180)
	sa, ca := math.Sincos(-azimuthDeg * math.Pi / 180)

	ry := mat.NewDense(3, 3, []float64{
		ct, 0, st,
		0, 1, 0,
		-st, 0, ct,
	})
	rz := mat.NewDense(3, 3, []float64{
		ca, -sa, 0,
		sa, ca, 0,
		0, 0, 1,
	})

	var r mat.Dense
	r.Mul(ry, rz)
	return newTransform(&r)
}

// TransformFromTilt lifts a single-axis rotation into a Transform
func TransformFromTilt(t Tilt) *Transform {
	return newTransform(mat.NewDense(3, 3, []float64{
		t.Cos, 0, t.Sin,
		0, 1, 0,
		-t.Sin, 0, t.Cos,
	}))
}

func newTransform(r *mat.Dense) *Transform {
	tr := &Transform{}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			tr.m[i*3+j] = r.At(i, j)
		}
	}
	return tr
}

// Apply rotates the offset (u, v, w) into (in-plane x, in-plane y, normal)
func (tr *Transform) Apply(u, v, w float64) (float64, float64, float64) {
	m := &tr.m
	return m[0]*u + m[1]*v + m[2]*w,
		m[3]*u + m[4]*v + m[5]*w,
		m[6]*u + m[7]*v + m[8]*w
}

// SingleAxis reports whether the transform is a pure rotation about y
func (tr *Transform) SingleAxis() bool {
	const eps = 1e-12
	return math.Abs(tr.m[1]) < eps && math.Abs(tr.m[3]) < eps &&
		math.Abs(tr.m[5]) < eps && math.Abs(tr.m[7]) < eps
}

// Tilt returns the single-axis rotation. Only meaningful when SingleAxis.
func (tr *Transform) Tilt() Tilt {
	return Tilt{Sin: tr.m[2], Cos: tr.m[0]}
}

// MapTransform is Map for a general rotation
func (m Model) MapTransform(tr *Transform, x, y, z int) (Sample, bool) {
	u := float64(x - m.Dims.X/2)
	v := float64(y - m.Dims.Y/2)
	w := float64(z - m.Dims.Z/2)

	pu, pv, pw := tr.Apply(u, v, w)
	tw := pw + m.Shift.Z
	if math.Abs(tw) > m.Radius {
		return Sample{}, false
	}

	tu := (pu+m.Shift.X)/float64(m.Dims.X) + 0.5
	tv := (pv+m.Shift.Y)/float64(m.Dims.Y) + 0.5
	if !m.inBounds(tu, tv, tw) {
		return Sample{}, false
	}

	return Sample{U: tu, V: tv, Distance: tw, Weight: m.Weight(tw)}, true
}
