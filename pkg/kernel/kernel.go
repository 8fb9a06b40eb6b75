// Package kernel contains the device programs of the reconstruction: slice
// accumulation into the Fourier volumes and reduction of partial volumes.
package kernel

import (
	"fmt"

	"tomorecon/internal/models"
	"tomorecon/pkg/device"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/sampler"
)

// Accumulator inserts one tilt into the signal and weight volumes. Every
// voxel is visited by exactly one slab, so concurrent slabs never write the
// same address.
type Accumulator struct {
	Model geometry.Model
	Tilt  geometry.Tilt

	// Transform, when set, replaces Tilt with a general rotation.
	Transform *geometry.Transform

	// Texture is the bound slice image of this tilt.
	Texture sampler.Sampler

	Signal []float32
	Weight []float32
}

// NewAccumulator checks that the volumes match the model and returns the
// kernel for one tilt
func NewAccumulator(m geometry.Model, t geometry.Tilt, tex sampler.Sampler, signal, weight device.Volume) (*Accumulator, error) {
	if tex == nil {
		return nil, fmt.Errorf("accumulator: no texture bound")
	}
	if signal.Dims() != m.Dims || weight.Dims() != m.Dims {
		return nil, fmt.Errorf("accumulator: volumes %v/%v do not match model %v", signal.Dims(), weight.Dims(), m.Dims)
	}
	return &Accumulator{
		Model:   m,
		Tilt:    t,
		Texture: tex,
		Signal:  signal.Data(),
		Weight:  weight.Data(),
	}, nil
}

func (a *Accumulator) Name() string { return "accumulate" }

// Execute accumulates every voxel of the slab that lies within the slice
func (a *Accumulator) Execute(slab device.Slab) error {
	d := a.Model.Dims
	if len(a.Signal) != d.Len() || len(a.Weight) != d.Len() {
		return fmt.Errorf("accumulator: volume length %d/%d, want %d", len(a.Signal), len(a.Weight), d.Len())
	}

	for z := slab.Z0; z < slab.Z1; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				s, ok := a.mapVoxel(x, y, z)
				if !ok {
					continue
				}
				v := a.Texture.Sample(s.U, s.V)
				i := d.Index(x, y, z)
				w := float32(s.Weight)
				a.Signal[i] += w * v
				a.Weight[i] += w
			}
		}
	}
	return nil
}

func (a *Accumulator) mapVoxel(x, y, z int) (geometry.Sample, bool) {
	if a.Transform != nil {
		return a.Model.MapTransform(a.Transform, x, y, z)
	}
	return a.Model.Map(a.Tilt, x, y, z)
}

// Reduce adds Src into Dst voxel by voxel
type Reduce struct {
	Dims models.Dims3
	Dst  []float32
	Src  []float32
}

func (r *Reduce) Name() string { return "reduce" }

func (r *Reduce) Execute(slab device.Slab) error {
	if len(r.Dst) != r.Dims.Len() || len(r.Src) != r.Dims.Len() {
		return fmt.Errorf("reduce: volume length %d/%d, want %d", len(r.Dst), len(r.Src), r.Dims.Len())
	}
	plane := r.Dims.X * r.Dims.Y
	lo, hi := slab.Z0*plane, slab.Z1*plane
	dst, src := r.Dst[lo:hi], r.Src[lo:hi]
	for i := range dst {
		dst[i] += src[i]
	}
	return nil
}
