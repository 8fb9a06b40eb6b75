package loader

import (
	"fmt"
	"math"

	"tomorecon/internal/models"
)

// taperStart is the fraction of the output Nyquist radius where the
// low-pass edge starts to roll off
const taperStart = 0.8

// Decimate reduces a 2D image by factor in Fourier space: it keeps the
// central band of the spectrum that fits the smaller grid, rolls the band
// edge off with a cosine, and zeroes non-DC frequencies below highPass (a
// fraction of the output Nyquist radius). The mean is preserved.
func Decimate(img *models.Volume, factor int, highPass float64) (*models.Volume, error) {
	if img == nil || img.Dims.Z != 1 {
		return nil, fmt.Errorf("decimate: expected a single image")
	}
	if factor < 1 {
		return nil, fmt.Errorf("decimate: factor %d", factor)
	}
	w, h := img.Dims.X, img.Dims.Y
	ow, oh := w/factor, h/factor
	if ow < 1 || oh < 1 {
		return nil, fmt.Errorf("decimate: %dx%d image is smaller than factor %d", w, h, factor)
	}
	if factor == 1 {
		out := models.NewVolume(img.Dims)
		copy(out.Data, img.Data)
		return out, nil
	}

	spec := make([]complex128, w*h)
	for i, v := range img.Data {
		spec[i] = complex(float64(v), 0)
	}
	fft2D(spec, w, h, false)

	band := make([]complex128, ow*oh)
	for oy := 0; oy < oh; oy++ {
		fy := freqIndex(oy, oh)
		sy := (fy + h) % h
		for ox := 0; ox < ow; ox++ {
			fx := freqIndex(ox, ow)
			sx := (fx + w) % w
			g := bandGain(fx, fy, ow, oh, highPass)
			if g == 0 {
				continue
			}
			band[oy*ow+ox] = spec[sy*w+sx] * complex(g, 0)
		}
	}
	fft2D(band, ow, oh, true)

	out := models.NewVolume(models.Dims3{X: ow, Y: oh, Z: 1})
	scale := 1 / float64(w*h)
	for i, c := range band {
		out.Data[i] = float32(real(c) * scale)
	}
	return out, nil
}

// bandGain returns the filter gain of frequency (fx, fy) on an ow×oh grid
func bandGain(fx, fy, ow, oh int, highPass float64) float64 {
	if fx == 0 && fy == 0 {
		return 1
	}
	rx := float64(fx) / math.Max(float64(ow)/2, 1)
	ry := float64(fy) / math.Max(float64(oh)/2, 1)
	r := math.Hypot(rx, ry)
	switch {
	case r < highPass:
		return 0
	case r <= taperStart:
		return 1
	case r >= 1:
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*(r-taperStart)/(1-taperStart)))
}

// Bin averages factor-sized blocks along every axis longer than one sample.
// Trailing samples that do not fill a block are dropped.
func Bin(v *models.Volume, factor int) (*models.Volume, error) {
	if v == nil || !v.Dims.Valid() {
		return nil, fmt.Errorf("bin: invalid volume")
	}
	if factor < 1 {
		return nil, fmt.Errorf("bin: factor %d", factor)
	}
	fz := factor
	if v.Dims.Z == 1 {
		fz = 1
	}
	d := models.Dims3{X: v.Dims.X / factor, Y: v.Dims.Y / factor, Z: v.Dims.Z / fz}
	if !d.Valid() {
		return nil, fmt.Errorf("bin: %v volume is smaller than factor %d", v.Dims, factor)
	}

	out := models.NewVolume(d)
	norm := 1 / float64(factor*factor*fz)
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				var sum float64
				for k := 0; k < fz; k++ {
					for j := 0; j < factor; j++ {
						for i := 0; i < factor; i++ {
							sum += float64(v.At(x*factor+i, y*factor+j, z*fz+k))
						}
					}
				}
				out.Set(x, y, z, float32(sum*norm))
			}
		}
	}
	return out, nil
}
