// Package sampler reads a 2D slice image the way a texture unit does:
// normalized coordinates, bilinear filtering and clamp-to-edge addressing.
package sampler

import (
	"fmt"
	"math"

	"tomorecon/internal/models"
)

// Sampler returns a filtered value at normalized coordinates (u, v) in [0, 1)
type Sampler interface {
	Sample(u, v float64) float32
}

// Bilinear is a read-only view of a 2D image with linear filtering
type Bilinear struct {
	width  int
	height int
	data   []float32
}

// NewBilinear wraps img for sampling. The image is not copied.
func NewBilinear(img *models.Image2D) (*Bilinear, error) {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("sampler: empty image")
	}
	if len(img.Data) != img.Width*img.Height {
		return nil, fmt.Errorf("sampler: image has %d pixels, want %dx%d", len(img.Data), img.Width, img.Height)
	}
	return &Bilinear{width: img.Width, height: img.Height, data: img.Data}, nil
}

// Width returns the image width in texels
func (b *Bilinear) Width() int { return b.width }

// Height returns the image height in texels
func (b *Bilinear) Height() int { return b.height }

// Sample interpolates between the four texels surrounding (u, v). Texel
// centres sit at (i+0.5)/W; neighbours that fall outside the image are
// clamped to the nearest edge texel.
func (b *Bilinear) Sample(u, v float64) float32 {
	xb := u*float64(b.width) - 0.5
	yb := v*float64(b.height) - 0.5

	fx := math.Floor(xb)
	fy := math.Floor(yb)
	alpha := xb - fx
	beta := yb - fy

	i0 := clamp(int(fx), b.width)
	i1 := clamp(int(fx)+1, b.width)
	j0 := clamp(int(fy), b.height)
	j1 := clamp(int(fy)+1, b.height)

	t00 := float64(b.data[j0*b.width+i0])
	t10 := float64(b.data[j0*b.width+i1])
	t01 := float64(b.data[j1*b.width+i0])
	t11 := float64(b.data[j1*b.width+i1])

	return float32((1-alpha)*(1-beta)*t00 +
		alpha*(1-beta)*t10 +
		(1-alpha)*beta*t01 +
		alpha*beta*t11)
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// HalfGrid reads a centered full-grid spectrum from its stored Hermitian
// half. The half image keeps frequencies 0..W/2 along x starting at column 0
// and every row of the full image, centered at H/2. A point with negative x
// frequency is read at (-fx, -fy), which holds for spectra of real images.
//
// Coordinates are those of the full image, so callers sample it exactly as
// they would the full grid. On even axes the Nyquist column and row have no
// partner in the full grid and may differ at the very edge.
type HalfGrid struct {
	half       Sampler
	fullWidth  int
	fullHeight int
	width      int
}

// NewHalfGrid wraps a sampler of the (fullWidth/2+1) x fullHeight half image
func NewHalfGrid(half Sampler, fullWidth, fullHeight int) (*HalfGrid, error) {
	if half == nil || fullWidth <= 0 || fullHeight <= 0 {
		return nil, fmt.Errorf("sampler: invalid half grid of %dx%d", fullWidth, fullHeight)
	}
	return &HalfGrid{half: half, fullWidth: fullWidth, fullHeight: fullHeight, width: fullWidth/2 + 1}, nil
}

// Sample folds (u, v) onto the half image and samples it there
func (h *HalfGrid) Sample(u, v float64) float32 {
	oy := float64(h.fullHeight / 2)

	// signed frequencies in texels, 0 at the full-grid origin
	fx := u*float64(h.fullWidth) - 0.5 - float64(h.fullWidth/2)
	fy := v*float64(h.fullHeight) - 0.5 - oy
	if fx < 0 {
		fx, fy = -fx, -fy
	}
	return h.half.Sample((fx+0.5)/float64(h.width), (fy+oy+0.5)/float64(h.fullHeight))
}
