// Package visualization renders slices of accumulated Fourier volumes as
// grayscale images and heat maps.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"tomorecon/internal/models"
)

// Viewer extracts and saves slices of a volume
type Viewer struct {
	// volume holds the data being viewed
	volume *models.Volume

	// Log displays log(1+|v|) instead of v, which suits Fourier magnitudes
	Log bool

	// range of the displayed values, computed on first use
	min, max float64
	ranged   bool
}

// NewViewer creates a viewer for v
func NewViewer(v *models.Volume) *Viewer {
	return &Viewer{volume: v}
}

func (v *Viewer) value(i int) float64 {
	x := float64(v.volume.Data[i])
	if v.Log {
		return math.Log1p(math.Abs(x))
	}
	return x
}

// Range returns the minimum and maximum displayed value
func (v *Viewer) Range() (min, max float64) {
	if !v.ranged {
		v.min, v.max = math.Inf(1), math.Inf(-1)
		for i := range v.volume.Data {
			x := v.value(i)
			v.min = math.Min(v.min, x)
			v.max = math.Max(v.max, x)
		}
		v.ranged = true
	}
	return v.min, v.max
}

// sliceValues returns the displayed values of a plane as a row-major
// width×height grid.
//
// Axis x gives the YZ plane (width = depth), y the XZ plane (height =
// depth) and z the XY plane.
func (v *Viewer) sliceValues(axis string, position int) ([]float64, int, int, error) {
	if position < 0 {
		return nil, 0, 0, fmt.Errorf("position must be non-negative")
	}
	d := v.volume.Dims

	var w, h int
	var index func(i, j int) int
	switch axis {
	case "x", "X":
		if position >= d.X {
			return nil, 0, 0, fmt.Errorf("position %d exceeds width %d", position, d.X)
		}
		w, h = d.Z, d.Y
		index = func(i, j int) int { return d.Index(position, j, i) }
	case "y", "Y":
		if position >= d.Y {
			return nil, 0, 0, fmt.Errorf("position %d exceeds height %d", position, d.Y)
		}
		w, h = d.X, d.Z
		index = func(i, j int) int { return d.Index(i, position, j) }
	case "z", "Z":
		if position >= d.Z {
			return nil, 0, 0, fmt.Errorf("position %d exceeds depth %d", position, d.Z)
		}
		w, h = d.X, d.Y
		index = func(i, j int) int { return d.Index(i, j, position) }
	default:
		return nil, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	vals := make([]float64, w*h)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			vals[j*w+i] = v.value(index(i, j))
		}
	}
	return vals, w, h, nil
}

// ExtractSlice extracts a 2D slice along the given axis, scaled so the
// volume's value range spans the full 16-bit gray range
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	vals, w, h, err := v.sliceValues(axis, position)
	if err != nil {
		return nil, err
	}

	min, max := v.Range()
	scale := 0.0
	if max > min {
		scale = 65535 / (max - min)
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			g := math.Max(0, math.Min(65535, (vals[j*w+i]-min)*scale))
			img.SetGray16(i, j, color.Gray16{Y: uint16(math.Round(g))})
		}
	}
	return img, nil
}

// ExtractRegion extracts a 3D subregion from the volume
func (v *Viewer) ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ int) (*models.Volume, error) {
	if startX < 0 || startY < 0 || startZ < 0 {
		return nil, fmt.Errorf("start coordinates must be non-negative")
	}
	if sizeX <= 0 || sizeY <= 0 || sizeZ <= 0 {
		return nil, fmt.Errorf("size dimensions must be positive")
	}
	d := v.volume.Dims
	if startX+sizeX > d.X || startY+sizeY > d.Y || startZ+sizeZ > d.Z {
		return nil, fmt.Errorf("region extends beyond volume boundaries")
	}

	region := models.NewVolume(models.Dims3{X: sizeX, Y: sizeY, Z: sizeZ})
	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			src := d.Index(startX, startY+y, startZ+z)
			dst := region.Dims.Index(0, y, z)
			copy(region.Data[dst:dst+sizeX], v.volume.Data[src:src+sizeX])
		}
	}
	return region, nil
}

// SaveSlice saves an extracted slice as a PNG image
func (v *Viewer) SaveSlice(img image.Image, filename string) (err error) {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return png.Encode(file, img)
}

// SaveSliceSequence extracts and saves every slice along the given axis
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var n int
	switch axis {
	case "x", "X":
		n = v.volume.Dims.X
	case "y", "Y":
		n = v.volume.Dims.Y
	case "z", "Z":
		n = v.volume.Dims.Z
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < n; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.png", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}
	return nil
}

// sliceGrid adapts a slice to plotter.GridXYZ
type sliceGrid struct {
	vals []float64
	w, h int
}

func (g sliceGrid) Dims() (c, r int)   { return g.w, g.h }
func (g sliceGrid) Z(c, r int) float64 { return g.vals[r*g.w+c] }
func (g sliceGrid) X(c int) float64    { return float64(c) }
func (g sliceGrid) Y(r int) float64    { return float64(r) }

// SaveHeatMap renders a slice as a heat map with axes and writes it to
// filename. The format follows the file extension (png, svg, pdf, ...).
func (v *Viewer) SaveHeatMap(axis string, position int, title, filename string) error {
	vals, w, h, err := v.sliceValues(axis, position)
	if err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = title
	p.Title.TextStyle.Font.Size = vg.Points(12)
	p.X.Label.Text = "voxel"
	p.Y.Label.Text = "voxel"

	hm := plotter.NewHeatMap(sliceGrid{vals: vals, w: w, h: h}, palette.Heat(64, 1))
	hm.Rasterized = true
	if hm.Max <= hm.Min {
		// constant slice, e.g. an empty weight plane
		hm.Max = hm.Min + 1
	}
	p.Add(hm)

	const dpi = 96
	size := vg.Length(math.Max(320, float64(4*max(w, h)))) * vg.Inch / dpi
	if err := p.Save(size, size, filename); err != nil {
		return fmt.Errorf("failed to save heat map: %w", err)
	}
	return nil
}
