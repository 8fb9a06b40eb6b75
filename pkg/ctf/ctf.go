// Package ctf produces the per-tilt CTF-weighted Fourier images that are
// inserted into the reconstruction.
package ctf

import (
	"context"
	"fmt"
	"math"

	"tomorecon/internal/models"
	"tomorecon/pkg/geometry"
)

// Request describes the CTF image of a single tilt
type Request struct {
	// Optics holds the acquisition parameters of the tilt.
	Optics models.TiltParams

	// Width and Height are the full real-space size of the image. In
	// half-grid mode the generated image is Width/2+1 wide.
	Width, Height int

	HalfGrid bool
	Squared  bool

	// Centered places the zero frequency at n/2 on every full axis.
	Centered bool
}

// Shape returns the grid of the image the request produces
func (r Request) Shape() geometry.Grid {
	return geometry.GridShape(r.Width, r.Height, r.HalfGrid)
}

// Generator produces CTF images
type Generator interface {
	Generate(ctx context.Context, req Request) (*models.Image2D, error)
}

// GeneratorFunc adapts a function to the Generator interface
type GeneratorFunc func(ctx context.Context, req Request) (*models.Image2D, error)

func (f GeneratorFunc) Generate(ctx context.Context, req Request) (*models.Image2D, error) {
	return f(ctx, req)
}

// Constant returns a generator that fills every image with value
func Constant(value float32) Generator {
	return GeneratorFunc(func(ctx context.Context, req Request) (*models.Image2D, error) {
		g := req.Shape()
		img := models.NewImage2D(g.Width, g.Height)
		img.Fill(value)
		return img, nil
	})
}

// Critical exposure constants (Grant & Grigorieff 2015)
const (
	critA = 0.245
	critB = -1.665
	critC = 2.81
)

// Model is the reference CTF generator: a weak-phase CTF with astigmatism,
// amplitude contrast and a dose-weighting filter, scaled by occupancy
type Model struct{}

// Generate evaluates the CTF on the request grid
func (Model) Generate(ctx context.Context, req Request) (*models.Image2D, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	o := req.Optics
	g := req.Shape()
	img := models.NewImage2D(g.Width, g.Height)

	// The half-grid axis always starts at frequency 0.
	ox, oy := 0, 0
	if req.Centered {
		ox, oy = g.OriginX, g.OriginY
	}

	csA := o.SphericalAberration * 1e7
	lambda := o.Wavelength
	ampPhase := math.Asin(o.AmplitudeContrast)
	astig := o.AstigmatismAngle * math.Pi / 180
	meanDf := 0.5 * (o.Defocus1 + o.Defocus2)
	diffDf := 0.5 * (o.Defocus1 - o.Defocus2)

	for y := 0; y < g.Height; y++ {
		fy := wrap(y-oy, req.Height, req.Centered) / (float64(req.Height) * o.PixelSize)
		for x := 0; x < g.Width; x++ {
			fx := wrap(x-ox, req.Width, req.Centered || req.HalfGrid) / (float64(req.Width) * o.PixelSize)

			s2 := fx*fx + fy*fy
			df := meanDf
			if s2 > 0 {
				df += diffDf * math.Cos(2*(math.Atan2(fy, fx)-astig))
			}
			chi := math.Pi*lambda*df*s2 - 0.5*math.Pi*csA*lambda*lambda*lambda*s2*s2
			c := -math.Sin(chi + ampPhase)
			if req.Squared {
				c *= c
			}

			img.Set(x, y, float32(c*exposureFilter(math.Sqrt(s2), o.Exposure)*o.Occupancy))
		}
	}
	return img, nil
}

// wrap converts a grid offset into a signed frequency index. Centered
// offsets are already signed; otherwise indices above n/2 alias to negative
// frequencies.
func wrap(i, n int, centered bool) float64 {
	if !centered && i > n/2 {
		i -= n
	}
	return float64(i)
}

// exposureFilter is the dose-weighting attenuation at spatial frequency s
// (1/A) after exposure e/A^2
func exposureFilter(s, exposure float64) float64 {
	if exposure <= 0 {
		return 1
	}
	if s == 0 {
		return 1
	}
	ne := critA*math.Pow(s, critB) + critC
	return math.Exp(-exposure / (2 * ne))
}

func validate(req Request) error {
	if req.Width <= 0 || req.Height <= 0 {
		return fmt.Errorf("ctf: invalid image size %dx%d", req.Width, req.Height)
	}
	o := req.Optics
	if o.PixelSize <= 0 {
		return fmt.Errorf("ctf: pixel size must be positive, got %v", o.PixelSize)
	}
	if o.Wavelength <= 0 {
		return fmt.Errorf("ctf: wavelength must be positive, got %v", o.Wavelength)
	}
	if o.AmplitudeContrast < 0 || o.AmplitudeContrast > 1 {
		return fmt.Errorf("ctf: amplitude contrast %v outside [0,1]", o.AmplitudeContrast)
	}
	return nil
}
