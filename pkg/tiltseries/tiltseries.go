// Package tiltseries reads the per-tilt acquisition parameters of a tilt
// series from a JSON5 document.
package tiltseries

import (
	"errors"
	"fmt"
	"math"
	"os"

	json "github.com/KevinWang15/go-json5"

	"tomorecon/internal/models"
)

// ErrInvalid is returned for malformed or inconsistent tilt metadata
var ErrInvalid = errors.New("tiltseries: invalid metadata")

// Series holds one array per acquisition parameter. Every array has one
// entry per tilt.
type Series struct {
	PixelSize           []float64 `json:"pixel_size"`
	Wavelength          []float64 `json:"wavelength"`
	SphericalAberration []float64 `json:"cs"`
	Defocus1            []float64 `json:"defocus1"`
	Defocus2            []float64 `json:"defocus2"`
	AstigmatismAngle    []float64 `json:"astigmatism_angle"`
	AmplitudeContrast   []float64 `json:"amplitude_contrast"`
	TiltAngle           []float64 `json:"tilt_angle"`
	Exposure            []float64 `json:"exposure"`
	Occupancy           []float64 `json:"occupancy"`

	// Azimuth is optional; when present it rotates each tilt axis in-plane.
	Azimuth []float64 `json:"azimuth,omitempty"`
}

// Load reads and validates a series from a JSON5 file
func Load(path string) (*Series, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading tilt metadata: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a series
func Parse(data []byte) (*Series, error) {
	var s Series
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Len returns the number of tilts
func (s *Series) Len() int {
	return len(s.TiltAngle)
}

type field struct {
	name string
	vals []float64
}

// Validate checks that every array has one entry per tilt and that every
// value is finite
func (s *Series) Validate() error {
	n := s.Len()
	if n == 0 {
		return fmt.Errorf("%w: no tilts", ErrInvalid)
	}
	fields := []field{
		{"pixel_size", s.PixelSize},
		{"wavelength", s.Wavelength},
		{"cs", s.SphericalAberration},
		{"defocus1", s.Defocus1},
		{"defocus2", s.Defocus2},
		{"astigmatism_angle", s.AstigmatismAngle},
		{"amplitude_contrast", s.AmplitudeContrast},
		{"exposure", s.Exposure},
		{"occupancy", s.Occupancy},
	}
	for _, f := range fields {
		if len(f.vals) != n {
			return fmt.Errorf("%w: %s has %d entries, tilt_angle has %d", ErrInvalid, f.name, len(f.vals), n)
		}
	}
	if s.Azimuth != nil && len(s.Azimuth) != n {
		return fmt.Errorf("%w: azimuth has %d entries, tilt_angle has %d", ErrInvalid, len(s.Azimuth), n)
	}

	// JSON5 accepts NaN and Infinity literals
	fields = append(fields, field{"tilt_angle", s.TiltAngle}, field{"azimuth", s.Azimuth})
	for _, f := range fields {
		for i, v := range f.vals {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: tilt %d: %s is %v", ErrInvalid, i, f.name, v)
			}
		}
	}
	for i, p := range s.PixelSize {
		if p <= 0 {
			return fmt.Errorf("%w: tilt %d: pixel size must be positive", ErrInvalid, i)
		}
	}
	return nil
}

// Tilt returns the parameters of tilt i
func (s *Series) Tilt(i int) models.TiltParams {
	return models.TiltParams{
		PixelSize:           s.PixelSize[i],
		Wavelength:          s.Wavelength[i],
		SphericalAberration: s.SphericalAberration[i],
		Defocus1:            s.Defocus1[i],
		Defocus2:            s.Defocus2[i],
		AstigmatismAngle:    s.AstigmatismAngle[i],
		AmplitudeContrast:   s.AmplitudeContrast[i],
		TiltAngle:           s.TiltAngle[i],
		Exposure:            s.Exposure[i],
		Occupancy:           s.Occupancy[i],
	}
}

// AzimuthAt returns the in-plane axis rotation of tilt i, 0 when absent
func (s *Series) AzimuthAt(i int) float64 {
	if s.Azimuth == nil {
		return 0
	}
	return s.Azimuth[i]
}

// Tilts returns the parameters of every tilt
func (s *Series) Tilts() []models.TiltParams {
	out := make([]models.TiltParams, s.Len())
	for i := range out {
		out[i] = s.Tilt(i)
	}
	return out
}

// FromTilts builds a series from per-tilt parameters
func FromTilts(tilts []models.TiltParams) *Series {
	s := &Series{}
	for _, t := range tilts {
		s.PixelSize = append(s.PixelSize, t.PixelSize)
		s.Wavelength = append(s.Wavelength, t.Wavelength)
		s.SphericalAberration = append(s.SphericalAberration, t.SphericalAberration)
		s.Defocus1 = append(s.Defocus1, t.Defocus1)
		s.Defocus2 = append(s.Defocus2, t.Defocus2)
		s.AstigmatismAngle = append(s.AstigmatismAngle, t.AstigmatismAngle)
		s.AmplitudeContrast = append(s.AmplitudeContrast, t.AmplitudeContrast)
		s.TiltAngle = append(s.TiltAngle, t.TiltAngle)
		s.Exposure = append(s.Exposure, t.Exposure)
		s.Occupancy = append(s.Occupancy, t.Occupancy)
	}
	return s
}

// Reorder returns a copy of the series with tilts in the given order. order
// must be a permutation of the tilt indices.
func (s *Series) Reorder(order []int) (*Series, error) {
	if len(order) != s.Len() {
		return nil, fmt.Errorf("%w: order has %d entries for %d tilts", ErrInvalid, len(order), s.Len())
	}
	tilts := make([]models.TiltParams, len(order))
	seen := make([]bool, s.Len())
	var az []float64
	for i, j := range order {
		if j < 0 || j >= s.Len() {
			return nil, fmt.Errorf("%w: tilt index %d out of range", ErrInvalid, j)
		}
		if seen[j] {
			return nil, fmt.Errorf("%w: tilt index %d repeated", ErrInvalid, j)
		}
		seen[j] = true
		tilts[i] = s.Tilt(j)
		if s.Azimuth != nil {
			az = append(az, s.Azimuth[j])
		}
	}
	out := FromTilts(tilts)
	out.Azimuth = az
	return out, nil
}
