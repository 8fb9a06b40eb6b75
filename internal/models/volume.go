package models

import "fmt"

// Dims3 holds the extent of a 3D grid in voxels
type Dims3 struct {
	X, Y, Z int
}

// Len returns the number of voxels in the grid
func (d Dims3) Len() int {
	return d.X * d.Y * d.Z
}

// Valid reports whether every axis has at least one voxel
func (d Dims3) Valid() bool {
	return d.X > 0 && d.Y > 0 && d.Z > 0
}

// Index converts a voxel coordinate into the row-major offset used by every
// volume in this module (x varies fastest, then y, then z)
func (d Dims3) Index(x, y, z int) int {
	return z*d.X*d.Y + y*d.X + x
}

// String formats the dimensions as XxYxZ
func (d Dims3) String() string {
	return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z)
}

// Volume is a host-side view of a 3D real-valued accumulator
type Volume struct {
	// Dims is the extent of the volume in voxels
	Dims Dims3

	// Data is the voxel data in row-major order, see Dims3.Index
	Data []float32
}

// NewVolume allocates a zero-initialized volume
func NewVolume(d Dims3) *Volume {
	return &Volume{
		Dims: d,
		Data: make([]float32, d.Len()),
	}
}

// At returns the value stored at voxel (x, y, z)
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[v.Dims.Index(x, y, z)]
}

// Set stores a value at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float32) {
	v.Data[v.Dims.Index(x, y, z)] = value
}

// Image2D is a single-channel 2D image, used both for per-tilt CTF images and
// for decimated micrographs
type Image2D struct {
	// Width and Height are the image extent in pixels
	Width, Height int

	// Data holds the pixels in row-major order
	Data []float32
}

// NewImage2D allocates a zero-initialized image
func NewImage2D(width, height int) *Image2D {
	return &Image2D{
		Width:  width,
		Height: height,
		Data:   make([]float32, width*height),
	}
}

// At returns the pixel at (x, y)
func (img *Image2D) At(x, y int) float32 {
	return img.Data[y*img.Width+x]
}

// Set stores a pixel at (x, y)
func (img *Image2D) Set(x, y int, value float32) {
	img.Data[y*img.Width+x] = value
}

// Fill sets every pixel to value
func (img *Image2D) Fill(value float32) {
	for i := range img.Data {
		img.Data[i] = value
	}
}

// TiltParams holds the acquisition parameters of a single tilt
type TiltParams struct {
	// PixelSize is the sampling of the tilt image in Angstroms per pixel
	PixelSize float64

	// Wavelength is the electron wavelength in Angstroms
	Wavelength float64

	// SphericalAberration is Cs in millimetres
	SphericalAberration float64

	// Defocus1 and Defocus2 are the major and minor defocus in Angstroms,
	// underfocus positive
	Defocus1 float64
	Defocus2 float64

	// AstigmatismAngle is the azimuth of Defocus1 in degrees
	AstigmatismAngle float64

	// AmplitudeContrast is the fraction of amplitude contrast (0..1)
	AmplitudeContrast float64

	// TiltAngle is the stage tilt in degrees
	TiltAngle float64

	// Exposure is the accumulated electron exposure before this tilt in e/A^2
	Exposure float64

	// Occupancy scales the contribution of this tilt (0..1)
	Occupancy float64
}
