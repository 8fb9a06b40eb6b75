// Package device abstracts the compute device that holds the Fourier
// accumulators and the per-tilt slice textures.
//
// The API mirrors a GPU runtime: volumes and 2D arrays are allocated on a
// context, an array is bound to one of a fixed number of texture slots,
// kernels are launched over a 3D grid and execution faults are only
// reported by Synchronize. NewCPUBackend provides an implementation that
// runs kernels on goroutines.
package device

import (
	"tomorecon/internal/models"
	"tomorecon/pkg/sampler"
)

// Backend discovers devices and creates contexts on them
type Backend interface {
	Info() BackendInfo
	Available() bool
	Devices() ([]DeviceInfo, error)
	NewContext(deviceIndex int) (Context, error)
}

// Context owns every resource allocated on one device
type Context interface {
	Device() DeviceInfo
	// NewVolume allocates a zero-initialized 3D float volume.
	NewVolume(d models.Dims3) (Volume, error)
	// NewArray allocates a 2D float array that can be bound as a texture.
	NewArray(width, height int) (Array, error)
	// BindTexture binds a to a free texture slot.
	BindTexture(a Array, desc TextureDesc) (Texture, error)
	// Launch runs k over every z-slab of grid. Faults raised while the
	// kernel executes are held until Synchronize.
	Launch(k Kernel, grid models.Dims3) error
	// Synchronize waits for outstanding work and reports any latched fault.
	Synchronize() error
	// Close frees every resource still allocated on the context.
	Close() error
}

// Volume is a device-resident 3D accumulator
type Volume interface {
	Dims() models.Dims3
	// Data exposes device memory to kernels running on the same context.
	Data() []float32
	// Download copies the volume into a host volume of the same size.
	Download(dst *models.Volume) error
	Close() error
}

// Array is a device-resident 2D image used as texture storage
type Array interface {
	Width() int
	Height() int
	// Upload copies a host image of the same size into the array.
	Upload(img *models.Image2D) error
	Close() error
}

// Texture is a bound array. Release frees its slot.
type Texture interface {
	sampler.Sampler
	Release() error
}

// AddressMode selects how out-of-range texture coordinates are resolved
type AddressMode uint8

const (
	AddressClamp AddressMode = iota
	AddressWrap
	AddressMirror
)

// FilterMode selects point or linear texture filtering
type FilterMode uint8

const (
	FilterPoint FilterMode = iota
	FilterLinear
)

// TextureDesc describes how a bound array is sampled
type TextureDesc struct {
	Address    AddressMode
	Filter     FilterMode
	Normalized bool
}

// SliceTexture is the descriptor used for CTF slices: clamp-to-edge,
// bilinear, normalized coordinates
var SliceTexture = TextureDesc{Address: AddressClamp, Filter: FilterLinear, Normalized: true}

// Slab is a half-open range of z planes [Z0, Z1)
type Slab struct {
	Z0, Z1 int
}

// Kernel is a data-parallel program executed once per slab of the grid
type Kernel interface {
	Name() string
	Execute(slab Slab) error
}

// DeviceInfo describes a compute device
type DeviceInfo struct {
	Name     string
	Vendor   string
	MemoryMB int
	Workers  int
}

// BackendInfo describes a backend implementation
type BackendInfo struct {
	Name        string
	Version     string
	Description string
}
