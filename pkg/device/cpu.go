package device

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"tomorecon/internal/models"
	"tomorecon/pkg/logging"
	"tomorecon/pkg/sampler"
)

const bytesPerFloat = 4

// Options configures the CPU backend
type Options struct {
	// Workers bounds the number of slabs executed concurrently by one launch.
	// Zero uses runtime.NumCPU().
	Workers int

	// Bindings is the number of texture slots. Zero means one slot.
	Bindings int

	// MemoryBytes limits the total size of live allocations. Zero means no limit.
	MemoryBytes int64
}

// CPUBackend executes kernels on the host with a bounded goroutine pool
type CPUBackend struct {
	opts Options
}

// NewCPUBackend creates a CPU backend with a single device
func NewCPUBackend(opts Options) *CPUBackend {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Bindings <= 0 {
		opts.Bindings = 1
	}
	return &CPUBackend{opts: opts}
}

func (b *CPUBackend) Info() BackendInfo {
	return BackendInfo{
		Name:        "cpu",
		Version:     "1.0",
		Description: "host-memory backend running kernels on goroutines",
	}
}

func (b *CPUBackend) Available() bool {
	return true
}

func (b *CPUBackend) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{b.device()}, nil
}

func (b *CPUBackend) device() DeviceInfo {
	return DeviceInfo{
		Name:     "cpu0",
		Vendor:   runtime.GOARCH,
		MemoryMB: int(b.opts.MemoryBytes >> 20),
		Workers:  b.opts.Workers,
	}
}

func (b *CPUBackend) NewContext(deviceIndex int) (Context, error) {
	if deviceIndex != 0 {
		return nil, fmt.Errorf("cpu backend: device index %d out of range", deviceIndex)
	}
	return &CPUContext{
		opts:   b.opts,
		info:   b.device(),
		arrays: make(map[*cpuArray]struct{}),
		vols:   make(map[*cpuVolume]struct{}),
	}, nil
}

// CPUContext is the Context returned by CPUBackend. Besides the Context
// interface it reports memory and binding usage.
type CPUContext struct {
	opts Options
	info DeviceInfo

	mu     sync.Mutex
	used   int64
	bound  int
	closed bool
	fault  error
	arrays map[*cpuArray]struct{}
	vols   map[*cpuVolume]struct{}
}

func (c *CPUContext) Device() DeviceInfo {
	return c.info
}

// MemoryInUse returns the number of bytes held by live allocations
func (c *CPUContext) MemoryInUse() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// BoundTextures returns the number of occupied texture slots
func (c *CPUContext) BoundTextures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bound
}

// Live returns the number of volumes and arrays not yet closed
func (c *CPUContext) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arrays) + len(c.vols)
}

// reserve accounts for size bytes. Caller holds c.mu.
func (c *CPUContext) reserve(size int64) error {
	if c.closed {
		return ErrClosed
	}
	if c.opts.MemoryBytes > 0 && c.used+size > c.opts.MemoryBytes {
		return fmt.Errorf("%w: requested %d bytes, %d of %d in use", ErrOutOfMemory, size, c.used, c.opts.MemoryBytes)
	}
	c.used += size
	return nil
}

func (c *CPUContext) NewVolume(d models.Dims3) (Volume, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: volume %v", ErrInvalidDims, d)
	}
	size := int64(d.Len()) * bytesPerFloat

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reserve(size); err != nil {
		return nil, err
	}
	v := &cpuVolume{ctx: c, vol: models.NewVolume(d), size: size}
	c.vols[v] = struct{}{}

	logging.Logger().Debug("device volume allocated", "dims", d.String(), "bytes", size)
	return v, nil
}

func (c *CPUContext) NewArray(width, height int) (Array, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: array %dx%d", ErrInvalidDims, width, height)
	}
	size := int64(width*height) * bytesPerFloat

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reserve(size); err != nil {
		return nil, err
	}
	a := &cpuArray{ctx: c, img: models.NewImage2D(width, height), size: size}
	c.arrays[a] = struct{}{}

	logging.Logger().Debug("device array allocated", "width", width, "height", height, "bytes", size)
	return a, nil
}

func (c *CPUContext) BindTexture(a Array, desc TextureDesc) (Texture, error) {
	arr, ok := a.(*cpuArray)
	if !ok || arr.ctx != c {
		return nil, ErrForeignResource
	}
	if desc.Address != AddressClamp || desc.Filter != FilterLinear || !desc.Normalized {
		return nil, fmt.Errorf("%w: texture descriptor %+v", ErrNotImplemented, desc)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || arr.closed {
		return nil, ErrClosed
	}
	if arr.bound {
		return nil, fmt.Errorf("%w: array already bound", ErrBindingBusy)
	}
	if c.bound >= c.opts.Bindings {
		return nil, fmt.Errorf("%w: %d of %d slots in use", ErrBindingBusy, c.bound, c.opts.Bindings)
	}

	s, err := sampler.NewBilinear(arr.img)
	if err != nil {
		return nil, err
	}
	c.bound++
	arr.bound = true
	return &cpuTexture{arr: arr, Bilinear: s}, nil
}

func (c *CPUContext) Launch(k Kernel, grid models.Dims3) error {
	if !grid.Valid() {
		return fmt.Errorf("%w: launch grid %v", ErrInvalidDims, grid)
	}

	c.mu.Lock()
	closed, faulted := c.closed, c.fault != nil
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	// A faulted device does not run further work; the fault is reported by
	// the next Synchronize.
	if faulted {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for _, slab := range slabs(grid.Z, c.opts.Workers) {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic in slab [%d,%d): %v", slab.Z0, slab.Z1, r)
				}
			}()
			return k.Execute(slab)
		})
	}
	if err := g.Wait(); err != nil {
		c.mu.Lock()
		if c.fault == nil {
			c.fault = fmt.Errorf("%w: %s: %v", ErrKernelFault, k.Name(), err)
		}
		c.mu.Unlock()
	}
	return nil
}

// slabs partitions n planes into at most workers contiguous ranges
func slabs(n, workers int) []Slab {
	if workers > n {
		workers = n
	}
	out := make([]Slab, 0, workers)
	step := (n + workers - 1) / workers
	for z0 := 0; z0 < n; z0 += step {
		z1 := z0 + step
		if z1 > n {
			z1 = n
		}
		out = append(out, Slab{Z0: z0, Z1: z1})
	}
	return out
}

func (c *CPUContext) Synchronize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return c.fault
}

func (c *CPUContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for a := range c.arrays {
		a.free()
	}
	for v := range c.vols {
		v.free()
	}
	c.closed = true
	c.bound = 0
	return nil
}

type cpuVolume struct {
	ctx    *CPUContext
	vol    *models.Volume
	size   int64
	closed bool
}

func (v *cpuVolume) Dims() models.Dims3 {
	return v.vol.Dims
}

func (v *cpuVolume) Data() []float32 {
	return v.vol.Data
}

func (v *cpuVolume) Download(dst *models.Volume) error {
	if v.closed {
		return ErrClosed
	}
	if dst == nil || dst.Dims != v.vol.Dims || len(dst.Data) != len(v.vol.Data) {
		return ErrLengthMismatch
	}
	copy(dst.Data, v.vol.Data)
	return nil
}

func (v *cpuVolume) Close() error {
	v.ctx.mu.Lock()
	defer v.ctx.mu.Unlock()
	v.free()
	return nil
}

// free releases the volume. Caller holds ctx.mu.
func (v *cpuVolume) free() {
	if v.closed {
		return
	}
	v.closed = true
	v.ctx.used -= v.size
	delete(v.ctx.vols, v)
	v.vol.Data = nil
}

type cpuArray struct {
	ctx    *CPUContext
	img    *models.Image2D
	size   int64
	bound  bool
	closed bool
}

func (a *cpuArray) Width() int  { return a.img.Width }
func (a *cpuArray) Height() int { return a.img.Height }

func (a *cpuArray) Upload(img *models.Image2D) error {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.bound {
		return fmt.Errorf("%w: upload into bound array", ErrBindingBusy)
	}
	if img == nil || img.Width != a.img.Width || img.Height != a.img.Height || len(img.Data) != len(a.img.Data) {
		return ErrLengthMismatch
	}
	copy(a.img.Data, img.Data)
	return nil
}

func (a *cpuArray) Close() error {
	a.ctx.mu.Lock()
	defer a.ctx.mu.Unlock()
	a.free()
	return nil
}

// free releases the array and its binding. Caller holds ctx.mu.
func (a *cpuArray) free() {
	if a.closed {
		return
	}
	if a.bound {
		a.bound = false
		a.ctx.bound--
	}
	a.closed = true
	a.ctx.used -= a.size
	delete(a.ctx.arrays, a)
	a.img.Data = nil
}

type cpuTexture struct {
	*sampler.Bilinear
	arr *cpuArray
}

func (t *cpuTexture) Release() error {
	c := t.arr.ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.arr.bound {
		return ErrNotBound
	}
	t.arr.bound = false
	c.bound--
	return nil
}
