package device

import (
	"errors"
	"sync/atomic"
	"testing"

	"tomorecon/internal/models"
)

func newTestContext(t *testing.T, opts Options) *CPUContext {
	t.Helper()
	ctx, err := NewCPUBackend(opts).NewContext(0)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(func() { _ = ctx.Close() })
	return ctx.(*CPUContext)
}

// funcKernel adapts a function to the Kernel interface
type funcKernel func(Slab) error

func (f funcKernel) Name() string            { return "test" }
func (f funcKernel) Execute(slab Slab) error { return f(slab) }

func TestCPUBackendInfo(t *testing.T) {
	b := NewCPUBackend(Options{})
	if !b.Available() {
		t.Error("Expected CPU backend to be available")
	}
	devs, err := b.Devices()
	if err != nil || len(devs) != 1 {
		t.Fatalf("Expected one device, got %v (%v)", devs, err)
	}
	if devs[0].Workers <= 0 {
		t.Errorf("Expected positive worker count, got %d", devs[0].Workers)
	}
	if _, err := b.NewContext(1); err == nil {
		t.Error("Expected error for device index 1")
	}
}

func TestNewVolumeZeroInitialized(t *testing.T) {
	ctx := newTestContext(t, Options{})
	d := models.Dims3{X: 4, Y: 3, Z: 2}
	v, err := ctx.NewVolume(d)
	if err != nil {
		t.Fatalf("NewVolume: %v", err)
	}
	if v.Dims() != d {
		t.Errorf("Expected dims %v, got %v", d, v.Dims())
	}
	for i, x := range v.Data() {
		if x != 0 {
			t.Fatalf("Expected zero at %d, got %v", i, x)
		}
	}
	if got := ctx.MemoryInUse(); got != int64(d.Len())*4 {
		t.Errorf("Expected %d bytes in use, got %d", d.Len()*4, got)
	}

	host := models.NewVolume(d)
	v.Data()[5] = 2
	if err := v.Download(host); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if host.Data[5] != 2 {
		t.Errorf("Expected downloaded value 2, got %v", host.Data[5])
	}
	if err := v.Download(models.NewVolume(models.Dims3{X: 1, Y: 1, Z: 1})); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Expected ErrLengthMismatch, got %v", err)
	}

	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ctx.MemoryInUse() != 0 || ctx.Live() != 0 {
		t.Errorf("Expected no memory in use after close, got %d bytes, %d live", ctx.MemoryInUse(), ctx.Live())
	}
}

func TestInvalidDims(t *testing.T) {
	ctx := newTestContext(t, Options{})
	if _, err := ctx.NewVolume(models.Dims3{X: 0, Y: 1, Z: 1}); !errors.Is(err, ErrInvalidDims) {
		t.Errorf("Expected ErrInvalidDims, got %v", err)
	}
	if _, err := ctx.NewArray(-1, 4); !errors.Is(err, ErrInvalidDims) {
		t.Errorf("Expected ErrInvalidDims, got %v", err)
	}
	if err := ctx.Launch(funcKernel(func(Slab) error { return nil }), models.Dims3{}); !errors.Is(err, ErrInvalidDims) {
		t.Errorf("Expected ErrInvalidDims, got %v", err)
	}
}

func TestOutOfMemory(t *testing.T) {
	ctx := newTestContext(t, Options{MemoryBytes: 100})
	if _, err := ctx.NewArray(5, 5); err != nil {
		t.Fatalf("Expected 100-byte array to fit: %v", err)
	}
	if _, err := ctx.NewArray(1, 1); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Expected ErrOutOfMemory, got %v", err)
	}
}

func TestSingleBindingSlot(t *testing.T) {
	ctx := newTestContext(t, Options{Bindings: 1})
	a, _ := ctx.NewArray(2, 2)
	b, _ := ctx.NewArray(2, 2)

	ta, err := ctx.BindTexture(a, SliceTexture)
	if err != nil {
		t.Fatalf("BindTexture: %v", err)
	}
	if _, err := ctx.BindTexture(b, SliceTexture); !errors.Is(err, ErrBindingBusy) {
		t.Errorf("Expected ErrBindingBusy for second binding, got %v", err)
	}
	if err := a.Upload(models.NewImage2D(2, 2)); !errors.Is(err, ErrBindingBusy) {
		t.Errorf("Expected upload into bound array to fail, got %v", err)
	}

	if err := ta.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := ta.Release(); !errors.Is(err, ErrNotBound) {
		t.Errorf("Expected ErrNotBound on double release, got %v", err)
	}
	tb, err := ctx.BindTexture(b, SliceTexture)
	if err != nil {
		t.Fatalf("Expected slot to be free after release: %v", err)
	}
	if ctx.BoundTextures() != 1 {
		t.Errorf("Expected 1 bound texture, got %d", ctx.BoundTextures())
	}
	_ = tb.Release()
}

func TestBindTextureRejectsUnsupportedModes(t *testing.T) {
	ctx := newTestContext(t, Options{})
	a, _ := ctx.NewArray(2, 2)
	desc := SliceTexture
	desc.Address = AddressWrap
	if _, err := ctx.BindTexture(a, desc); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("Expected ErrNotImplemented, got %v", err)
	}

	other := newTestContext(t, Options{})
	foreign, _ := other.NewArray(2, 2)
	if _, err := ctx.BindTexture(foreign, SliceTexture); !errors.Is(err, ErrForeignResource) {
		t.Errorf("Expected ErrForeignResource, got %v", err)
	}
}

func TestTextureSamplesUploadedImage(t *testing.T) {
	ctx := newTestContext(t, Options{})
	a, _ := ctx.NewArray(2, 1)
	img := models.NewImage2D(2, 1)
	img.Set(0, 0, 4)
	img.Set(1, 0, 8)
	if err := a.Upload(img); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := a.Upload(models.NewImage2D(3, 1)); !errors.Is(err, ErrLengthMismatch) {
		t.Errorf("Expected ErrLengthMismatch, got %v", err)
	}

	tex, err := ctx.BindTexture(a, SliceTexture)
	if err != nil {
		t.Fatalf("BindTexture: %v", err)
	}
	defer tex.Release()
	if got := tex.Sample(0.5, 0.5); got != 6 {
		t.Errorf("Expected 6 between the texels, got %v", got)
	}
}

func TestLaunchCoversEverySlabOnce(t *testing.T) {
	for _, workers := range []int{1, 3, 8, 64} {
		ctx := newTestContext(t, Options{Workers: workers})
		grid := models.Dims3{X: 2, Y: 2, Z: 13}
		seen := make([]int32, grid.Z)
		k := funcKernel(func(s Slab) error {
			for z := s.Z0; z < s.Z1; z++ {
				atomic.AddInt32(&seen[z], 1)
			}
			return nil
		})
		if err := ctx.Launch(k, grid); err != nil {
			t.Fatalf("Launch: %v", err)
		}
		if err := ctx.Synchronize(); err != nil {
			t.Fatalf("Synchronize: %v", err)
		}
		for z, n := range seen {
			if n != 1 {
				t.Errorf("workers=%d: plane %d visited %d times", workers, z, n)
			}
		}
	}
}

func TestKernelFaultSurfacesAtSynchronize(t *testing.T) {
	ctx := newTestContext(t, Options{Workers: 2})
	grid := models.Dims3{X: 1, Y: 1, Z: 4}
	boom := errors.New("boom")

	if err := ctx.Launch(funcKernel(func(Slab) error { return boom }), grid); err != nil {
		t.Fatalf("Expected Launch to defer the fault, got %v", err)
	}

	var ran atomic.Bool
	if err := ctx.Launch(funcKernel(func(Slab) error { ran.Store(true); return nil }), grid); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if ran.Load() {
		t.Error("Expected a faulted device to skip further launches")
	}

	err := ctx.Synchronize()
	if !errors.Is(err, ErrKernelFault) {
		t.Errorf("Expected ErrKernelFault, got %v", err)
	}
}

func TestKernelPanicIsLatched(t *testing.T) {
	ctx := newTestContext(t, Options{Workers: 2})
	k := funcKernel(func(Slab) error { panic("index out of range") })
	if err := ctx.Launch(k, models.Dims3{X: 1, Y: 1, Z: 2}); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if err := ctx.Synchronize(); !errors.Is(err, ErrKernelFault) {
		t.Errorf("Expected ErrKernelFault after panic, got %v", err)
	}
}

func TestCloseFreesEverything(t *testing.T) {
	ctx := newTestContext(t, Options{})
	_, _ = ctx.NewVolume(models.Dims3{X: 2, Y: 2, Z: 2})
	a, _ := ctx.NewArray(2, 2)
	_, _ = ctx.BindTexture(a, SliceTexture)

	if err := ctx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if ctx.Live() != 0 || ctx.MemoryInUse() != 0 || ctx.BoundTextures() != 0 {
		t.Errorf("Expected nothing live after Close, got live=%d mem=%d bound=%d",
			ctx.Live(), ctx.MemoryInUse(), ctx.BoundTextures())
	}
	if _, err := ctx.NewVolume(models.Dims3{X: 1, Y: 1, Z: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := ctx.Synchronize(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Synchronize, got %v", err)
	}
}

func TestSlabs(t *testing.T) {
	got := slabs(10, 4)
	want := []Slab{{0, 3}, {3, 6}, {6, 9}, {9, 10}}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("slab %d: Expected %v, got %v", i, want[i], got[i])
		}
	}
	if got := slabs(2, 8); len(got) != 2 {
		t.Errorf("Expected one slab per plane when workers exceed planes, got %v", got)
	}
}
