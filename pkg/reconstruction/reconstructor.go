package reconstruction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tomorecon/internal/models"
	"tomorecon/pkg/config"
	"tomorecon/pkg/ctf"
	"tomorecon/pkg/device"
	"tomorecon/pkg/geometry"
	"tomorecon/pkg/kernel"
	"tomorecon/pkg/logging"
	"tomorecon/pkg/sampler"
	"tomorecon/pkg/tiltseries"
)

// Params holds the reconstruction parameters.
type Params struct {
	// Size is the requested output volume size (x, y, z) in voxels.
	Size [3]int

	// PaddingFactor scales the in-plane size of every CTF image relative to
	// the output volume.
	PaddingFactor int

	// HalfGrid requests Hermitian half-grid CTF images (x reduced to N/2+1).
	HalfGrid bool

	// SquaredCTF requests CTF^2 images from the generator.
	SquaredCTF bool

	// SliceHalfWidth is the half-width R of the inserted slice in voxels.
	SliceHalfWidth float64

	// WeightNorm divides every plane-distance weight.
	WeightNorm float64

	// Bindings is the number of tilts staged and accumulated concurrently.
	// One reproduces the strictly sequential single texture slot.
	Bindings int
}

// DefaultParams returns parameters for a 64^3 volume with a single binding
func DefaultParams() *Params {
	return ParamsFromConfig(config.DefaultConfig())
}

// ParamsFromConfig extracts reconstruction parameters from a loaded configuration
func ParamsFromConfig(cfg *config.Config) *Params {
	r := cfg.Reconstruction
	return &Params{
		Size:           r.Size,
		PaddingFactor:  r.PaddingFactor,
		HalfGrid:       r.HalfGrid,
		SquaredCTF:     r.SquaredCTF,
		SliceHalfWidth: r.SliceHalfWidth,
		WeightNorm:     r.WeightNorm,
		Bindings:       r.Bindings,
	}
}

// Dims returns the output volume size
func (p *Params) Dims() models.Dims3 {
	return models.Dims3{X: p.Size[0], Y: p.Size[1], Z: p.Size[2]}
}

// SliceShape returns the shape of every per-tilt CTF image
func (p *Params) SliceShape() geometry.Grid {
	return geometry.GridShape(p.PaddingFactor*p.Size[0], p.PaddingFactor*p.Size[1], p.HalfGrid)
}

// Model returns the geometry/weight model of the output volume
func (p *Params) Model() geometry.Model {
	m := geometry.NewModel(p.Dims(), p.SliceHalfWidth)
	m.Norm = p.WeightNorm
	return m
}

func (p *Params) validate() error {
	for i, n := range p.Size {
		if n <= 0 {
			return fmt.Errorf("size[%d] = %d, must be positive", i, n)
		}
	}
	if p.PaddingFactor < 1 {
		return fmt.Errorf("padding factor %d, must be at least 1", p.PaddingFactor)
	}
	if p.SliceHalfWidth <= 0 {
		return fmt.Errorf("slice half-width %v, must be positive", p.SliceHalfWidth)
	}
	if p.WeightNorm <= 0 {
		return fmt.Errorf("weight norm %v, must be positive", p.WeightNorm)
	}
	if p.Bindings < 1 {
		return fmt.Errorf("bindings %d, must be at least 1", p.Bindings)
	}
	return nil
}

// Result holds the accumulated volumes of one reconstruction. They stay on
// the device until Close; normalization and the inverse transform are left
// to the caller.
type Result struct {
	Signal device.Volume
	Weight device.Volume

	// Coverage summarizes the weight volume
	Coverage Coverage

	// Tilts is the number of tilts inserted
	Tilts int

	// Elapsed is the wall time of the reconstruction
	Elapsed time.Duration
}

// Download copies both volumes to the host
func (r *Result) Download() (signal, weight *models.Volume, err error) {
	d := r.Signal.Dims()
	signal, weight = models.NewVolume(d), models.NewVolume(d)
	if err := r.Signal.Download(signal); err != nil {
		return nil, nil, fmt.Errorf("failed to download signal volume: %w", err)
	}
	if err := r.Weight.Download(weight); err != nil {
		return nil, nil, fmt.Errorf("failed to download weight volume: %w", err)
	}
	return signal, weight, nil
}

// Close frees both device volumes
func (r *Result) Close() error {
	return errors.Join(r.Signal.Close(), r.Weight.Close())
}

// Reconstructor inserts the tilts of a series into a pair of Fourier
// accumulators on a device.
//
// Each call to Reconstruct runs
//
//	Init → {ComputeGeometry → RequestCTF → StageSample → LaunchKernel → ReleaseSample} × nTilts → Finalize
//
// With Params.Bindings == 1 the tilts run strictly in sequence through a
// single texture slot. With more bindings, tilts are distributed over that
// many workers, each accumulating into its own partial volumes, and the
// partials are reduced into the outputs before Finalize.
type Reconstructor struct {
	params *Params
	dev    device.Context
	gen    ctf.Generator
}

// NewReconstructor creates a reconstructor that allocates on dev and
// obtains CTF images from gen
func NewReconstructor(params *Params, dev device.Context, gen ctf.Generator) *Reconstructor {
	return &Reconstructor{
		params: params,
		dev:    dev,
		gen:    gen,
	}
}

// buffers holds the device resources of one call
type buffers struct {
	signal device.Volume
	weight device.Volume
	arrays []device.Array
}

// release frees the staging arrays and, when keepOutputs is false, the
// output volumes too
func (b *buffers) release(keepOutputs bool) {
	for _, a := range b.arrays {
		if err := a.Close(); err != nil {
			logging.Logger().Warn("failed to free staging array", "err", err)
		}
	}
	b.arrays = nil
	if keepOutputs {
		return
	}
	for _, v := range []device.Volume{b.signal, b.weight} {
		if v == nil {
			continue
		}
		if err := v.Close(); err != nil {
			logging.Logger().Warn("failed to free output volume", "err", err)
		}
	}
}

// Reconstruct inserts every tilt of series and returns the accumulated
// volumes. On failure every device resource allocated by the call is freed
// and the returned error is a *StageError.
func (r *Reconstructor) Reconstruct(ctx context.Context, series *tiltseries.Series) (*Result, error) {
	start := time.Now()
	log := logging.Logger()

	// Init: reject malformed requests before touching the device
	if r.params == nil || r.dev == nil || r.gen == nil {
		return nil, stageErr(StageInit, -1, ErrConfiguration, errors.New("reconstructor is missing params, device or CTF generator"))
	}
	if err := r.params.validate(); err != nil {
		return nil, stageErr(StageInit, -1, ErrConfiguration, err)
	}
	if series == nil {
		return nil, stageErr(StageInit, -1, ErrConfiguration, errors.New("no tilt series"))
	}
	if err := series.Validate(); err != nil {
		return nil, stageErr(StageInit, -1, ErrConfiguration, err)
	}

	dims := r.params.Dims()
	shape := r.params.SliceShape()
	log.Info("reconstruction started",
		"tilts", series.Len(), "dims", dims.String(),
		"slice", fmt.Sprintf("%dx%d", shape.Width, shape.Height),
		"halfGrid", r.params.HalfGrid, "bindings", r.params.Bindings)

	bufs, err := r.allocate(dims, shape)
	if err != nil {
		return nil, err
	}

	if r.params.Bindings == 1 {
		err = r.insertSequential(ctx, series, bufs)
	} else {
		err = r.insertPooled(ctx, series, bufs)
	}
	if err != nil {
		bufs.release(false)
		return nil, err
	}

	// Finalize: surface faults raised by any launch
	if err := r.dev.Synchronize(); err != nil {
		bufs.release(false)
		return nil, stageErr(StageFinalize, -1, ErrKernelExecution, err)
	}
	if err := CheckInvariants(bufs.signal.Data(), bufs.weight.Data()); err != nil {
		bufs.release(false)
		return nil, stageErr(StageFinalize, -1, ErrKernelExecution, err)
	}
	bufs.release(true)

	result := &Result{
		Signal:   bufs.signal,
		Weight:   bufs.weight,
		Coverage: Summarize(bufs.weight.Data()),
		Tilts:    series.Len(),
		Elapsed:  time.Since(start),
	}
	log.Info("reconstruction finished",
		"elapsed", result.Elapsed,
		"covered", result.Coverage.Covered,
		"fraction", result.Coverage.Fraction,
		"meanWeight", result.Coverage.MeanWeight)
	return result, nil
}

// allocate creates the zero-initialized outputs and one staging array per
// binding slot
func (r *Reconstructor) allocate(dims models.Dims3, shape geometry.Grid) (*buffers, error) {
	bufs := &buffers{}
	fail := func(err error) (*buffers, error) {
		bufs.release(false)
		return nil, stageErr(StageInit, -1, ErrDeviceResource, err)
	}

	var err error
	if bufs.signal, err = r.dev.NewVolume(dims); err != nil {
		return fail(fmt.Errorf("failed to allocate signal volume: %w", err))
	}
	if bufs.weight, err = r.dev.NewVolume(dims); err != nil {
		return fail(fmt.Errorf("failed to allocate weight volume: %w", err))
	}
	for i := 0; i < r.params.Bindings; i++ {
		a, err := r.dev.NewArray(shape.Width, shape.Height)
		if err != nil {
			return fail(fmt.Errorf("failed to allocate staging array %d: %w", i, err))
		}
		bufs.arrays = append(bufs.arrays, a)
	}
	return bufs, nil
}

// insertSequential runs every tilt through the single staging array
func (r *Reconstructor) insertSequential(ctx context.Context, series *tiltseries.Series, bufs *buffers) error {
	model := r.params.Model()
	for i := 0; i < series.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return stageErr(StageComputeGeometry, i, nil, err)
		}
		if err := r.insertTilt(ctx, model, series, i, bufs.arrays[0], bufs.signal, bufs.weight); err != nil {
			return err
		}
	}
	return nil
}

// insertTilt runs the per-tilt stages for tilt i, accumulating into signal
// and weight
func (r *Reconstructor) insertTilt(ctx context.Context, model geometry.Model, series *tiltseries.Series, i int, arr device.Array, signal, weight device.Volume) error {
	log := logging.Logger()
	optics := series.Tilt(i)

	// ComputeGeometry
	tilt := geometry.NewTilt(optics.TiltAngle)
	var transform *geometry.Transform
	if az := series.AzimuthAt(i); az != 0 {
		if tr := geometry.NewTransform(optics.TiltAngle, az); !tr.SingleAxis() {
			transform = tr
		}
	}

	// RequestCTF
	img, err := r.gen.Generate(ctx, ctf.Request{
		Optics:   optics,
		Width:    r.params.PaddingFactor * r.params.Size[0],
		Height:   r.params.PaddingFactor * r.params.Size[1],
		HalfGrid: r.params.HalfGrid,
		Squared:  r.params.SquaredCTF,
		Centered: true,
	})
	if err != nil {
		return stageErr(StageRequestCTF, i, ErrCTFGeneration, err)
	}
	if img == nil || img.Width != arr.Width() || img.Height != arr.Height() {
		return stageErr(StageRequestCTF, i, ErrCTFGeneration,
			fmt.Errorf("generator returned %s, want %dx%d", imageSize(img), arr.Width(), arr.Height()))
	}

	// StageSample
	if err := arr.Upload(img); err != nil {
		return stageErr(StageStageSample, i, ErrDeviceResource, fmt.Errorf("failed to copy CTF image: %w", err))
	}
	tex, err := r.dev.BindTexture(arr, device.SliceTexture)
	if err != nil {
		return stageErr(StageStageSample, i, ErrDeviceResource, fmt.Errorf("failed to bind CTF texture: %w", err))
	}
	log.Debug("tilt staged", "tilt", i, "angle", optics.TiltAngle, "sin", tilt.Sin, "cos", tilt.Cos)

	// LaunchKernel
	launchErr := r.launch(model, tilt, transform, tex, signal, weight)

	// ReleaseSample, also after a failed launch
	releaseErr := tex.Release()
	if launchErr != nil {
		return stageErr(StageLaunchKernel, i, ErrKernelExecution, launchErr)
	}
	if releaseErr != nil {
		return stageErr(StageReleaseSample, i, ErrDeviceResource, fmt.Errorf("failed to unbind CTF texture: %w", releaseErr))
	}
	return nil
}

func (r *Reconstructor) launch(model geometry.Model, tilt geometry.Tilt, transform *geometry.Transform, tex device.Texture, signal, weight device.Volume) error {
	var src sampler.Sampler = tex
	if r.params.HalfGrid {
		// the kernel addresses the centered full grid
		half, err := sampler.NewHalfGrid(tex, r.params.PaddingFactor*r.params.Size[0], r.params.PaddingFactor*r.params.Size[1])
		if err != nil {
			return err
		}
		src = half
	}
	k, err := kernel.NewAccumulator(model, tilt, src, signal, weight)
	if err != nil {
		return err
	}
	k.Transform = transform
	return r.dev.Launch(k, model.Dims)
}

func imageSize(img *models.Image2D) string {
	if img == nil {
		return "no image"
	}
	return fmt.Sprintf("%dx%d", img.Width, img.Height)
}
