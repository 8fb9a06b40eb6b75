package reconstruction

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"tomorecon/pkg/device"
	"tomorecon/pkg/kernel"
	"tomorecon/pkg/logging"
	"tomorecon/pkg/tiltseries"
)

// partial is the private accumulator pair of one pool worker
type partial struct {
	signal device.Volume
	weight device.Volume
}

func (p *partial) close() {
	for _, v := range []device.Volume{p.signal, p.weight} {
		if v == nil {
			continue
		}
		if err := v.Close(); err != nil {
			logging.Logger().Warn("failed to free partial volume", "err", err)
		}
	}
}

// insertPooled distributes tilts round-robin over one worker per binding.
// Worker w owns staging array w and accumulates tilts w, w+n, w+2n, ... in
// order into its own partial volumes. The partials are then reduced into the
// outputs in worker order, so the result does not depend on scheduling.
func (r *Reconstructor) insertPooled(ctx context.Context, series *tiltseries.Series, bufs *buffers) error {
	n := len(bufs.arrays)
	if n > series.Len() {
		n = series.Len()
	}
	model := r.params.Model()
	dims := model.Dims

	partials := make([]*partial, n)
	defer func() {
		for _, p := range partials {
			if p != nil {
				p.close()
			}
		}
	}()
	for w := range partials {
		p := &partial{}
		partials[w] = p
		var err error
		if p.signal, err = r.dev.NewVolume(dims); err != nil {
			return stageErr(StageInit, -1, ErrDeviceResource, fmt.Errorf("failed to allocate partial signal %d: %w", w, err))
		}
		if p.weight, err = r.dev.NewVolume(dims); err != nil {
			return stageErr(StageInit, -1, ErrDeviceResource, fmt.Errorf("failed to allocate partial weight %d: %w", w, err))
		}
	}

	logging.Logger().Debug("tilt pool started", "workers", n, "tilts", series.Len())

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < n; w++ {
		g.Go(func() error {
			p := partials[w]
			for i := w; i < series.Len(); i += n {
				if err := gctx.Err(); err != nil {
					return stageErr(StageComputeGeometry, i, nil, err)
				}
				if err := r.insertTilt(gctx, model, series, i, bufs.arrays[w], p.signal, p.weight); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Reduce
	for w, p := range partials {
		for _, pair := range [][2]device.Volume{{bufs.signal, p.signal}, {bufs.weight, p.weight}} {
			k := &kernel.Reduce{Dims: dims, Dst: pair[0].Data(), Src: pair[1].Data()}
			if err := r.dev.Launch(k, dims); err != nil {
				return stageErr(StageReduce, -1, ErrKernelExecution, fmt.Errorf("partial %d: %w", w, err))
			}
		}
	}
	return nil
}
