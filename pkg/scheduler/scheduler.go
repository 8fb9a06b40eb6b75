// Package scheduler plans how many reconstruction workers run side by side
// and which tomograms each of them processes.
package scheduler

import (
	"errors"
	"fmt"

	"tomorecon/pkg/config"
	"tomorecon/pkg/logging"
)

// ErrInvalid is returned for inputs that cannot be planned
var ErrInvalid = errors.New("scheduler: invalid input")

// DefaultBytesPerVoxel is the device memory one worker needs per voxel of
// its calculation volume: signal, weight and the staged slice with padding.
const DefaultBytesPerVoxel = 32

// Input describes the work and the hardware available for it
type Input struct {
	Tomograms int
	GPUs      int

	// GPUMemoryBytes is the memory of one GPU
	GPUMemoryBytes int64

	// CalcSize is the edge length of the calculation volume of one worker
	CalcSize int

	// Interpolated caps the plan at three workers per GPU
	Interpolated bool

	// AvailableWorkers is the number of worker slots the cluster offers
	AvailableWorkers int

	// BytesPerVoxel overrides DefaultBytesPerVoxel when positive
	BytesPerVoxel int64
}

// InputFromConfig builds a planner input from the scheduler section
func InputFromConfig(cfg *config.Config, tomograms int) Input {
	s := cfg.Scheduler
	return Input{
		Tomograms:        tomograms,
		GPUs:             s.GPUs,
		GPUMemoryBytes:   int64(s.GPUMemoryMB) << 20,
		CalcSize:         s.CalcSize,
		Interpolated:     s.Interpolated,
		AvailableWorkers: s.AvailableWorkers,
		BytesPerVoxel:    s.BytesPerVoxel,
	}
}

// Plan is the outcome of planning
type Plan struct {
	Workers int

	// Partitions holds the tomogram indices of every worker
	Partitions [][]int
}

// PlanWorkers computes the worker count and assigns tomograms round-robin:
// worker i gets i, i+P, i+2P, ...
func PlanWorkers(in Input) (*Plan, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	bpv := in.BytesPerVoxel
	if bpv <= 0 {
		bpv = DefaultBytesPerVoxel
	}
	cs := int64(in.CalcSize)
	perWorker := cs * cs * cs * bpv

	perGPU := int(in.GPUMemoryBytes / perWorker)
	if perGPU < 1 {
		perGPU = 1
	}
	workers := perGPU * in.GPUs

	if in.AvailableWorkers > 0 && workers > in.AvailableWorkers {
		workers = in.AvailableWorkers
	}
	if in.Interpolated && workers > 3*in.GPUs {
		workers = 3 * in.GPUs
	}
	// keep the same number of workers on every GPU
	if workers > in.GPUs {
		workers -= workers % in.GPUs
	}
	if workers > in.Tomograms {
		workers = in.Tomograms
	}
	if workers < 1 {
		workers = 1
	}

	p := &Plan{Workers: workers, Partitions: make([][]int, workers)}
	for i := 0; i < in.Tomograms; i++ {
		w := i % workers
		p.Partitions[w] = append(p.Partitions[w], i)
	}

	logging.Logger().Debug("worker plan",
		"tomograms", in.Tomograms, "gpus", in.GPUs, "perGPU", perGPU,
		"bytesPerWorker", perWorker, "workers", workers)
	return p, nil
}

func (in Input) validate() error {
	switch {
	case in.Tomograms < 1:
		return fmt.Errorf("%w: %d tomograms", ErrInvalid, in.Tomograms)
	case in.GPUs < 1:
		return fmt.Errorf("%w: %d GPUs", ErrInvalid, in.GPUs)
	case in.GPUMemoryBytes <= 0:
		return fmt.Errorf("%w: GPU memory %d bytes", ErrInvalid, in.GPUMemoryBytes)
	case in.CalcSize < 1:
		return fmt.Errorf("%w: calc size %d", ErrInvalid, in.CalcSize)
	case in.AvailableWorkers < 0:
		return fmt.Errorf("%w: %d available workers", ErrInvalid, in.AvailableWorkers)
	}
	return nil
}

// WorkerOf returns the worker that processes tomogram i
func (p *Plan) WorkerOf(i int) int {
	return i % p.Workers
}
