package reconstruction

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned for malformed requests. It is always
	// raised before any device resource is allocated.
	ErrConfiguration = errors.New("reconstruction: configuration error")

	// ErrDeviceResource is returned when allocating, copying into, binding
	// or releasing a device resource fails.
	ErrDeviceResource = errors.New("reconstruction: device resource error")

	// ErrKernelExecution is returned when a kernel launch or its execution
	// fails. Execution faults are only seen at the final synchronization.
	ErrKernelExecution = errors.New("reconstruction: kernel execution error")

	// ErrCTFGeneration is returned when the CTF generator fails or returns
	// an image of the wrong shape.
	ErrCTFGeneration = errors.New("reconstruction: CTF generation error")
)

// Stage identifies a step of the per-tilt state machine
type Stage int

const (
	StageInit Stage = iota
	StageComputeGeometry
	StageRequestCTF
	StageStageSample
	StageLaunchKernel
	StageReleaseSample
	StageReduce
	StageFinalize
)

var stageNames = [...]string{
	StageInit:            "init",
	StageComputeGeometry: "compute geometry",
	StageRequestCTF:      "request CTF",
	StageStageSample:     "stage sample",
	StageLaunchKernel:    "launch kernel",
	StageReleaseSample:   "release sample",
	StageReduce:          "reduce",
	StageFinalize:        "finalize",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// StageError reports the stage, and when known the tilt, at which a
// reconstruction failed. errors.Is matches both Kind and the cause.
type StageError struct {
	Stage Stage

	// Tilt is the index of the failing tilt, or -1 when the failure is not
	// attributable to one tilt.
	Tilt int

	Kind error
	Err  error
}

func (e *StageError) Error() string {
	kind := "reconstruction"
	if e.Kind != nil {
		kind = e.Kind.Error()
	}
	if e.Tilt >= 0 {
		return fmt.Sprintf("%s: %s (tilt %d): %v", kind, e.Stage, e.Tilt, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}

func stageErr(stage Stage, tilt int, kind, err error) error {
	return &StageError{Stage: stage, Tilt: tilt, Kind: kind, Err: err}
}
