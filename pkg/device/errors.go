package device

import "errors"

var (
	// ErrOutOfMemory is returned when an allocation exceeds device memory.
	ErrOutOfMemory = errors.New("device: out of memory")

	// ErrInvalidDims is returned for empty or negative sizes and launch grids.
	ErrInvalidDims = errors.New("device: invalid dimensions")

	// ErrLengthMismatch is returned when a host buffer does not match the
	// size of the device resource.
	ErrLengthMismatch = errors.New("device: length mismatch")

	// ErrBindingBusy is returned when every texture slot is bound, or when
	// uploading into an array that is currently bound.
	ErrBindingBusy = errors.New("device: texture binding busy")

	// ErrNotBound is returned when releasing a texture twice.
	ErrNotBound = errors.New("device: texture not bound")

	// ErrForeignResource is returned when a resource from another context is used.
	ErrForeignResource = errors.New("device: resource belongs to another context")

	// ErrNotImplemented is returned for unsupported texture modes.
	ErrNotImplemented = errors.New("device: not implemented")

	// ErrClosed is returned by any operation on a closed context or resource.
	ErrClosed = errors.New("device: closed")

	// ErrKernelFault wraps a failure raised while a kernel was executing.
	ErrKernelFault = errors.New("device: kernel fault")
)
