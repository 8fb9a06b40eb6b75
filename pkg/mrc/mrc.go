// Package mrc reads and writes the MRC2014 subset used for binned images:
// little-endian files with a 1024-byte header and mode 2 (float32) data.
package mrc

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tomorecon/internal/models"
)

// HeaderSize is the size of the fixed MRC header
const HeaderSize = 1024

// ModeFloat32 is the only supported data mode
const ModeFloat32 = 2

var (
	// ErrFormat is returned for files that are not MRC
	ErrFormat = errors.New("mrc: invalid file")

	// ErrUnsupported is returned for valid MRC files outside the supported subset
	ErrUnsupported = errors.New("mrc: unsupported file")
)

// header offsets in bytes
const (
	offNX      = 0
	offMode    = 12
	offMX      = 28
	offCellA   = 40
	offCellB   = 52
	offMapC    = 64
	offDMin    = 76
	offDMax    = 80
	offDMean   = 84
	offNSymBT  = 92
	offExtType = 104
	offVersion = 108
	offMap     = 208
	offMachSt  = 212
	offRMS     = 216
	offNLabl   = 220
	offLabels  = 224
	labelSize  = 80
)

// Header holds the fields of the MRC header the codec uses
type Header struct {
	Dims models.Dims3

	// PixelSize is the voxel edge length in Å, from cella/mx
	PixelSize float64

	Min, Max, Mean, RMS float32

	// ExtendedHeader is the number of bytes between the header and the data
	ExtendedHeader int

	Label string
}

// ReadHeader decodes the fixed header
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: short header: %v", ErrFormat, err)
	}
	le := binary.LittleEndian
	i32 := func(off int) int { return int(int32(le.Uint32(buf[off:]))) }
	f32 := func(off int) float32 { return math.Float32frombits(le.Uint32(buf[off:])) }

	if string(buf[offMap:offMap+3]) != "MAP" {
		return nil, fmt.Errorf("%w: missing MAP stamp", ErrFormat)
	}
	if buf[offMachSt] != 0x44 && buf[offMachSt] != 0x41 {
		return nil, fmt.Errorf("%w: big-endian data", ErrUnsupported)
	}
	if mode := i32(offMode); mode != ModeFloat32 {
		return nil, fmt.Errorf("%w: mode %d", ErrUnsupported, mode)
	}

	h := &Header{
		Dims:           models.Dims3{X: i32(offNX), Y: i32(offNX + 4), Z: i32(offNX + 8)},
		Min:            f32(offDMin),
		Max:            f32(offDMax),
		Mean:           f32(offDMean),
		RMS:            f32(offRMS),
		ExtendedHeader: i32(offNSymBT),
	}
	if !h.Dims.Valid() {
		return nil, fmt.Errorf("%w: dimensions %v", ErrFormat, h.Dims)
	}
	if h.ExtendedHeader < 0 {
		return nil, fmt.Errorf("%w: extended header of %d bytes", ErrFormat, h.ExtendedHeader)
	}
	if mx := i32(offMX); mx > 0 {
		h.PixelSize = float64(f32(offCellA)) / float64(mx)
	}
	if i32(offNLabl) > 0 {
		h.Label = trimLabel(buf[offLabels : offLabels+labelSize])
	}
	return h, nil
}

func trimLabel(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}

// Read decodes a volume. 2D images are returned with Z == 1.
func Read(r io.Reader) (*models.Volume, *Header, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, nil, err
	}
	if h.ExtendedHeader > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(h.ExtendedHeader)); err != nil {
			return nil, nil, fmt.Errorf("%w: truncated extended header: %v", ErrFormat, err)
		}
	}

	v := models.NewVolume(h.Dims)
	if err := binary.Read(bufio.NewReader(r), binary.LittleEndian, v.Data); err != nil {
		return nil, nil, fmt.Errorf("%w: truncated data: %v", ErrFormat, err)
	}
	return v, h, nil
}

// ReadFile reads a volume from path
func ReadFile(path string) (*models.Volume, *Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return Read(f)
}

// Write encodes v with the given pixel size, computing the density
// statistics of the header
func Write(w io.Writer, v *models.Volume, pixelSize float64, label string) error {
	if v == nil || !v.Dims.Valid() || len(v.Data) != v.Dims.Len() {
		return fmt.Errorf("%w: volume does not match its dimensions", ErrFormat)
	}

	buf := make([]byte, HeaderSize)
	le := binary.LittleEndian
	put := func(off int, x int) { le.PutUint32(buf[off:], uint32(int32(x))) }
	putF := func(off int, x float32) { le.PutUint32(buf[off:], math.Float32bits(x)) }

	d := v.Dims
	for i, n := range []int{d.X, d.Y, d.Z} {
		put(offNX+4*i, n)
		put(offMX+4*i, n)
		putF(offCellA+4*i, float32(float64(n)*pixelSize))
		putF(offCellB+4*i, 90)
		put(offMapC+4*i, i+1)
	}
	put(offMode, ModeFloat32)

	min, max, mean, rms := stats(v.Data)
	putF(offDMin, min)
	putF(offDMax, max)
	putF(offDMean, mean)
	putF(offRMS, rms)

	put(offVersion, 20140)
	copy(buf[offExtType:], "MRCO")
	copy(buf[offMap:], "MAP ")
	buf[offMachSt], buf[offMachSt+1] = 0x44, 0x44
	if label != "" {
		put(offNLabl, 1)
		copy(buf[offLabels:offLabels+labelSize], label)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(buf); err != nil {
		return fmt.Errorf("failed to write MRC header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, v.Data); err != nil {
		return fmt.Errorf("failed to write MRC data: %w", err)
	}
	return bw.Flush()
}

// WriteFile writes v to path, replacing any existing file
func WriteFile(path string, v *models.Volume, pixelSize float64, label string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, v, pixelSize, label); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func stats(data []float32) (min, max, mean, rms float32) {
	if len(data) == 0 {
		return 0, 0, 0, 0
	}
	x := make([]float64, len(data))
	for i, v := range data {
		x[i] = float64(v)
	}
	m, sd := stat.PopMeanStdDev(x, nil)
	return float32(floats.Min(x)), float32(floats.Max(x)), float32(m), float32(sd)
}
