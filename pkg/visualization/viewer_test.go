package visualization

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"tomorecon/internal/models"
)

func newVolume(width, height, depth int, f func(x, y, z int) float32) *models.Volume {
	v := models.NewVolume(models.Dims3{X: width, Y: height, Z: depth})
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v.Set(x, y, z, f(x, y, z))
			}
		}
	}
	return v
}

// TestExtractSlice verifies that slices are correctly extracted from the volume
func TestExtractSlice(t *testing.T) {
	width, height, depth := 10, 8, 5

	// each slice along Z has a unique value
	viewer := NewViewer(newVolume(width, height, depth, func(x, y, z int) float32 { return float32(z) }))

	for z := 0; z < depth; z++ {
		img, err := viewer.ExtractSlice("z", z)
		if err != nil {
			t.Fatalf("Failed to extract Z slice at position %d: %v", z, err)
		}

		bounds := img.Bounds()
		if bounds.Dx() != width || bounds.Dy() != height {
			t.Errorf("Expected Z slice dimensions %dx%d, got %dx%d",
				width, height, bounds.Dx(), bounds.Dy())
		}

		// values are normalized over the whole volume
		expected := uint16(math.Round(float64(z) / float64(depth-1) * 65535))
		if got := img.Gray16At(width/2, height/2).Y; got != expected {
			t.Errorf("Expected Z slice value %d at center, got %d", expected, got)
		}
	}

	imgX, err := viewer.ExtractSlice("x", width/2)
	if err != nil {
		t.Fatalf("Failed to extract X slice: %v", err)
	}
	if b := imgX.Bounds(); b.Dx() != depth || b.Dy() != height {
		t.Errorf("Expected X slice dimensions %dx%d, got %dx%d", depth, height, b.Dx(), b.Dy())
	}
	// columns of an X slice run along Z
	if imgX.Gray16At(0, 0).Y != 0 || imgX.Gray16At(depth-1, 0).Y != 65535 {
		t.Errorf("Expected X slice to span the range along its columns, got %d..%d",
			imgX.Gray16At(0, 0).Y, imgX.Gray16At(depth-1, 0).Y)
	}

	imgY, err := viewer.ExtractSlice("y", height/2)
	if err != nil {
		t.Fatalf("Failed to extract Y slice: %v", err)
	}
	if b := imgY.Bounds(); b.Dx() != width || b.Dy() != depth {
		t.Errorf("Expected Y slice dimensions %dx%d, got %dx%d", width, depth, b.Dx(), b.Dy())
	}

	if _, err := viewer.ExtractSlice("invalid", 0); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
	if _, err := viewer.ExtractSlice("z", depth+1); err == nil {
		t.Error("Expected error for out of bounds position, got nil")
	}
	if _, err := viewer.ExtractSlice("z", -1); err == nil {
		t.Error("Expected error for negative position, got nil")
	}
}

func TestExtractSliceConstantVolume(t *testing.T) {
	viewer := NewViewer(newVolume(3, 3, 3, func(x, y, z int) float32 { return 4 }))
	img, err := viewer.ExtractSlice("z", 1)
	if err != nil {
		t.Fatalf("ExtractSlice: %v", err)
	}
	for _, p := range img.Pix {
		if p != 0 {
			t.Fatal("Expected a constant volume to render black")
		}
	}
}

func TestLogScale(t *testing.T) {
	viewer := NewViewer(newVolume(2, 1, 1, func(x, y, z int) float32 { return float32(x) * -(math.E - 1) }))
	viewer.Log = true
	min, max := viewer.Range()
	if min != 0 || math.Abs(max-1) > 1e-6 {
		t.Errorf("Expected log range [0,1], got [%v,%v]", min, max)
	}
}

// TestExtractRegion verifies that 3D regions are correctly extracted
func TestExtractRegion(t *testing.T) {
	width, height, depth := 10, 10, 5
	vol := newVolume(width, height, depth, func(x, y, z int) float32 {
		return float32(x) + 10*float32(y) + 100*float32(z)
	})
	viewer := NewViewer(vol)

	startX, startY, startZ := 2, 3, 1
	sizeX, sizeY, sizeZ := 4, 3, 2

	region, err := viewer.ExtractRegion(startX, startY, startZ, sizeX, sizeY, sizeZ)
	if err != nil {
		t.Fatalf("Failed to extract region: %v", err)
	}
	if region.Dims != (models.Dims3{X: sizeX, Y: sizeY, Z: sizeZ}) {
		t.Fatalf("Expected region dims %dx%dx%d, got %v", sizeX, sizeY, sizeZ, region.Dims)
	}

	for z := 0; z < sizeZ; z++ {
		for y := 0; y < sizeY; y++ {
			for x := 0; x < sizeX; x++ {
				want := vol.At(startX+x, startY+y, startZ+z)
				if got := region.At(x, y, z); got != want {
					t.Errorf("Region value mismatch at (%d,%d,%d): expected %v, got %v", x, y, z, want, got)
				}
			}
		}
	}

	if _, err := viewer.ExtractRegion(-1, 0, 0, 1, 1, 1); err == nil {
		t.Error("Expected error for negative start coordinate, got nil")
	}
	if _, err := viewer.ExtractRegion(0, 0, 0, 0, 1, 1); err == nil {
		t.Error("Expected error for zero size, got nil")
	}
	if _, err := viewer.ExtractRegion(width-1, 0, 0, 2, 1, 1); err == nil {
		t.Error("Expected error for region extending beyond volume, got nil")
	}
}

// TestSaveSliceSequence verifies that a sequence of slices can be saved
func TestSaveSliceSequence(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	width, height, depth := 5, 5, 3
	viewer := NewViewer(newVolume(width, height, depth, func(x, y, z int) float32 { return float32(x * y) }))

	outputDir := filepath.Join(t.TempDir(), "slices")
	if err := viewer.SaveSliceSequence("z", outputDir); err != nil {
		t.Fatalf("Failed to save slice sequence: %v", err)
	}
	for z := 0; z < depth; z++ {
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z))
		if _, err := os.Stat(filename); os.IsNotExist(err) {
			t.Errorf("Expected slice file does not exist: %s", filename)
		}
	}

	if err := viewer.SaveSliceSequence("invalid", outputDir); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}

func TestSaveHeatMap(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping file I/O test in short mode")
	}

	viewer := NewViewer(newVolume(8, 6, 4, func(x, y, z int) float32 { return float32(x + y + z) }))
	filename := filepath.Join(t.TempDir(), "weight_z.png")
	if err := viewer.SaveHeatMap("z", 2, "weight", filename); err != nil {
		t.Fatalf("SaveHeatMap: %v", err)
	}
	info, err := os.Stat(filename)
	if err != nil {
		t.Fatalf("Expected heat map file: %v", err)
	}
	if info.Size() == 0 {
		t.Error("Expected a non-empty heat map file")
	}

	if err := viewer.SaveHeatMap("w", 0, "bad", filename); err == nil {
		t.Error("Expected error for invalid axis, got nil")
	}
}
