package loader

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"tomorecon/internal/models"
	"tomorecon/pkg/mrc"
)

// recorder replaces the loader's sleeper and records the requested waits
type recorder struct {
	waits []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

func writeImage(t *testing.T, dir string, d models.Dims3, f func(x, y, z int) float32) string {
	t.Helper()
	v := models.NewVolume(d)
	for z := 0; z < d.Z; z++ {
		for y := 0; y < d.Y; y++ {
			for x := 0; x < d.X; x++ {
				v.Set(x, y, z, f(x, y, z))
			}
		}
	}
	path := filepath.Join(dir, "tilt.mrc")
	if err := mrc.WriteFile(path, v, 1.5, ""); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestCachePath(t *testing.T) {
	l := New("/tmp/cache", time.Second)
	if got := l.CachePath("/data/ts_01.mrc", 4); got != filepath.Join("/tmp/cache", "ts_01_bin4.mrc") {
		t.Errorf("Expected ts_01_bin4.mrc in the cache dir, got %s", got)
	}
}

func TestBinAveragesBlocks(t *testing.T) {
	v := models.NewVolume(models.Dims3{X: 4, Y: 4, Z: 2})
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	out, err := Bin(v, 2)
	if err != nil {
		t.Fatalf("Bin: %v", err)
	}
	if out.Dims != (models.Dims3{X: 2, Y: 2, Z: 1}) {
		t.Fatalf("Expected 2x2x1, got %v", out.Dims)
	}
	// block (0,0,0) holds 0,1,4,5,16,17,20,21
	if got := out.At(0, 0, 0); got != 10.5 {
		t.Errorf("Expected 10.5, got %v", got)
	}

	img := models.NewVolume(models.Dims3{X: 5, Y: 4, Z: 1})
	out, err = Bin(img, 2)
	if err != nil {
		t.Fatalf("Bin: %v", err)
	}
	if out.Dims != (models.Dims3{X: 2, Y: 2, Z: 1}) {
		t.Errorf("Expected a 2D image to stay 2D, got %v", out.Dims)
	}
	if _, err := Bin(img, 8); err == nil {
		t.Error("Expected error for factor larger than the image")
	}
}

func TestDecimateKeepsLowFrequencies(t *testing.T) {
	const n = 32
	img := models.NewVolume(models.Dims3{X: n, Y: n, Z: 1})
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			low := math.Cos(2 * math.Pi * float64(x) / n)
			high := math.Cos(2 * math.Pi * 12 * float64(y) / n)
			img.Set(x, y, 0, float32(3+low+high))
		}
	}

	out, err := Decimate(img, 2, 0)
	if err != nil {
		t.Fatalf("Decimate: %v", err)
	}
	if out.Dims != (models.Dims3{X: n / 2, Y: n / 2, Z: 1}) {
		t.Fatalf("Expected %dx%d, got %v", n/2, n/2, out.Dims)
	}
	for y := 0; y < n/2; y++ {
		for x := 0; x < n/2; x++ {
			want := 3 + math.Cos(2*math.Pi*float64(x)/(n/2))
			if got := float64(out.At(x, y, 0)); math.Abs(got-want) > 1e-4 {
				t.Fatalf("(%d,%d): Expected %v, got %v", x, y, want, got)
			}
		}
	}
}

func TestDecimateHighPass(t *testing.T) {
	img := models.NewVolume(models.Dims3{X: 16, Y: 16, Z: 1})
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, 0, float32(2+math.Cos(2*math.Pi*float64(x)/16)))
		}
	}
	out, err := Decimate(img, 2, 0.5)
	if err != nil {
		t.Fatalf("Decimate: %v", err)
	}
	for i, v := range out.Data {
		if math.Abs(float64(v)-2) > 1e-4 {
			t.Fatalf("index %d: Expected only the mean to remain, got %v", i, v)
		}
	}

	if _, err := Decimate(models.NewVolume(models.Dims3{X: 4, Y: 4, Z: 2}), 2, 0); err == nil {
		t.Error("Expected error for a 3D input")
	}
}

func TestLoadProducesAndReusesCache(t *testing.T) {
	dir := t.TempDir()
	src := writeImage(t, dir, models.Dims3{X: 8, Y: 8, Z: 4}, func(x, y, z int) float32 { return float32(z) })

	l := New(filepath.Join(dir, "cache"), time.Millisecond)
	reads := map[string]int{}
	l.Read = func(path string) (*models.Volume, *mrc.Header, error) {
		reads[path]++
		return mrc.ReadFile(path)
	}

	v, h, err := l.Load(context.Background(), src, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.Dims != (models.Dims3{X: 4, Y: 4, Z: 2}) {
		t.Errorf("Expected 4x4x2, got %v", v.Dims)
	}
	if got := v.At(0, 0, 1); got != 2.5 {
		t.Errorf("Expected block average 2.5, got %v", got)
	}
	if math.Abs(h.PixelSize-3) > 1e-6 {
		t.Errorf("Expected binned pixel size 3, got %v", h.PixelSize)
	}
	cached := l.CachePath(src, 2)
	if _, err := os.Stat(cached); err != nil {
		t.Fatalf("Expected cache entry %s: %v", cached, err)
	}

	if _, _, err := l.Load(context.Background(), src, 2); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if reads[src] != 1 {
		t.Errorf("Expected the source to be read once, got %d", reads[src])
	}
	if reads[cached] != 2 {
		t.Errorf("Expected the cache entry to be read twice, got %d", reads[cached])
	}
}

func TestLoad2DUsesDecimation(t *testing.T) {
	dir := t.TempDir()
	src := writeImage(t, dir, models.Dims3{X: 16, Y: 12, Z: 1}, func(x, y, z int) float32 { return 7 })

	v, _, err := New(dir, time.Millisecond).Load(context.Background(), src, 4)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if v.Dims != (models.Dims3{X: 4, Y: 3, Z: 1}) {
		t.Fatalf("Expected 4x3x1, got %v", v.Dims)
	}
	for i, x := range v.Data {
		if math.Abs(float64(x)-7) > 1e-4 {
			t.Fatalf("index %d: Expected 7, got %v", i, x)
		}
	}
}

func TestReadRetriesWithCubicBackoff(t *testing.T) {
	flaky := errors.New("stale file handle")

	t.Run("recovers", func(t *testing.T) {
		rec := &recorder{}
		calls := 0
		l := &Loader{Unit: time.Second, Sleep: rec.sleep, Read: func(string) (*models.Volume, *mrc.Header, error) {
			calls++
			if calls < 3 {
				return nil, nil, flaky
			}
			return models.NewVolume(models.Dims3{X: 1, Y: 1, Z: 1}), &mrc.Header{}, nil
		}}
		if _, _, err := l.Load(context.Background(), "a.mrc", 1); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if want := []time.Duration{time.Second, 8 * time.Second}; !reflect.DeepEqual(rec.waits, want) {
			t.Errorf("Expected waits %v, got %v", want, rec.waits)
		}
	})

	t.Run("gives up", func(t *testing.T) {
		rec := &recorder{}
		calls := 0
		l := &Loader{Unit: time.Millisecond, Sleep: rec.sleep, Read: func(string) (*models.Volume, *mrc.Header, error) {
			calls++
			return nil, nil, flaky
		}}
		_, _, err := l.Load(context.Background(), "a.mrc", 1)
		if !errors.Is(err, ErrTransientIO) {
			t.Fatalf("Expected ErrTransientIO, got %v", err)
		}
		if calls != 1+Retries {
			t.Errorf("Expected %d reads, got %d", 1+Retries, calls)
		}
		want := []time.Duration{time.Millisecond, 8 * time.Millisecond, 27 * time.Millisecond}
		if !reflect.DeepEqual(rec.waits, want) {
			t.Errorf("Expected waits %v, got %v", want, rec.waits)
		}
	})

	t.Run("format errors are permanent", func(t *testing.T) {
		rec := &recorder{}
		l := &Loader{Unit: time.Millisecond, Sleep: rec.sleep, Read: func(string) (*models.Volume, *mrc.Header, error) {
			return nil, nil, mrc.ErrFormat
		}}
		_, _, err := l.Load(context.Background(), "a.mrc", 1)
		if !errors.Is(err, mrc.ErrFormat) || errors.Is(err, ErrTransientIO) {
			t.Errorf("Expected a permanent format error, got %v", err)
		}
		if len(rec.waits) != 0 {
			t.Errorf("Expected no retries, got %v", rec.waits)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		l := &Loader{Unit: time.Hour, Read: func(string) (*models.Volume, *mrc.Header, error) {
			return nil, nil, flaky
		}}
		if _, _, err := l.Load(ctx, "a.mrc", 1); !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	})
}

func TestLoadRejectsFactor(t *testing.T) {
	if _, _, err := New(t.TempDir(), time.Millisecond).Load(context.Background(), "x.mrc", 0); err == nil {
		t.Error("Expected error for factor 0")
	}
}
