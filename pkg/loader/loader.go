// Package loader reads input images through a cache of binned copies.
//
// A request for an image at binning factor N is served from
// <cacheDir>/<base>_bin<N>.mrc. A missing cache entry is produced from the
// source: 3D stacks are block-averaged, 2D images are decimated in Fourier
// space. The cached file is then read back, retrying transient failures.
package loader

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tomorecon/internal/models"
	"tomorecon/pkg/config"
	"tomorecon/pkg/logging"
	"tomorecon/pkg/mrc"
)

// ErrTransientIO is returned when a read keeps failing after every retry
var ErrTransientIO = errors.New("loader: read failed after retries")

// Retries is the number of reads attempted after the first one fails. The
// wait before retry k is k^3 backoff units.
const Retries = 3

// Loader serves binned images from a cache directory
type Loader struct {
	CacheDir string

	// Unit is the backoff unit between read attempts
	Unit time.Duration

	// HighPass is passed to Decimate for 2D inputs
	HighPass float64

	// Sleep waits between attempts. It defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// Read decodes one file. It defaults to mrc.ReadFile.
	Read func(path string) (*models.Volume, *mrc.Header, error)
}

// New creates a loader with the default reader and sleeper
func New(cacheDir string, unit time.Duration) *Loader {
	return &Loader{
		CacheDir: cacheDir,
		Unit:     unit,
		Sleep:    sleep,
		Read:     mrc.ReadFile,
	}
}

// FromConfig creates a loader from the loader section
func FromConfig(cfg *config.Config) *Loader {
	return New(cfg.Loader.CacheDir, time.Duration(cfg.Loader.RetryUnitMS)*time.Millisecond)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CachePath returns the cache entry of path at binning factor bin
func (l *Loader) CachePath(path string, bin int) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return filepath.Join(l.CacheDir, fmt.Sprintf("%s_bin%d.mrc", base, bin))
}

// Load returns the image at path binned by bin. A factor of 1 reads the
// source directly.
func (l *Loader) Load(ctx context.Context, path string, bin int) (*models.Volume, *mrc.Header, error) {
	if bin < 1 {
		return nil, nil, fmt.Errorf("loader: binning factor %d", bin)
	}
	if bin == 1 {
		return l.readWithRetry(ctx, path)
	}

	cached := l.CachePath(path, bin)
	if _, err := os.Stat(cached); err == nil {
		logging.Logger().Debug("binned image cache hit", "path", cached)
		return l.readWithRetry(ctx, cached)
	}

	if err := l.produce(ctx, path, cached, bin); err != nil {
		return nil, nil, err
	}
	return l.readWithRetry(ctx, cached)
}

// produce writes the binned copy of src to dst
func (l *Loader) produce(ctx context.Context, src, dst string, bin int) error {
	log := logging.Logger()

	v, h, err := l.readWithRetry(ctx, src)
	if err != nil {
		return err
	}

	var out *models.Volume
	if v.Dims.Z == 1 {
		out, err = Decimate(v, bin, l.HighPass)
	} else {
		out, err = Bin(v, bin)
	}
	if err != nil {
		return fmt.Errorf("failed to bin %s: %w", src, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("error creating cache directory: %w", err)
	}
	label := fmt.Sprintf("binned x%d from %s", bin, filepath.Base(src))
	if err := mrc.WriteFile(dst, out, h.PixelSize*float64(bin), label); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}

	log.Info("binned image cached", "source", src, "cache", dst, "factor", bin, "dims", out.Dims.String())
	return nil
}

// readWithRetry reads path, retrying with k^3 backoff. Format errors are
// permanent and returned at once.
func (l *Loader) readWithRetry(ctx context.Context, path string) (*models.Volume, *mrc.Header, error) {
	read, wait := l.Read, l.Sleep
	if read == nil {
		read = mrc.ReadFile
	}
	if wait == nil {
		wait = sleep
	}

	var lastErr error
	for k := 0; k <= Retries; k++ {
		if k > 0 {
			d := time.Duration(k*k*k) * l.Unit
			logging.Logger().Warn("image read failed, retrying", "path", path, "retry", k, "backoff", d, "err", lastErr)
			if err := wait(ctx, d); err != nil {
				return nil, nil, err
			}
		}
		v, h, err := read(path)
		if err == nil {
			return v, h, nil
		}
		if errors.Is(err, mrc.ErrFormat) || errors.Is(err, mrc.ErrUnsupported) || errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("error reading %s: %w", path, err)
		}
		lastErr = err
	}
	return nil, nil, fmt.Errorf("%w: %s: %v", ErrTransientIO, path, lastErr)
}
