package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"tomorecon/internal/models"
	"tomorecon/pkg/ctf"
	"tomorecon/pkg/device"
	"tomorecon/pkg/loader"
	"tomorecon/pkg/mrc"
	"tomorecon/pkg/reconstruction"
	"tomorecon/pkg/scheduler"
	"tomorecon/pkg/tiltseries"
	"tomorecon/pkg/visualization"
)

var (
	tiltsPath  string
	previewDir string
	size       []int
	halfGrid   bool
	bindings   int
	outputDir  string
	cropSize   int
	slices     bool

	tomograms int

	inputPath string
	binFactor int
)

var reconstructCmd = &cobra.Command{
	Use:   "reconstruct",
	Short: "Insert every tilt of a series into the Fourier accumulators",
	RunE:  runReconstruct,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan reconstruction workers for a number of tomograms",
	RunE:  runPlan,
}

var binCmd = &cobra.Command{
	Use:   "bin",
	Short: "Produce or load the cached binned copy of an image",
	RunE:  runBin,
}

func init() {
	reconstructCmd.Flags().StringVar(&tiltsPath, "tilts", "", "Tilt metadata file (JSON5)")
	reconstructCmd.Flags().StringVar(&previewDir, "preview", "", "Directory for preview images (overrides config)")
	reconstructCmd.Flags().IntSliceVar(&size, "size", nil, "Output size x,y,z (overrides config)")
	reconstructCmd.Flags().BoolVar(&halfGrid, "half-grid", false, "Use Hermitian half-grid CTF images")
	reconstructCmd.Flags().IntVar(&bindings, "bindings", 0, "Tilts bound concurrently (overrides config)")
	reconstructCmd.Flags().StringVar(&outputDir, "output", "", "Directory for the signal and weight volumes (MRC)")
	reconstructCmd.Flags().IntVar(&cropSize, "crop", 0, "Write only the central box of this size around the zero frequency")
	reconstructCmd.Flags().BoolVar(&slices, "slices", false, "Also save every z slice of the weight volume with the previews")
	_ = reconstructCmd.MarkFlagRequired("tilts")

	planCmd.Flags().IntVar(&tomograms, "tomograms", 1, "Number of tomograms to reconstruct")

	binCmd.Flags().StringVar(&inputPath, "input", "", "Input MRC image or stack")
	binCmd.Flags().IntVar(&binFactor, "factor", 0, "Binning factor (overrides config)")
	_ = binCmd.MarkFlagRequired("input")
}

func runReconstruct(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply command line overrides
	if len(size) > 0 {
		if len(size) != 3 {
			return fmt.Errorf("--size needs three values, got %d", len(size))
		}
		copy(cfg.Reconstruction.Size[:], size)
	}
	if cmd.Flags().Changed("half-grid") {
		cfg.Reconstruction.HalfGrid = halfGrid
	}
	if bindings > 0 {
		cfg.Reconstruction.Bindings = bindings
	}
	if previewDir != "" {
		cfg.Output.PreviewDir = previewDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	series, err := tiltseries.Load(tiltsPath)
	if err != nil {
		return err
	}

	backend := device.NewCPUBackend(device.Options{
		Workers:     cfg.Device.Workers,
		Bindings:    cfg.Reconstruction.Bindings,
		MemoryBytes: int64(cfg.Device.MemoryMB) << 20,
	})
	dev, err := backend.NewContext(0)
	if err != nil {
		return err
	}
	defer dev.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	params := reconstruction.ParamsFromConfig(cfg)
	res, err := reconstruction.NewReconstructor(params, dev, ctf.Model{}).Reconstruct(ctx, series)
	if err != nil {
		return err
	}
	defer res.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reconstructed %d tilts into %s in %.2f seconds\n",
		res.Tilts, params.Dims(), res.Elapsed.Seconds())
	fmt.Fprintf(out, "Coverage: %s\n", res.Coverage)

	if cfg.Output.PreviewDir == "" && outputDir == "" {
		return nil
	}
	signalVol, weightVol, err := res.Download()
	if err != nil {
		return err
	}

	if outputDir != "" {
		if err := saveVolumes(outputDir, series.PixelSize[0], signalVol, weightVol); err != nil {
			return err
		}
		fmt.Fprintf(out, "Volumes saved to %s\n", outputDir)
	}
	if cfg.Output.PreviewDir != "" {
		if err := savePreviews(cfg.Output.PreviewDir, signalVol, weightVol); err != nil {
			return err
		}
		fmt.Fprintf(out, "Previews saved to %s\n", cfg.Output.PreviewDir)
	}
	return nil
}

// saveVolumes writes signal.mrc and weight.mrc, cropped to the central
// --crop box when requested
func saveVolumes(dir string, pixelSize float64, signalVol, weightVol *models.Volume) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for name, vol := range map[string]*models.Volume{"signal": signalVol, "weight": weightVol} {
		if cropSize > 0 {
			d := vol.Dims
			n := min(cropSize, d.X, d.Y, d.Z)
			region, err := visualization.NewViewer(vol).ExtractRegion(d.X/2-n/2, d.Y/2-n/2, d.Z/2-n/2, n, n, n)
			if err != nil {
				return fmt.Errorf("failed to crop %s volume: %w", name, err)
			}
			vol = region
		}
		path := filepath.Join(dir, name+".mrc")
		if err := mrc.WriteFile(path, vol, pixelSize, "tomorecon "+name); err != nil {
			return fmt.Errorf("failed to save %s volume: %w", name, err)
		}
	}
	return nil
}

// savePreviews writes the central slice of both volumes along every axis,
// as a grayscale PNG and as a heat map
func savePreviews(dir string, signalVol, weightVol *models.Volume) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	d := weightVol.Dims
	centre := map[string]int{"x": d.X / 2, "y": d.Y / 2, "z": d.Z / 2}

	for name, vol := range map[string]*models.Volume{"signal": signalVol, "weight": weightVol} {
		viewer := visualization.NewViewer(vol)
		viewer.Log = true
		for _, axis := range []string{"x", "y", "z"} {
			img, err := viewer.ExtractSlice(axis, centre[axis])
			if err != nil {
				return err
			}
			base := filepath.Join(dir, fmt.Sprintf("%s_%s", name, axis))
			if err := viewer.SaveSlice(img, base+".png"); err != nil {
				return fmt.Errorf("failed to save %s preview: %w", name, err)
			}
			title := fmt.Sprintf("log(1+|%s|), %s = %d", name, axis, centre[axis])
			if err := viewer.SaveHeatMap(axis, centre[axis], title, base+"_heat.png"); err != nil {
				return err
			}
		}
	}
	if slices {
		viewer := visualization.NewViewer(weightVol)
		viewer.Log = true
		if err := viewer.SaveSliceSequence("z", filepath.Join(dir, "weight_slices")); err != nil {
			return err
		}
	}
	return nil
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	plan, err := scheduler.PlanWorkers(scheduler.InputFromConfig(cfg, tomograms))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workers: %d\n", plan.Workers)
	for i, part := range plan.Partitions {
		fmt.Fprintf(out, "  worker %d: %v\n", i, part)
	}
	for i := 0; i < tomograms; i++ {
		fmt.Fprintf(out, "  tomogram %d -> worker %d\n", i, plan.WorkerOf(i))
	}
	return nil
}

func runBin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	factor := cfg.Loader.BinFactor
	if binFactor > 0 {
		factor = binFactor
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	start := time.Now()
	l := loader.FromConfig(cfg)
	v, h, err := l.Load(ctx, inputPath, factor)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Loaded %s binned x%d: %s, pixel size %.3f Å (%.2f seconds)\n",
		inputPath, factor, v.Dims, h.PixelSize, time.Since(start).Seconds())
	if factor > 1 {
		fmt.Fprintf(out, "Cache entry: %s\n", l.CachePath(inputPath, factor))
	}
	return nil
}
