package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"tomorecon/pkg/config"
	"tomorecon/pkg/logging"
)

// Global flags
var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "tomorecon",
	Short: "Direct Fourier reconstruction of cryo-electron tomograms",
	Long: `tomorecon inserts the CTF-weighted Fourier slices of a tilt series into a
3D Fourier volume, accumulating a signal volume and a weight volume.

It also plans reconstruction workers across GPUs and maintains a cache of
binned input images.`,
	SilenceUsage: true,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write the default configuration",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) == 1 {
			path = args[0]
		}
		if err := config.CreateDefaultConfigFile(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "tomorecon.yaml", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(reconstructCmd, planCmd, binCmd, configCmd)
}

// loadConfig reads the configuration file and installs the logger
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Output.Verbose = true
	}

	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	logging.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
