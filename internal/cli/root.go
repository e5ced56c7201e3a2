// Package cli implements the lockstepd command line.
package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/LeJamon/goLockstepd/internal/config"
	"github.com/LeJamon/goLockstepd/internal/logging"
)

var (
	// Global flags
	configFile string
	debug      bool
	quiet      bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "lockstepd",
	Short: "goLockstepd - deterministic lockstep session runner",
	Long: `goLockstepd runs deterministic lockstep sessions: one authoritative host
replicates every simulation-affecting event to its followers, tick by tick,
and cross-checks execution traces so divergence is detected as soon as it
happens. The bundled demo simulation is a small city builder.`,
	Version:       "0.1.0-dev",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")
}

// loadConfig reads the configuration and builds the logger.
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.Log.Level
	switch {
	case debug:
		level = "debug"
	case quiet:
		level = "warn"
	}
	log := logging.New(logging.Config{Level: level, Format: cfg.Log.Format})
	if path := cfg.ConfigPath(); path != "" {
		log.WithField("path", path).Debug("configuration loaded")
	}
	return cfg, log, nil
}
