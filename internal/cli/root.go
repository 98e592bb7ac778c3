package cli

import (
	"fmt"
	"log"

	"media-sync/internal/config"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the media-sync command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "media-sync",
		Short: "Cross-device watchlist, progress and handoff sync gateway",
		Long: `media-sync keeps a user's watchlist and playback progress consistent
across their devices, relays changes in real time and hands playback off
from one device to another.`,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file (defaults to $CONFIG_FILE)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (logs SQL)")

	// Add subcommands
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

// loadConfig reads configuration and applies the global flags to it.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.Verbose {
		cfg.Database.LogSQL = true
		log.Printf("🔧 Config: db=%s bus=%s instance=%s", cfg.Database.Driver, cfg.Bus.Driver, cfg.InstanceID)
	}
	return cfg, nil
}
