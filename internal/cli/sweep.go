package cli

import (
	"fmt"

	"media-sync/internal/db"
	"media-sync/internal/repository"
	"media-sync/internal/services/devices"

	"github.com/spf13/cobra"
)

// NewSweepCommand creates the sweep command: one offline pass, for cron
// setups that run gateways without the built-in sweeper.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark devices with expired heartbeats offline, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}

			database, err := db.NewGorm(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			registry := devices.NewRegistry(repository.NewStateRepository(database.DB), cfg.Devices.HeartbeatTTL)
			n, err := registry.Sweep(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✓ Marked %d device(s) offline (ttl %s)\n", n, cfg.Devices.HeartbeatTTL)
			return nil
		},
	}
}
