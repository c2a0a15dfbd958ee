package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/LifeShieldMedicalAlerts/crm/internal/media"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newDevicesCmd lists the audio devices the desk can use
func newDevicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio capture and playback devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			source := media.NewALSASource(cfg.AsoundPath, cfg.DeviceWatchPath, log.Logger)
			devices, err := source.Enumerate(cmd.Context())
			if err != nil {
				return fmt.Errorf("enumerate devices: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tID\tLABEL")
			for _, d := range devices {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Kind, d.ID, d.Label)
			}
			return w.Flush()
		},
	}
}
