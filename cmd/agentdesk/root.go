package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

type rootOptions struct {
	envFile     string
	logLevel    string
	controlAddr string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "agentdesk",
		Short:         "Call-center agent desk",
		Long:          "agentdesk keeps the agent's presence, telephony endpoint and call context\nin sync and serves them to the desk UI over a local HTTP API.",
		Version:       fmt.Sprintf("agentdesk %s", version),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.envFile, "env-file", ".env", "environment file to load before reading the environment")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	flags.StringVar(&opts.controlAddr, "control-addr", "", "control API listen address (overrides CONTROL_ADDR)")

	cmd.AddCommand(
		newRunCmd(opts),
		newDevicesCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agentdesk version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "agentdesk %s\n", version)
			return nil
		},
	}
}
