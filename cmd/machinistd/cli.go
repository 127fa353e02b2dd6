package main

import (
	"github.com/spf13/cobra"
)

type daemonFlags struct {
	configPath string
	bindAddr   string
	debug      bool
}

func rootCmd() *cobra.Command {
	flags := &daemonFlags{}

	c := &cobra.Command{
		Use:     "machinistd",
		Short:   "Agent daemon coordinating robot script executions and screen streaming",
		Example: "machinistd --config /etc/machinist/machinist.yaml",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(flags)
		},
	}

	c.Flags().StringVar(&flags.configPath, "config", "", "Path to the YAML configuration file")
	c.Flags().StringVar(&flags.bindAddr, "bind", "", "Override the configured bind address")
	c.Flags().BoolVar(&flags.debug, "debug", false, "Enable debug logs")

	return c
}
