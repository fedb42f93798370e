package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentconsole"
	"github.com/aixgo-dev/agentconsole/pkg/config"
)

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return agentconsole.NewConfigLoader(config.OSFileReader{}).LoadConfig(path)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console with its scheduler and metrics server until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return agentconsole.RunWithConfig(cfg)
		},
	}
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "configuration ok: peer %q, %d initial task(s), %s history store\n",
				cfg.Peer.Command, len(cfg.Tasks), cfg.Session.Store)
			return err
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), agentconsole.Version)
			return err
		},
	}
}
