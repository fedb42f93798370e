// Command agentconsole serves conversations with an interactive program and
// fires scheduled messages into them.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agentconsole",
		Short:         "Run scheduled conversations with an interactive command line program",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().String("config", getEnv("AGENTCONSOLE_CONFIG", "agentconsole.yaml"), "configuration file")

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newCheckConfigCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
