package cmd

import (
	"github.com/spf13/cobra"

	"github.com/alantheprice/devosd/pkg/config"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "devosd",
	Short: "Natural-language assistant daemon for developer machines",
	Long: `Devosd is a local daemon that turns natural-language requests into
shell commands. It captures workspace context (files, processes, git),
asks an AWS Bedrock model for an execution plan, gates risky plans
behind user approval, and runs approved steps in a sandboxed executor.

Available commands:
  serve    - Run the daemon (HTTP API + WebSocket event stream)
  prefs    - Inspect and manage learned approval preferences
  version  - Print version information

Once running, submit commands over HTTP:
  curl -X POST localhost:8080/api/v1/command -d '{"command": "list my largest files"}'`,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigPath(),
		"config file location")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(prefsCmd)
	rootCmd.AddCommand(versionCmd)
}
