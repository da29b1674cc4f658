// Package cmd provides the CLI commands for the toolgate gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate-io/toolgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "toolgate",
	Short: "toolgate - multi-tenant tool gateway",
	Long: `Toolgate resolves which tools a caller's claims grant and proxies
tool executions to their upstreams with scoped credentials.

Quick start:
  1. Create a config file: toolgate.yaml
  2. Run: toolgate serve

Configuration:
  Config is loaded from toolgate.yaml in the current directory,
  $HOME/.toolgate/, or /etc/toolgate/.

  Environment variables can override config values with the TOOLGATE_ prefix.
  Example: TOOLGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the gateway server
  hash-key    Generate an Argon2id hash for the admin API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./toolgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
