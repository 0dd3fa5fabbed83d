// Package cmd provides the CLI commands for SQLGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sqlgate/sqlgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sqlgate",
	Short: "SQLGate - session broker for the SQL optimization API",
	Long: `SQLGate authenticates users against a SQL optimization service, keeps
their sessions, pushes results over Server-Sent Events and runs SQL
optimization requests on their behalf with their own API key.

Quick start:
  1. Create a config file: sqlgate.yaml
  2. Run: sqlgate start

Configuration:
  Config is loaded from sqlgate.yaml in the current directory,
  $HOME/.sqlgate/, or /etc/sqlgate/.

  Environment variables can override config values with the SQLGATE_ prefix.
  Example: SQLGATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the server
  stop        Stop the running server
  config      Print the effective configuration
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sqlgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
