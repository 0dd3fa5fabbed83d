package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sqlgate/sqlgate/internal/config"
)

const redacted = "[REDACTED]"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration SQLGate would run with, after the config file,
environment overrides and defaults are applied. Secrets are redacted.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	out, err := renderConfig(cfg)
	if err != nil {
		return err
	}
	if file := config.ConfigFileUsed(); file != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "# loaded from %s\n", file)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// renderConfig marshals cfg to YAML with secrets redacted.
func renderConfig(cfg *config.Config) ([]byte, error) {
	shown := *cfg
	if shown.Auth.JWTSecret != "" {
		shown.Auth.JWTSecret = redacted
	}
	out, err := yaml.Marshal(&shown)
	if err != nil {
		return nil, fmt.Errorf("failed to render config: %w", err)
	}
	return out, nil
}
