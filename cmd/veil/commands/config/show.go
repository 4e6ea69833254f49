package config

import (
	"github.com/marmos91/veil/internal/cli/output"
	"github.com/marmos91/veil/pkg/config"
	"github.com/spf13/cobra"
)

var (
	showOutput   string
	showPassword bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration after defaults and VEIL_* environment
overrides are applied. The password is masked unless --show-password is set.

Examples:
  # Show default config as YAML
  veil config show

  # Show as JSON
  veil config show --output json`,
	RunE: runConfigShow,
}

func init() {
	showCmd.Flags().StringVarP(&showOutput, "output", "o", "yaml", "Output format (yaml|json)")
	showCmd.Flags().BoolVar(&showPassword, "show-password", false, "Print the tunnel password in clear")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(showOutput)
	if err != nil {
		return err
	}
	if !showPassword && cfg.Auth.Password != "" {
		cfg.Auth.Password = "xxxxx"
	}

	if format == output.FormatJSON {
		return output.PrintJSON(cmd.OutOrStdout(), cfg)
	}
	return output.PrintYAML(cmd.OutOrStdout(), cfg)
}
