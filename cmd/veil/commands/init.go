package commands

import (
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/marmos91/veil/internal/bytesize"
	"github.com/marmos91/veil/internal/cli/prompt"
	"github.com/marmos91/veil/pkg/config"
	"github.com/marmos91/veil/pkg/credential"
	"github.com/spf13/cobra"
)

var (
	initForce       bool
	initInteractive bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a veil configuration file with a generated password and a
self-signed certificate persisted next to it.

By default, the configuration file is created at $XDG_CONFIG_HOME/veil/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  veil init

  # Answer a few questions instead of taking the defaults
  veil init --interactive

  # Force overwrite existing config
  veil init --force --config /etc/veil/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
	initCmd.Flags().BoolVarP(&initInteractive, "interactive", "i", false, "Prompt for listen port, SNI, password, certificate and bandwidth")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := GetConfigFile()
	if configPath == "" {
		configPath = config.GetDefaultConfigPath()
	}

	cfg, err := config.NewSampleConfig(filepath.Dir(configPath))
	if err != nil {
		return err
	}
	if initInteractive {
		if err := promptConfig(cfg); err != nil {
			if prompt.IsAborted(err) {
				fmt.Println("Aborted.")
				return nil
			}
			return err
		}
	}

	if err := config.WriteSampleConfig(cfg, configPath, initForce); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Review the configuration file")
	fmt.Println("  2. Start the server with: veil start")
	fmt.Println("  3. Print the client URI with: veil uri --host <public address>")
	fmt.Println("\nSecurity note:")
	fmt.Println("  The file holds the tunnel password and is readable only by you.")
	fmt.Println("  Override it at runtime with VEIL_AUTH_PASSWORD instead of editing the file.")
	return nil
}

// promptConfig fills cfg from operator answers, keeping cfg's values as
// defaults.
func promptConfig(cfg *config.Config) error {
	_, portStr, _ := net.SplitHostPort(cfg.Listen)
	defPort, _ := strconv.Atoi(portStr)
	port, err := prompt.InputPort("Listen port (UDP)", defPort)
	if err != nil {
		return err
	}
	cfg.Listen = fmt.Sprintf(":%d", port)

	sni, err := prompt.Input("Server name (SNI)", cfg.TLS.SNI, func(s string) error {
		if s == "" || len(s) > 253 {
			return fmt.Errorf("must be 1-253 characters")
		}
		return nil
	})
	if err != nil {
		return err
	}
	cfg.TLS.SNI = sni

	pw, err := prompt.NewPassword("Tunnel password", config.MinPasswordLength)
	if err != nil {
		return err
	}
	if pw != "" {
		cfg.Auth.Password = pw
	}

	provider, err := prompt.Select("Certificate", []prompt.Option{
		{Label: "Self-signed", Value: credential.ProviderSelfSigned, Description: "generated on first start, clients need insecure=1 or the fingerprint"},
		{Label: "Existing files", Value: credential.ProviderFile, Description: "PEM certificate and key, e.g. from Let's Encrypt"},
	})
	if err != nil {
		return err
	}
	cfg.TLS.Provider = provider
	if provider == credential.ProviderFile {
		if cfg.TLS.Cert, err = prompt.Input("Certificate path", cfg.TLS.Cert, nonEmpty); err != nil {
			return err
		}
		if cfg.TLS.Key, err = prompt.Input("Key path", cfg.TLS.Key, nonEmpty); err != nil {
			return err
		}
		if cfg.TLS.Watch, err = prompt.Confirm("Reload the certificate when the files change", true); err != nil {
			return err
		}
	}

	if cfg.Bandwidth.Up, err = promptRate("Per-session upload limit (empty for unlimited)"); err != nil {
		return err
	}
	if cfg.Bandwidth.Down, err = promptRate("Per-session download limit (empty for unlimited)"); err != nil {
		return err
	}

	cfg.API.Enabled, err = prompt.Confirm("Enable the local status API", cfg.API.Enabled)
	return err
}

func promptRate(label string) (bytesize.Rate, error) {
	s, err := prompt.Input(label, "", func(s string) error {
		_, err := bytesize.ParseRate(s)
		return err
	})
	if err != nil {
		return 0, err
	}
	return bytesize.ParseRate(s)
}

func nonEmpty(s string) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}
