package config

import (
	"fmt"

	"github.com/marmos91/veil/internal/bytesize"
	"github.com/marmos91/veil/pkg/config"
	"github.com/marmos91/veil/pkg/flowcontrol"
	"github.com/marmos91/veil/pkg/platform"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long: `Validate a veil configuration file.

Checks for syntax errors, missing required fields and invalid values, then
prints the flow-control profile the server would use on this host.

Examples:
  # Validate default config
  veil config validate

  # Validate specific config file
  veil config validate --config /etc/veil/config.yaml`,
	RunE: runConfigValidate,
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.MustLoad(configPath)
	if err != nil {
		return err
	}

	displayPath := configPath
	if displayPath == "" {
		displayPath = config.GetDefaultConfigPath()
	}

	profile := flowcontrol.DeriveFrom(platform.NewDetector(cfg.QUIC.MemoryMB)).Apply(flowcontrol.Overrides{
		MaxConcurrentStreams: cfg.QUIC.MaxConcurrentStreams,
		InitialStreamWindow:  cfg.QUIC.InitialStreamReceiveWindow,
		MaxStreamWindow:      cfg.QUIC.MaxStreamReceiveWindow,
		InitialConnWindow:    cfg.QUIC.InitialConnReceiveWindow,
		MaxConnWindow:        cfg.QUIC.MaxConnReceiveWindow,
	})
	if err := profile.Validate(); err != nil {
		return fmt.Errorf("invalid flow-control settings: %w", err)
	}

	var warnings []string
	if cfg.Auth.AllowWeakPassword && config.IsWeakPassword(cfg.Auth.Password) {
		warnings = append(warnings, "auth.password is weak and allowed by auth.allow_weak_password")
	}
	if cfg.TLS.Provider == "self-signed" && (cfg.TLS.Cert == "" || cfg.TLS.Key == "") {
		warnings = append(warnings, "self-signed certificate is not persisted; its fingerprint changes on every restart")
	}
	if cfg.Bandwidth.Up.Unlimited() && cfg.Bandwidth.Down.Unlimited() {
		warnings = append(warnings, "no per-session bandwidth limit")
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Configuration file: %s\n", displayPath)
	_, _ = fmt.Fprintln(out, "Validation: OK")

	if len(warnings) > 0 {
		_, _ = fmt.Fprintln(out, "\nWarnings:")
		for _, w := range warnings {
			_, _ = fmt.Fprintf(out, "  - %s\n", w)
		}
	}

	_, _ = fmt.Fprintf(out, "\nConfiguration summary:\n")
	_, _ = fmt.Fprintf(out, "  Listen:          %s\n", cfg.Listen)
	_, _ = fmt.Fprintf(out, "  TLS provider:    %s (SNI %s, ALPN %v)\n", cfg.TLS.Provider, cfg.TLS.SNI, cfg.TLS.ALPN)
	_, _ = fmt.Fprintf(out, "  Flow control:    %s\n", profile)
	_, _ = fmt.Fprintf(out, "  Bandwidth:       up %s, down %s\n", rateString(cfg.Bandwidth.Up), rateString(cfg.Bandwidth.Down))
	_, _ = fmt.Fprintf(out, "  Log level:       %s\n", cfg.Logging.Level)
	return nil
}

func rateString(r bytesize.Rate) string {
	if r.Unlimited() {
		return "unlimited"
	}
	return r.String()
}
