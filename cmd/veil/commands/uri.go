package commands

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/marmos91/veil/pkg/clienturi"
	"github.com/marmos91/veil/pkg/config"
	"github.com/marmos91/veil/pkg/credential"
	"github.com/spf13/cobra"
)

var (
	uriHost     string
	uriInsecure bool
	uriMask     bool
)

var uriCmd = &cobra.Command{
	Use:   "uri",
	Short: "Print the client connection URI",
	Long: `Print the URI clients use to connect to this server:

  veil://<password>@<host>:<port>?sni=<SNI>&alpn=<ALPN>&insecure=<0|1>

The host defaults to the listen address when it is not a wildcard. With a
self-signed certificate clients either pin the printed fingerprint or
connect with --insecure, which disables certificate validation for anyone
holding the URI.

Examples:
  veil uri --host vpn.example.com
  veil uri --host 203.0.113.7 --insecure`,
	RunE: runURI,
}

func init() {
	uriCmd.Flags().StringVar(&uriHost, "host", "", "Public host name or IP clients dial")
	uriCmd.Flags().BoolVar(&uriInsecure, "insecure", false, "Set insecure=1 so clients skip certificate validation")
	uriCmd.Flags().BoolVar(&uriMask, "mask", false, "Mask the password")
}

// clientParams derives the connection URI fields from cfg.
func clientParams(cfg *config.Config, host string, insecure bool) (clienturi.Params, error) {
	listenHost, portStr, err := net.SplitHostPort(cfg.Listen)
	if err != nil {
		return clienturi.Params{}, fmt.Errorf("invalid listen address %q: %w", cfg.Listen, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return clienturi.Params{}, fmt.Errorf("invalid listen port %q", portStr)
	}

	if host == "" {
		ip := net.ParseIP(listenHost)
		if listenHost == "" || (ip != nil && ip.IsUnspecified()) {
			return clienturi.Params{}, fmt.Errorf("listen address %q has no public host; pass --host", cfg.Listen)
		}
		host = listenHost
	}

	return clienturi.Params{
		Password: cfg.Auth.Password,
		Host:     host,
		Port:     port,
		SNI:      cfg.TLS.SNI,
		ALPN:     cfg.TLS.ALPN,
		Insecure: insecure,
	}, nil
}

func runURI(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	params, err := clientParams(cfg, uriHost, uriInsecure)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if uriMask {
		_, _ = fmt.Fprintln(out, params.String())
	} else {
		_, _ = fmt.Fprintln(out, clienturi.Build(params))
	}

	if uriInsecure {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(),
			"Warning: insecure=1 disables certificate validation; a network attacker can impersonate this server.")
	}
	if fp := certificateFingerprint(cfg); fp != "" {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Certificate SHA-256 fingerprint: %s\n", fp)
	}
	return nil
}

// certificateFingerprint returns the fingerprint of the configured
// certificate files, or "" when they do not exist yet.
func certificateFingerprint(cfg *config.Config) string {
	if cfg.TLS.Cert == "" || cfg.TLS.Key == "" {
		return ""
	}
	if _, err := os.Stat(cfg.TLS.Cert); err != nil {
		return ""
	}
	c, err := credential.Load(cfg.TLS.Cert, cfg.TLS.Key, cfg.Auth.Password, cfg.TLS.SNI, cfg.TLS.ALPN)
	if err != nil {
		return ""
	}
	return c.Fingerprint()
}
