package commands

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/marmos91/veil/pkg/config"
	"github.com/marmos91/veil/pkg/credential"
	"github.com/spf13/cobra"
)

var (
	certSNI      string
	certPath     string
	certKeyPath  string
	certValidity time.Duration
	certForce    bool
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Certificate management",
}

var certGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a self-signed certificate",
	Long: `Generate an ECDSA P-256 self-signed certificate whose common name is the
SNI, and write the PEM certificate and key (mode 0600).

Examples:
  veil cert generate --sni vpn.example.com --cert cert.pem --key key.pem
  veil cert generate --sni localhost --cert cert.pem --key key.pem --validity 8760h --force`,
	RunE: runCertGenerate,
}

func init() {
	certGenerateCmd.Flags().StringVar(&certSNI, "sni", config.DefaultSNI, "Server name written as the certificate CN and SAN")
	certGenerateCmd.Flags().StringVar(&certPath, "cert", "cert.pem", "Certificate output path")
	certGenerateCmd.Flags().StringVar(&certKeyPath, "key", "key.pem", "Private key output path")
	certGenerateCmd.Flags().DurationVar(&certValidity, "validity", 0, "Certificate lifetime (default: ten years)")
	certGenerateCmd.Flags().BoolVar(&certForce, "force", false, "Overwrite existing files")
	certCmd.AddCommand(certGenerateCmd)
}

func runCertGenerate(cmd *cobra.Command, args []string) error {
	certPEM, keyPEM, err := credential.GenerateSelfSigned(certSNI, certValidity)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}
	if err := credential.WriteKeyPair(certPath, certKeyPath, certPEM, keyPEM, certForce); err != nil {
		return err
	}

	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("generated key pair does not parse: %w", err)
	}
	sum := sha256.Sum256(pair.Leaf.Raw)

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Certificate: %s\n", certPath)
	_, _ = fmt.Fprintf(out, "Key:         %s\n", certKeyPath)
	_, _ = fmt.Fprintf(out, "SNI:         %s\n", certSNI)
	_, _ = fmt.Fprintf(out, "Expires:     %s\n", pair.Leaf.NotAfter.Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "SHA-256:     %s\n", hex.EncodeToString(sum[:]))
	return nil
}
