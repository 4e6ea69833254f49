package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/marmos91/veil/internal/logger"
	"github.com/marmos91/veil/pkg/protocol"
)

// Provider names.
const (
	ProviderFile       = "file"
	ProviderSelfSigned = "self-signed"
)

// Provider yields a Credential. Load may be called again to pick up
// changed material.
type Provider interface {
	Name() string
	Load(ctx context.Context) (*Credential, error)
	// Paths lists files worth watching for changes. It may be empty.
	Paths() []string
}

// Identity is the non-certificate part of a Credential.
type Identity struct {
	Password string
	SNI      string
	ALPN     []string
}

// FileProvider loads a certificate and key from disk.
type FileProvider struct {
	CertPath string
	KeyPath  string
	Identity
}

func (p *FileProvider) Name() string { return ProviderFile }

func (p *FileProvider) Paths() []string { return []string{p.CertPath, p.KeyPath} }

func (p *FileProvider) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return Load(p.CertPath, p.KeyPath, p.Password, p.SNI, p.ALPN)
}

// SelfSignedProvider generates a certificate for SNI. When CertPath and
// KeyPath are set the pair is persisted on first use and reloaded
// afterwards, so the fingerprint survives restarts.
type SelfSignedProvider struct {
	CertPath string
	KeyPath  string
	Validity time.Duration
	Identity
}

func (p *SelfSignedProvider) Name() string { return ProviderSelfSigned }

func (p *SelfSignedProvider) Paths() []string {
	if !p.persistent() {
		return nil
	}
	return []string{p.CertPath, p.KeyPath}
}

func (p *SelfSignedProvider) persistent() bool {
	return p.CertPath != "" && p.KeyPath != ""
}

func (p *SelfSignedProvider) Load(ctx context.Context) (*Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Password == "" {
		return nil, protocol.Errorf(protocol.KindConfig, "credential.load", "password must not be empty")
	}

	if p.persistent() {
		certExists, keyExists := fileExists(p.CertPath), fileExists(p.KeyPath)
		switch {
		case certExists && keyExists:
			return Load(p.CertPath, p.KeyPath, p.Password, p.SNI, p.ALPN)
		case certExists != keyExists:
			return nil, protocol.Errorf(protocol.KindConfig, "credential.load",
				"only one of %s and %s exists", p.CertPath, p.KeyPath)
		}
	}

	certPEM, keyPEM, err := GenerateSelfSigned(p.SNI, p.Validity)
	if err != nil {
		return nil, protocol.NewError(protocol.KindConfig, "credential.generate", err)
	}
	if p.persistent() {
		if err := WriteKeyPair(p.CertPath, p.KeyPath, certPEM, keyPEM, false); err != nil {
			return nil, protocol.NewError(protocol.KindConfig, "credential.persist", err)
		}
		logger.Info("Generated self-signed certificate", "sni", p.SNI, "cert", p.CertPath)
	} else {
		logger.Warn("Using an ephemeral self-signed certificate; its fingerprint changes on every restart",
			"sni", p.SNI)
	}
	return New(certPEM, keyPEM, p.Password, p.SNI, p.ALPN)
}

// NewProvider selects a provider by name.
func NewProvider(name, certPath, keyPath string, id Identity) (Provider, error) {
	switch name {
	case ProviderFile:
		if certPath == "" || keyPath == "" {
			return nil, protocol.Errorf(protocol.KindConfig, "credential.provider",
				"file provider requires both cert and key paths")
		}
		return &FileProvider{CertPath: certPath, KeyPath: keyPath, Identity: id}, nil
	case ProviderSelfSigned, "":
		return &SelfSignedProvider{CertPath: certPath, KeyPath: keyPath, Identity: id}, nil
	default:
		return nil, protocol.NewError(protocol.KindConfig, "credential.provider",
			fmt.Errorf("unknown provider %q", name))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}
