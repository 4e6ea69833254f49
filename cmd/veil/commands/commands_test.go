package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/veil/pkg/api"
	"github.com/marmos91/veil/pkg/clienturi"
	"github.com/marmos91/veil/pkg/config"
	"github.com/marmos91/veil/pkg/credential"
	"github.com/marmos91/veil/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// URI Tests
// ============================================================================

func TestClientParams(t *testing.T) {
	cfg := config.GetDefaultConfig()
	cfg.Auth.Password = "correct horse battery staple"
	cfg.TLS.SNI = "vpn.example.com"
	cfg.TLS.ALPN = []string{"h3", "veil/1"}

	tests := []struct {
		name     string
		listen   string
		host     string
		insecure bool
		wantHost string
		wantPort int
		wantErr  bool
	}{
		{name: "ExplicitHost", listen: ":443", host: "203.0.113.7", wantHost: "203.0.113.7", wantPort: 443},
		{name: "ListenHost", listen: "198.51.100.1:8443", wantHost: "198.51.100.1", wantPort: 8443},
		{name: "IPv6ListenHost", listen: "[2001:db8::1]:443", wantHost: "2001:db8::1", wantPort: 443},
		{name: "Insecure", listen: ":443", host: "vpn.example.com", insecure: true, wantHost: "vpn.example.com", wantPort: 443},
		{name: "WildcardNeedsHost", listen: ":443", wantErr: true},
		{name: "UnspecifiedNeedsHost", listen: "0.0.0.0:443", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *cfg
			c.Listen = tt.listen
			p, err := clientParams(&c, tt.host, tt.insecure)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, p.Host)
			assert.Equal(t, tt.wantPort, p.Port)
			assert.Equal(t, tt.insecure, p.Insecure)

			parsed, err := clienturi.Parse(clienturi.Build(p))
			require.NoError(t, err)
			assert.Equal(t, "correct horse battery staple", parsed.Password)
			assert.Equal(t, "vpn.example.com", parsed.SNI)
			assert.Equal(t, []string{"h3", "veil/1"}, parsed.ALPN)
		})
	}
}

// ============================================================================
// Status Tests
// ============================================================================

func TestFetchStatus(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	srv := httptest.NewServer(api.NewRouter(api.Sources{
		Sessions:  session.NewManager(session.Config{}),
		Ready:     func() bool { return true },
		StartedAt: started,
		Version:   "1.2.3",
	}))
	defer srv.Close()

	status, err := fetchStatus(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.True(t, status.Ready)
	assert.Equal(t, "1.2.3", status.Version)
	assert.WithinDuration(t, started, status.StartedAt, time.Second)
	assert.Empty(t, status.Sessions)
	assert.Equal(t, "Server is running with 0 session(s)", status.Message)
}

func TestFetchStatusNotReady(t *testing.T) {
	srv := httptest.NewServer(api.NewRouter(api.Sources{
		Sessions: session.NewManager(session.Config{}),
		Ready:    func() bool { return false },
	}))
	defer srv.Close()

	status, err := fetchStatus(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.False(t, status.Ready)
}

func TestFetchStatusUnreachable(t *testing.T) {
	srv := httptest.NewServer(nil)
	url := srv.URL
	srv.Close()

	_, err := fetchStatus(context.Background(), url)
	assert.Error(t, err)
}

func TestServerStatusRows(t *testing.T) {
	status := ServerStatus{Sessions: []session.Info{{
		ID:        "0123456789abcdef",
		Peer:      "192.0.2.1:50000",
		ALPN:      "h3",
		State:     "active",
		CreatedAt: time.Now(),
		BytesUp:   2048,
		Streams:   []session.StreamInfo{{ID: 4}},
	}}}

	assert.Len(t, status.Headers(), 8)
	rows := status.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "01234567", rows[0][0])
	assert.Equal(t, "192.0.2.1:50000", rows[0][1])
	assert.Equal(t, "1", rows[0][4])
	assert.Equal(t, "2.0 KiB", rows[0][5])
}

func TestUsageListRows(t *testing.T) {
	list := UsageList{{Key: "2001:db8::1", BytesUp: 1024, BytesDown: 3 << 20, Sessions: 2, Streams: 9, LastSeen: time.Now()}}

	assert.Equal(t, "CLIENT", list.Headers()[0])
	rows := list.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, []string{"2001:db8::1", "1.0 KiB", "3.0 MiB", "2", "9"}, rows[0][:5])
}

// ============================================================================
// Command Tests
// ============================================================================

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	root := GetRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	t.Cleanup(func() {
		root.SetOut(nil)
		root.SetErr(nil)
		root.SetArgs(nil)
	})
	require.NoError(t, root.Execute())
	return out.String()
}

func TestVersionShort(t *testing.T) {
	assert.Equal(t, Version+"\n", execute(t, "version", "--short"))
}

func TestCertGenerate(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")

	out := execute(t, "cert", "generate", "--sni", "vpn.example.com", "--cert", certPath, "--key", keyPath)
	assert.Contains(t, out, "SNI:         vpn.example.com")

	c, err := credential.Load(certPath, keyPath, "correct horse battery staple", "vpn.example.com", nil)
	require.NoError(t, err)
	assert.Contains(t, out, c.Fingerprint())
	assert.Equal(t, "vpn.example.com", c.Certificate().Leaf.Subject.CommonName)
}
