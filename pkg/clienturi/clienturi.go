// Package clienturi encodes the connection URI handed to tunnel clients:
//
//	veil://<password>@<host>:<port>?sni=<SNI>&alpn=<ALPN>&insecure=<0|1>
//
// The password is percent-escaped. insecure=1 tells the client to skip
// certificate chain validation and is only emitted when asked for.
package clienturi

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/marmos91/veil/pkg/protocol"
)

// Scheme is the URI scheme.
const Scheme = "veil"

// Params are the fields of a connection URI.
type Params struct {
	Password string
	Host     string
	Port     int
	SNI      string
	ALPN     []string
	Insecure bool
}

// Build renders p as a URI. IPv6 hosts are bracketed.
func Build(p Params) string {
	q := url.Values{}
	if p.SNI != "" {
		q.Set("sni", p.SNI)
	}
	if len(p.ALPN) > 0 {
		q.Set("alpn", strings.Join(p.ALPN, ","))
	}
	if p.Insecure {
		q.Set("insecure", "1")
	} else {
		q.Set("insecure", "0")
	}

	u := url.URL{
		Scheme:   Scheme,
		User:     url.User(p.Password),
		Host:     net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
		RawQuery: q.Encode(),
	}
	return u.String()
}

// Parse decodes a URI produced by Build. Missing sni defaults to the host,
// missing insecure to false.
func Parse(raw string) (Params, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Params{}, protocol.NewError(protocol.KindConfig, "uri.parse", err)
	}
	if u.Scheme != Scheme {
		return Params{}, protocol.Errorf(protocol.KindConfig, "uri.parse", "scheme %q, want %q", u.Scheme, Scheme)
	}
	if u.User == nil || u.User.Username() == "" {
		return Params{}, protocol.Errorf(protocol.KindConfig, "uri.parse", "missing password")
	}

	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return Params{}, protocol.NewError(protocol.KindConfig, "uri.parse", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return Params{}, protocol.Errorf(protocol.KindConfig, "uri.parse", "invalid port %q", portStr)
	}

	p := Params{
		Password: u.User.Username(),
		Host:     host,
		Port:     port,
		SNI:      host,
	}

	q := u.Query()
	if sni := q.Get("sni"); sni != "" {
		p.SNI = sni
	}
	if alpn := q.Get("alpn"); alpn != "" {
		p.ALPN = strings.Split(alpn, ",")
	}
	switch v := q.Get("insecure"); v {
	case "", "0":
	case "1":
		p.Insecure = true
	default:
		return Params{}, protocol.Errorf(protocol.KindConfig, "uri.parse", "insecure must be 0 or 1, got %q", v)
	}
	return p, nil
}

// String renders p with the password masked, for logs and terminals.
func (p Params) String() string {
	masked := p
	masked.Password = "xxxxx"
	return Build(masked)
}
