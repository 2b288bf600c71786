package connecttunnel

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ClientConfig configures a proxy dialer.
type ClientConfig struct {
	// Config configures the tunnel negotiation. TLS is derived from the
	// ProxyURL scheme; ServerName defaults to the proxy host.
	Config

	// ProxyURL is the URL of the proxy server (e.g., "http://proxy.example.com:8080").
	// Required. Scheme must be registered in Registry ("http" or "https" by default).
	// User information in the URL is sent as Basic proxy credentials.
	ProxyURL string

	// DialContext specifies an optional dialer for establishing the proxy connection.
	// If nil, net.Dialer{}.DialContext is used.
	// This can be used to chain proxies or customize the transport layer.
	DialContext DialFunc

	// Registry resolves the ProxyURL scheme. If nil, NewRegistry() is used.
	Registry *Registry

	// Async negotiates with Tunnel.Start instead of Tunnel.Establish.
	Async bool
}

// H1Dialer implements Dialer for HTTP/1.x CONNECT proxies.
type H1Dialer struct {
	proxyAddr string
	username  string
	password  string
	tunnel    *Tunnel
	dial      DialFunc
	async     bool
}

// NewH1Dialer creates a Dialer that connects through an HTTP/1.x proxy.
// The returned dialer also satisfies proxy.Dialer and proxy.ContextDialer
// from golang.org/x/net/proxy.
func NewH1Dialer(cfg *ClientConfig) (*H1Dialer, error) {
	if cfg == nil {
		cfg = &ClientConfig{}
	}

	proxyURL, err := url.Parse(cfg.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("connecttunnel: invalid proxy URL: %w", err)
	}
	if proxyURL.Host == "" {
		return nil, fmt.Errorf("connecttunnel: invalid proxy URL %q: missing host", cfg.ProxyURL)
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	tcfg := cfg.Config
	if tcfg.ServerName == "" {
		tcfg.ServerName = proxyURL.Hostname()
	}
	tunnel, err := registry.New(proxyURL.Scheme, &tcfg)
	if err != nil {
		return nil, err
	}

	proxyAddr := proxyURL.Host
	if proxyURL.Port() == "" {
		if tunnel.TLS() {
			proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "443")
		} else {
			proxyAddr = net.JoinHostPort(proxyURL.Hostname(), "80")
		}
	}

	dial := cfg.DialContext
	if dial == nil {
		d := &net.Dialer{}
		dial = d.DialContext
	}

	d := &H1Dialer{
		proxyAddr: proxyAddr,
		tunnel:    tunnel,
		dial:      dial,
		async:     cfg.Async,
	}
	if proxyURL.User != nil {
		d.username = proxyURL.User.Username()
		d.password, _ = proxyURL.User.Password()
	}
	return d, nil
}

// DialContext establishes a connection through the HTTP/1.x proxy.
func (d *H1Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	// Only support TCP networks
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("connecttunnel: unsupported network: %s", network)
	}

	target, err := ParseTarget(address)
	if err != nil {
		return nil, err
	}
	target.Username = d.username
	target.Password = d.password

	// Connect to proxy
	conn, err := d.dial(ctx, network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyConnect, err)
	}

	if d.async {
		return d.tunnel.Start(ctx, conn, target).Result()
	}
	return d.tunnel.Establish(ctx, conn, target)
}

// Dial establishes a connection through the HTTP/1.x proxy.
func (d *H1Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}
