package connecttunnel

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/proxy"
)

// Factory builds a Tunnel for one proxy scheme.
type Factory func(cfg *Config) *Tunnel

// Registry maps proxy URL schemes to tunnel factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the "http" and "https" schemes.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("http", newPlain)
	r.Register("https", newTLS)
	return r
}

// Register adds or replaces the factory for scheme.
func (r *Registry) Register(scheme string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(scheme)] = f
}

// Lookup returns the factory for scheme.
func (r *Registry) Lookup(scheme string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
	return f, nil
}

// New builds a Tunnel for scheme.
func (r *Registry) New(scheme string, cfg *Config) (*Tunnel, error) {
	f, err := r.Lookup(scheme)
	if err != nil {
		return nil, err
	}
	return f(cfg), nil
}

func newPlain(cfg *Config) *Tunnel {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.TLS = false
	return New(&c)
}

func newTLS(cfg *Config) *Tunnel {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	c.TLS = true
	return New(&c)
}

// FromURL returns a dialer for an http or https proxy URL that reaches the
// proxy through forward. It matches the factory signature of
// golang.org/x/net/proxy, so callers may opt in with
//
//	proxy.RegisterDialerType("http", connecttunnel.FromURL)
//	proxy.RegisterDialerType("https", connecttunnel.FromURL)
func FromURL(u *url.URL, forward proxy.Dialer) (proxy.Dialer, error) {
	cfg := &ClientConfig{ProxyURL: u.String()}
	if forward != nil {
		cfg.DialContext = contextDialFunc(forward)
	}
	d, err := NewH1Dialer(cfg)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func contextDialFunc(d proxy.Dialer) DialFunc {
	if cd, ok := d.(proxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return d.Dial(network, address)
	}
}
