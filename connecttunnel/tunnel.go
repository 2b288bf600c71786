package connecttunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
)

// Version is reported in the default User-Agent header.
const Version = "0.3.1"

// DefaultUserAgent is sent when Config.UserAgent is empty.
const DefaultUserAgent = "proxytunnel/" + Version

// DefaultMaxReplySize bounds the proxy reply header block.
const DefaultMaxReplySize = 16 << 10

// Dialer establishes network connections through a tunnel.
type Dialer interface {
	// DialContext connects to the address on the named network using the provided context.
	// The network must be "tcp", "tcp4", or "tcp6".
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// TunnelFunc is called when a tunnel is requested on the server side.
// If it returns an error, the tunnel is rejected with 403 Forbidden.
type TunnelFunc func(ctx context.Context, req *http.Request) error

// DialFunc is a function that establishes a network connection.
// It has the same signature as net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Target is the destination of a tunnel.
type Target struct {
	// Host is the destination hostname or IP literal. Internationalized
	// names are converted to their ASCII form on the wire.
	Host string

	// Port is the destination port.
	Port int

	// Username and Password are sent as Basic proxy credentials when both
	// are non-empty.
	Username string
	Password string
}

// ParseTarget parses a "host:port" address into a Target without credentials.
func ParseTarget(address string) (Target, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return Target{}, fmt.Errorf("connecttunnel: invalid target address %q: %w", address, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Target{}, fmt.Errorf("connecttunnel: invalid target port %q", portStr)
	}
	return Target{Host: host, Port: port}, nil
}

// String returns the target as host:port.
func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) hasCredentials() bool {
	return t.Username != "" && t.Password != ""
}

// Config configures a Tunnel.
type Config struct {
	// TLS enables TLS on the hop to the proxy (an HTTPS proxy).
	TLS bool

	// TLSConfig is cloned for the proxy handshake. Optional.
	TLSConfig *tls.Config

	// ServerName is the identity the proxy certificate is validated against
	// when TLSConfig does not set one. If both are empty the target host is used.
	ServerName string

	// InsecureSkipVerify accepts proxy certificates from unknown authorities
	// or for other names. Certificate validity periods are still checked.
	InsecureSkipVerify bool

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// MaxReplySize overrides DefaultMaxReplySize.
	MaxReplySize int

	// Logger receives debug output for each attempt.
	// If nil, the logrus standard logger is used.
	Logger log.FieldLogger
}

// Tunnel negotiates CONNECT tunnels over caller-supplied connections.
// A Tunnel is safe for concurrent use.
type Tunnel struct {
	cfg Config
	log log.FieldLogger
}

// New creates a Tunnel. A nil cfg yields a plain HTTP proxy tunnel.
func New(cfg *Config) *Tunnel {
	t := &Tunnel{}
	if cfg != nil {
		t.cfg = *cfg
	}
	if t.cfg.UserAgent == "" {
		t.cfg.UserAgent = DefaultUserAgent
	}
	if t.cfg.MaxReplySize <= 0 {
		t.cfg.MaxReplySize = DefaultMaxReplySize
	}
	t.log = t.cfg.Logger
	if t.log == nil {
		t.log = log.StandardLogger()
	}
	if t.cfg.TLS && t.cfg.InsecureSkipVerify {
		t.log.Warn("proxy certificate authority and name checks are disabled")
	}
	return t
}

// TLS reports whether the tunnel negotiates TLS with the proxy.
func (t *Tunnel) TLS() bool {
	return t.cfg.TLS
}

// begin prepares the state of one attempt.
func (t *Tunnel) begin(target Target) (*machine, log.FieldLogger) {
	logger := t.log.WithFields(log.Fields{
		"attempt": ksuid.New().String(),
		"target":  target.String(),
		"tls":     t.cfg.TLS,
	})
	logger.Debug("establishing tunnel")
	return newMachine(buildRequest(target, t.cfg.UserAgent), t.cfg.TLS, t.cfg.MaxReplySize), logger
}

// finish turns the final machine state into the outcome of an attempt. It is
// called exactly once per attempt and closes stream on any failure.
func (t *Tunnel) finish(ctx context.Context, stream net.Conn, m *machine, logger log.FieldLogger) (net.Conn, error) {
	extra, err := m.result()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = cancelled(ctxErr)
	}
	if err != nil {
		_ = stream.Close()
		logger.WithError(err).Debug("tunnel failed")
		return nil, err
	}
	logger.Debug("tunnel established")
	if len(extra) > 0 {
		return newBufferedConn(stream, extra), nil
	}
	return stream, nil
}
