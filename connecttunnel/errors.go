package connecttunnel

import (
	"errors"
	"fmt"
)

// Errors returned while establishing a tunnel. TLS handshake and transport
// errors are returned as produced by the underlying conn and are not listed here.
var (
	// ErrBadReply is returned when the proxy reply is not a usable HTTP/1.x
	// status line. ErrBrokenReply and ErrProxyClosed both match it.
	ErrBadReply = errors.New("connecttunnel: bad HTTP proxy reply")

	// ErrBrokenReply is returned for a non-2xx status line that carries no
	// reason phrase.
	ErrBrokenReply = fmt.Errorf("%w: connection failed due to broken HTTP reply", ErrBadReply)

	// ErrProxyClosed is returned when the proxy closes the connection before
	// the end of the reply header block.
	ErrProxyClosed = fmt.Errorf("%w: HTTP proxy server closed connection unexpectedly", ErrBadReply)

	// ErrProxyAuthRequired is returned on 407 when no credentials were sent.
	ErrProxyAuthRequired = errors.New("connecttunnel: HTTP proxy authentication required")

	// ErrProxyAuthFailed is returned on 407 when credentials were sent.
	ErrProxyAuthFailed = errors.New("connecttunnel: HTTP proxy authentication failed")

	// ErrReplyTooLarge is returned when the reply header block exceeds the
	// configured maximum size.
	ErrReplyTooLarge = errors.New("connecttunnel: HTTP proxy reply too large")

	// ErrCancelled is returned when the context is done before the tunnel is
	// established. The context error is joined to it.
	ErrCancelled = errors.New("connecttunnel: tunnel establishment cancelled")

	// ErrUnsupportedScheme is returned for proxy URLs other than http and https.
	ErrUnsupportedScheme = errors.New("connecttunnel: unsupported proxy scheme")

	// ErrProxyConnect is returned when the connection to the proxy itself fails.
	ErrProxyConnect = errors.New("connecttunnel: proxy connection failed")
)

// ProxyError represents a non-2xx reply with a reason phrase.
type ProxyError struct {
	// StatusCode is the HTTP status code returned by the proxy.
	StatusCode int

	// Message is the reason phrase from the status line.
	Message string
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	return fmt.Sprintf("connecttunnel: HTTP proxy connection failed: %d %s", e.StatusCode, e.Message)
}

// Is implements error matching for ProxyError.
func (e *ProxyError) Is(target error) bool {
	_, ok := target.(*ProxyError)
	return ok
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
