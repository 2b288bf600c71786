package connecttunnel

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ServerConfig configures the server-side CONNECT handler.
type ServerConfig struct {
	// OnTunnel is called when a tunnel is requested.
	// If nil, all tunnels are accepted.
	// If it returns an error, the tunnel is rejected with 403 Forbidden.
	OnTunnel TunnelFunc

	// Username and Password, when both are set, are required as Basic
	// proxy credentials. Requests without matching credentials get 407.
	Username string
	Password string

	// Realm is advertised in Proxy-Authenticate. Defaults to "proxytunnel".
	Realm string

	// Dial is used to establish connections to upstream targets.
	// If nil, net.Dialer{}.DialContext is used.
	Dial DialFunc

	// Logger receives errors and tunnel events.
	// If nil, the logrus standard logger is used.
	Logger log.FieldLogger
}

// getDialFunc returns a DialFunc from the config, or a default dialer.
func (c *ServerConfig) getDialFunc() DialFunc {
	if c.Dial != nil {
		return c.Dial
	}
	d := &net.Dialer{}
	return d.DialContext
}

// getLogger returns the configured logger or the standard logger.
func (c *ServerConfig) getLogger() log.FieldLogger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.StandardLogger()
}

// checkTunnel calls the OnTunnel callback if configured.
// Returns nil if the tunnel should be accepted.
func (c *ServerConfig) checkTunnel(ctx context.Context, req *http.Request) error {
	if c.OnTunnel != nil {
		return c.OnTunnel(ctx, req)
	}
	return nil
}

// authorized reports whether req carries the configured credentials.
func (c *ServerConfig) authorized(req *http.Request) bool {
	if c.Username == "" || c.Password == "" {
		return true
	}
	encoded, ok := strings.CutPrefix(req.Header.Get("Proxy-Authorization"), "Basic ")
	if !ok {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.Username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(c.Password)) == 1
	return userOK && passOK
}

// NewH1Handler creates an HTTP/1.x CONNECT handler.
// It handles CONNECT requests by hijacking the connection and establishing
// a bidirectional tunnel to the requested target.
func NewH1Handler(cfg *ServerConfig) http.Handler {
	if cfg == nil {
		cfg = &ServerConfig{}
	}
	return &h1Handler{cfg: cfg}
}

type h1Handler struct {
	cfg *ServerConfig
}

func (h *h1Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	logger := h.cfg.getLogger().WithFields(log.Fields{
		"remote": req.RemoteAddr,
		"target": req.RequestURI,
	})

	if req.Method != http.MethodConnect {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Extract target from RequestURI (e.g., "example.com:443")
	target := req.RequestURI
	if target == "" || target == "/" {
		http.Error(w, "Bad request: missing target", http.StatusBadRequest)
		return
	}

	if !h.cfg.authorized(req) {
		realm := h.cfg.Realm
		if realm == "" {
			realm = "proxytunnel"
		}
		logger.Info("proxy authentication required")
		w.Header().Set("Proxy-Authenticate", `Basic realm="`+realm+`"`)
		http.Error(w, "Proxy Authentication Required", http.StatusProxyAuthRequired)
		return
	}

	if err := h.cfg.checkTunnel(req.Context(), req); err != nil {
		logger.WithError(err).Info("tunnel rejected")
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	dial := h.cfg.getDialFunc()
	upstream, err := dial(req.Context(), "tcp", target)
	if err != nil {
		logger.WithError(err).Warn("failed to dial upstream")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		upstream.Close()
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	client, bufrw, err := hijacker.Hijack()
	if err != nil {
		upstream.Close()
		logger.WithError(err).Error("hijack failed")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	_, err = bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err == nil {
		err = bufrw.Flush()
	}
	if err != nil {
		client.Close()
		upstream.Close()
		logger.WithError(err).Warn("failed to write response")
		return
	}

	logger.Debug("tunnel established")

	// The client may have sent tunnel bytes along with the request.
	var src io.Reader = client
	if n := bufrw.Reader.Buffered(); n > 0 {
		early, _ := bufrw.Reader.Peek(n)
		src = io.MultiReader(strings.NewReader(string(early)), client)
	}

	// Hijacked connections are independent of the request lifecycle.
	go h.tunnel(logger, client, src, upstream)
}

// tunnel performs bidirectional copying between client and upstream connections.
func (h *h1Handler) tunnel(logger log.FieldLogger, client net.Conn, src io.Reader, upstream net.Conn) {
	defer client.Close()
	defer upstream.Close()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(upstream, src)
		closeWrite(upstream)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(client, upstream)
		closeWrite(client)
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.WithError(err).Debug("tunnel error")
	}
	logger.Debug("tunnel closed")
}

// closeWrite half-closes conn when it supports it.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
