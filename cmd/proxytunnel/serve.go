package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"lds.li/proxytunnel/connecttunnel"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local HTTP CONNECT proxy",
		Long: `Run a local HTTP CONNECT proxy.

With --proxy, tunnels are opened through the remote CONNECT proxy, so any tool
that supports HTTP proxies can reach it:
  proxytunnel serve --listen localhost:8080 --proxy https://proxy.example.com:443
  curl -x http://localhost:8080 https://example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := &connecttunnel.ServerConfig{
				Username: v.GetString("user"),
				Password: v.GetString("pass"),
				Realm:    v.GetString("realm"),
				Logger:   log.StandardLogger(),
			}
			if v.GetString("proxy") != "" {
				dialer, err := newDialer(v)
				if err != nil {
					return err
				}
				cfg.Dial = dialer.DialContext
			}
			return runServe(cmd.Context(), v.GetString("listen"), v.GetString("tls-cert"), v.GetString("tls-key"), cfg)
		},
	}
	addClientFlags(cmd)
	flags := cmd.Flags()
	flags.Lookup("proxy").Usage = "Upstream CONNECT proxy URL to tunnel through (optional)"
	flags.String("listen", "localhost:8080", "Listen address")
	flags.String("user", "", "Require this proxy username")
	flags.String("pass", "", "Require this proxy password")
	flags.String("realm", "", "Realm advertised in Proxy-Authenticate")
	flags.String("tls-cert", "", "Serve HTTPS with this certificate file")
	flags.String("tls-key", "", "Private key file for --tls-cert")
	return cmd
}

func runServe(ctx context.Context, listen, certFile, keyFile string, cfg *connecttunnel.ServerConfig) error {
	if (certFile == "") != (keyFile == "") {
		return fmt.Errorf("--tls-cert and --tls-key must be set together")
	}

	listener, err := net.Listen("tcp", listen)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler: connecttunnel.NewH1Handler(cfg),
		// CONNECT is served over HTTP/1.x only.
		TLSNextProto:      make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
		ReadHeaderTimeout: 30 * time.Second,
	}

	logger := log.WithFields(log.Fields{
		"listen": listener.Addr().String(),
		"tls":    certFile != "",
		"auth":   cfg.Username != "" && cfg.Password != "",
	})
	logger.Info("proxy listening")

	errCh := make(chan error, 1)
	go func() {
		if certFile != "" {
			errCh <- server.ServeTLS(listener, certFile, keyFile)
		} else {
			errCh <- server.Serve(listener)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
