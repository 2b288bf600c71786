package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"lds.li/proxytunnel/connecttunnel"
)

// forwardConfig represents a single port forward.
type forwardConfig struct {
	name   string
	listen string
	remote string
}

func newForwardCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Forward local ports to remote hosts through the proxy",
		Example: `  proxytunnel forward --proxy https://proxy.example.com:443 \
    --forward web=localhost:8080=example.com:80 \
    --forward api=localhost:8081=api.example.com:443`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dialer, err := newDialer(v)
			if err != nil {
				return err
			}
			fwds := v.GetStringSlice("forward")
			if len(fwds) == 0 {
				return fmt.Errorf("at least one --forward is required")
			}
			configs := make([]forwardConfig, 0, len(fwds))
			for i, fwd := range fwds {
				cfg, err := parseForward(fwd)
				if err != nil {
					return fmt.Errorf("forward #%d (%s): %w", i+1, fwd, err)
				}
				configs = append(configs, cfg)
			}
			return runForwards(cmd.Context(), dialer, configs, v.GetDuration("timeout"))
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringArray("forward", nil, "Port forward in format [name=]listen:port=remote:port (can be repeated)")
	cmd.Flags().Duration("timeout", 30*time.Second, "Tunnel establishment timeout")
	return cmd
}

// parseForward parses a forward flag. Accepted formats:
//   - listen:port=remote:port
//   - name=listen:port=remote:port
func parseForward(s string) (forwardConfig, error) {
	var cfg forwardConfig

	parts := strings.Split(s, "=")
	switch len(parts) {
	case 2:
		cfg.name = parts[0]
		cfg.listen = parts[0]
		cfg.remote = parts[1]
	case 3:
		cfg.name = parts[0]
		cfg.listen = parts[1]
		cfg.remote = parts[2]
	default:
		return cfg, fmt.Errorf("invalid format, expected [name=]listen:port=remote:port")
	}

	if _, _, err := net.SplitHostPort(cfg.listen); err != nil {
		return cfg, fmt.Errorf("listen address must include port (e.g., localhost:8080 or :8080): %w", err)
	}
	if _, err := connecttunnel.ParseTarget(cfg.remote); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// runForwards serves every forward until ctx is done.
func runForwards(ctx context.Context, dialer connecttunnel.Dialer, configs []forwardConfig, timeout time.Duration) error {
	listeners := make([]net.Listener, 0, len(configs))
	for _, cfg := range configs {
		listener, err := net.Listen("tcp", cfg.listen)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listening on %s: %w", cfg.listen, err)
		}
		listeners = append(listeners, listener)
	}

	g, ctx := errgroup.WithContext(ctx)
	for i, cfg := range configs {
		cfg := cfg
		listener := listeners[i]
		log.WithFields(log.Fields{
			"forward": cfg.name,
			"listen":  listener.Addr().String(),
			"remote":  cfg.remote,
		}).Info("forwarding")

		g.Go(func() error {
			<-ctx.Done()
			return listener.Close()
		})
		g.Go(func() error {
			return acceptLoop(ctx, listener, cfg, dialer, timeout)
		})
	}

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// acceptLoop accepts connections and forwards them through the proxy.
func acceptLoop(ctx context.Context, listener net.Listener, cfg forwardConfig, dialer connecttunnel.Dialer, timeout time.Duration) error {
	logger := log.WithField("forward", cfg.name)
	for {
		localConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go handleConnection(ctx, logger, localConn, cfg.remote, dialer, timeout)
	}
}

// handleConnection forwards a single connection through the proxy.
func handleConnection(ctx context.Context, logger log.FieldLogger, localConn net.Conn, remote string, dialer connecttunnel.Dialer, timeout time.Duration) {
	defer localConn.Close()
	logger = logger.WithField("client", localConn.RemoteAddr().String())
	logger.Debug("new connection")

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	remoteConn, err := dialer.DialContext(dialCtx, "tcp", remote)
	cancel()
	if err != nil {
		logger.WithError(err).Warn("failed to dial through proxy")
		return
	}
	defer remoteConn.Close()

	var g errgroup.Group
	g.Go(func() error {
		_, err := io.Copy(remoteConn, localConn)
		halfClose(remoteConn)
		return err
	})
	g.Go(func() error {
		_, err := io.Copy(localConn, remoteConn)
		halfClose(localConn)
		return err
	})
	stop := context.AfterFunc(ctx, func() {
		localConn.Close()
		remoteConn.Close()
	})
	defer stop()

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.WithError(err).Debug("copy error")
	}
	logger.Debug("connection closed")
}
