package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newDialCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dial <target-host> <target-port>",
		Short: "Connect stdin and stdout to a target through the proxy",
		Long: `Connect stdin and stdout to a target through the proxy.

Suitable as an SSH ProxyCommand:
  ssh -o ProxyCommand='proxytunnel dial --proxy https://proxy.example.com:443 %h %p' user@target`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if v.GetString("send") == "" && isatty.IsTerminal(os.Stdin.Fd()) {
				log.Info("reading from the terminal, press Ctrl-D to close the tunnel")
			}
			return runDial(cmd.Context(), v, net.JoinHostPort(args[0], args[1]), os.Stdin, os.Stdout)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().Duration("timeout", 30*time.Second, "Tunnel establishment timeout")
	cmd.Flags().String("send", "", "Send this string instead of reading stdin, then print the reply")
	return cmd
}

func runDial(ctx context.Context, v *viper.Viper, target string, stdin io.Reader, stdout io.Writer) error {
	dialer, err := newDialer(v)
	if err != nil {
		return err
	}

	logger := log.WithField("target", target)
	logger.Debug("connecting")

	dialCtx, cancel := context.WithTimeout(ctx, v.GetDuration("timeout"))
	conn, err := dialer.DialContext(dialCtx, "tcp", target)
	cancel()
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", target, err)
	}
	defer conn.Close()
	logger.Debug("connected")

	if send := v.GetString("send"); send != "" {
		if _, err := io.WriteString(conn, send); err != nil {
			return err
		}
		halfClose(conn)
		_, err := io.Copy(stdout, conn)
		return err
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	go func() {
		if _, err := io.Copy(conn, stdin); err != nil {
			logger.WithError(err).Debug("stdin copy failed")
		}
		halfClose(conn)
	}()

	// The session ends when the target closes its side.
	if _, err := io.Copy(stdout, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	logger.Debug("connection closed")
	return nil
}

// halfClose signals end of input to the target when the tunnel supports it.
func halfClose(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
