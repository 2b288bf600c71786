package connecttunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// scriptConn is a net.Conn that plays back a proxy reply in fixed-size chunks
// and accepts writes in fixed-size chunks.
type scriptConn struct {
	mu         sync.Mutex
	reply      []byte
	readErr    error
	readChunk  int
	writeChunk int
	written    bytes.Buffer
	closes     int
}

func newScriptConn(reply string, readChunk, writeChunk int) *scriptConn {
	return &scriptConn{reply: []byte(reply), readChunk: readChunk, writeChunk: writeChunk}
}

func (c *scriptConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return 0, net.ErrClosed
	}
	if len(c.reply) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}
		return 0, io.EOF
	}
	n := copy(b[:min(len(b), c.readChunk)], c.reply)
	c.reply = c.reply[n:]
	return n, nil
}

func (c *scriptConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return 0, net.ErrClosed
	}
	n := min(len(b), c.writeChunk)
	c.written.Write(b[:n])
	return n, nil
}

func (c *scriptConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *scriptConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *scriptConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c *scriptConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 3128} }
func (c *scriptConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(t time.Time) error { return nil }

func quietTunnel(cfg Config) *Tunnel {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg.Logger = logger
	return New(&cfg)
}

// outcome renders the result of an attempt so that outcomes of both drivers
// can be compared directly.
func outcome(t *testing.T, conn net.Conn, err error) string {
	t.Helper()
	if err != nil {
		require.Nil(t, conn)
		return "error: " + err.Error()
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	rest, rerr := io.ReadAll(conn)
	require.NoError(t, rerr)
	return fmt.Sprintf("ok: %q", rest)
}

var driverReplies = []struct {
	name    string
	reply   string
	wantErr error
}{
	{name: "established", reply: "HTTP/1.1 200 Connection established\r\n\r\n"},
	{name: "headers", reply: "HTTP/1.0 200 OK\r\nVia: 1.1 squid\r\nX-Cache: MISS\r\n\r\n"},
	{name: "early data", reply: "HTTP/1.1 200 OK\r\n\r\nSSH-2.0-OpenSSH_9.6\r\n"},
	{name: "auth required", reply: "HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic\r\n\r\n", wantErr: ErrProxyAuthRequired},
	{name: "forbidden", reply: "HTTP/1.1 403 Forbidden\r\n\r\n", wantErr: &ProxyError{}},
	{name: "broken", reply: "HTTP/1.1 502\r\n\r\n", wantErr: ErrBrokenReply},
	{name: "garbage", reply: "GARBAGE\r\n\r\n", wantErr: ErrBadReply},
	{name: "closed", reply: "", wantErr: ErrProxyClosed},
	{name: "truncated", reply: "HTTP/1.1 200 OK\r\n\r", wantErr: ErrProxyClosed},
}

func TestDriversAgree(t *testing.T) {
	target := Target{Host: "example.com", Port: 22}
	want := buildRequest(target, DefaultUserAgent).data

	for _, tt := range driverReplies {
		for _, chunk := range []int{1, 2, 3, 7, 64, readChunk} {
			t.Run(fmt.Sprintf("%s/chunk%d", tt.name, chunk), func(t *testing.T) {
				tun := quietTunnel(Config{})

				blockingConn := newScriptConn(tt.reply, chunk, chunk)
				bconn, berr := tun.Establish(context.Background(), blockingConn, target)

				asyncConn := newScriptConn(tt.reply, chunk, chunk)
				aconn, aerr := tun.Start(context.Background(), asyncConn, target).Result()

				if tt.wantErr != nil {
					require.ErrorIs(t, berr, tt.wantErr)
					require.Equal(t, 1, blockingConn.closeCount())
					require.Equal(t, 1, asyncConn.closeCount())
				} else {
					require.NoError(t, berr)
					require.Zero(t, blockingConn.closeCount())
					require.Zero(t, asyncConn.closeCount())
				}
				require.Equal(t, outcome(t, bconn, berr), outcome(t, aconn, aerr))
				require.Equal(t, want, blockingConn.written.Bytes())
				require.Equal(t, want, asyncConn.written.Bytes())
			})
		}
	}
}

func TestEstablishReturnsStreamUnchanged(t *testing.T) {
	conn := newScriptConn("HTTP/1.1 200 Connection established\r\n\r\n", readChunk, readChunk)
	got, err := quietTunnel(Config{}).Establish(context.Background(), conn, Target{Host: "example.com", Port: 443})
	require.NoError(t, err)
	require.Same(t, conn, got)
}

func TestEstablishReplaysEarlyData(t *testing.T) {
	conn := newScriptConn("HTTP/1.1 200 OK\r\n\r\nhello", readChunk, readChunk)
	got, err := quietTunnel(Config{}).Establish(context.Background(), conn, Target{Host: "example.com", Port: 443})
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(got, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
	require.Same(t, conn, got.(interface{ NetConn() net.Conn }).NetConn())
}

func TestEstablishReplyTooLarge(t *testing.T) {
	reply := "HTTP/1.1 200 OK\r\n"
	for i := 0; i < 100; i++ {
		reply += "X-Filler: aaaaaaaaaaaaaaaa\r\n"
	}
	reply += "\r\n"

	for _, chunk := range []int{5, readChunk} {
		tun := quietTunnel(Config{MaxReplySize: 256})
		_, err := tun.Establish(context.Background(), newScriptConn(reply, chunk, chunk), Target{Host: "example.com", Port: 443})
		require.ErrorIs(t, err, ErrReplyTooLarge)

		_, err = tun.Start(context.Background(), newScriptConn(reply, chunk, chunk), Target{Host: "example.com", Port: 443}).Result()
		require.ErrorIs(t, err, ErrReplyTooLarge)
	}
}

func TestEstablishReplyAtLimit(t *testing.T) {
	reply := "HTTP/1.1 200 OK\r\n\r\n"
	tun := quietTunnel(Config{MaxReplySize: len(reply)})
	_, err := tun.Establish(context.Background(), newScriptConn(reply, 3, 3), Target{Host: "example.com", Port: 443})
	require.NoError(t, err)
}

func TestEstablishTransportErrorUnchanged(t *testing.T) {
	boom := errors.New("connection reset by test")
	conn := newScriptConn("HTTP/1.1 200", readChunk, readChunk)
	conn.readErr = boom

	_, err := quietTunnel(Config{}).Establish(context.Background(), conn, Target{Host: "example.com", Port: 443})
	require.Same(t, boom, err)
	require.Equal(t, 1, conn.closeCount())
}

func TestEstablishAlreadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := newScriptConn("HTTP/1.1 200 OK\r\n\r\n", readChunk, readChunk)
	got, err := quietTunnel(Config{}).Establish(ctx, conn, Target{Host: "example.com", Port: 443})
	require.Nil(t, got)
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, conn.written.Len())
	require.Equal(t, 1, conn.closeCount())
}

type driver func(ctx context.Context, tun *Tunnel, conn net.Conn, target Target) (net.Conn, error)

var drivers = map[string]driver{
	"blocking": func(ctx context.Context, tun *Tunnel, conn net.Conn, target Target) (net.Conn, error) {
		return tun.Establish(ctx, conn, target)
	},
	"async": func(ctx context.Context, tun *Tunnel, conn net.Conn, target Target) (net.Conn, error) {
		return tun.Start(ctx, conn, target).Result()
	},
}

func TestCancelMidWrite(t *testing.T) {
	for name, run := range drivers {
		t.Run(name, func(t *testing.T) {
			client, proxy := net.Pipe()
			defer proxy.Close()

			ctx, cancel := context.WithCancel(context.Background())
			// Read part of the request, then stall the writer.
			go func() {
				buf := make([]byte, 4)
				_, _ = io.ReadFull(proxy, buf)
				cancel()
			}()

			conn, err := run(ctx, quietTunnel(Config{}), client, Target{Host: "example.com", Port: 443})
			require.Nil(t, conn)
			require.ErrorIs(t, err, ErrCancelled)
			require.NotErrorIs(t, err, ErrBadReply)

			_, err = client.Write([]byte("x"))
			require.ErrorIs(t, err, io.ErrClosedPipe)
		})
	}
}

func TestCancelMidRead(t *testing.T) {
	for name, run := range drivers {
		t.Run(name, func(t *testing.T) {
			client, proxy := net.Pipe()
			defer proxy.Close()

			target := Target{Host: "example.com", Port: 443}
			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				buf := make([]byte, len(buildRequest(target, DefaultUserAgent).data))
				_, _ = io.ReadFull(proxy, buf)
				_, _ = proxy.Write([]byte("HTTP/1.1 200 Connection"))
				cancel()
			}()

			conn, err := run(ctx, quietTunnel(Config{}), client, target)
			require.Nil(t, conn)
			require.ErrorIs(t, err, ErrCancelled)

			_, err = client.Read(make([]byte, 1))
			require.ErrorIs(t, err, io.ErrClosedPipe)
		})
	}
}

func TestCancelDeadline(t *testing.T) {
	for name, run := range drivers {
		t.Run(name, func(t *testing.T) {
			client, proxy := net.Pipe()
			defer proxy.Close()
			go func() { _, _ = io.Copy(io.Discard, proxy) }()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			start := time.Now()
			_, err := run(ctx, quietTunnel(Config{}), client, Target{Host: "example.com", Port: 443})
			require.ErrorIs(t, err, ErrCancelled)
			require.ErrorIs(t, err, context.DeadlineExceeded)
			require.NotErrorIs(t, err, os.ErrDeadlineExceeded)
			require.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestAttemptDone(t *testing.T) {
	client, proxy := net.Pipe()
	defer proxy.Close()

	target := Target{Host: "example.com", Port: 443}
	a := quietTunnel(Config{}).Start(context.Background(), client, target)

	buf := make([]byte, len(buildRequest(target, DefaultUserAgent).data))
	_, err := io.ReadFull(proxy, buf)
	require.NoError(t, err)

	select {
	case <-a.Done():
		t.Fatal("attempt completed before the proxy replied")
	default:
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err = a.Wait(waitCtx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = proxy.Write([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	require.NoError(t, err)

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not complete")
	}
	conn, err := a.Result()
	require.NoError(t, err)
	require.Same(t, client, conn)

	conn, err = a.Wait(context.Background())
	require.NoError(t, err)
	require.Same(t, client, conn)
}
