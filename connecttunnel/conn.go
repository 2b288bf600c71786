package connecttunnel

import (
	"bytes"
	"io"
	"net"
)

// bufferedConn replays bytes the proxy sent after its reply header block
// before reading from the underlying connection.
type bufferedConn struct {
	net.Conn
	reader io.Reader
}

func newBufferedConn(conn net.Conn, extra []byte) net.Conn {
	return &bufferedConn{
		Conn:   conn,
		reader: io.MultiReader(bytes.NewReader(extra), conn),
	}
}

// Read reads the replayed bytes first, then from the connection.
func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// NetConn returns the wrapped connection.
func (c *bufferedConn) NetConn() net.Conn {
	return c.Conn
}

// CloseWrite half-closes the underlying connection when it supports it.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
