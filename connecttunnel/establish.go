package connecttunnel

import (
	"context"
	"net"
	"time"
)

// aLongTimeAgo is a deadline in the past, used to abort pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// Establish negotiates a CONNECT tunnel to target over conn and blocks until
// it is ready or has failed.
//
// On success the returned conn carries the tunnel; it is conn itself, the TLS
// client wrapping it, or a wrapper replaying bytes the proxy sent after its
// reply. On failure conn is closed. If ctx is done first the error matches
// ErrCancelled.
func (t *Tunnel) Establish(ctx context.Context, conn net.Conn, target Target) (net.Conn, error) {
	m, logger := t.begin(target)
	if err := ctx.Err(); err != nil {
		m.fail(cancelled(err))
		return t.finish(ctx, conn, m, logger)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	stream := conn
	for {
		s := m.next()
		switch s.kind {
		case stepHandshake:
			tc := t.clientTLS(conn, target)
			stream = tc
			m.handshaken(tc.HandshakeContext(ctx))
		case stepWrite:
			n, err := stream.Write(s.buf)
			m.wrote(n, err)
		case stepRead:
			n, err := stream.Read(s.buf)
			m.read(n, err)
		case stepDone:
			stop()
			return t.finish(ctx, stream, m, logger)
		}
	}
}
