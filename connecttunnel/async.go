package connecttunnel

import (
	"context"
	"net"
)

// Attempt is a tunnel negotiation started by Tunnel.Start.
type Attempt struct {
	done chan struct{}
	conn net.Conn
	err  error
}

// Done returns a channel that is closed once the attempt has an outcome.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Result blocks until the attempt completes and returns its outcome, with the
// same meaning as the results of Tunnel.Establish.
func (a *Attempt) Result() (net.Conn, error) {
	<-a.done
	return a.conn, a.err
}

// Wait is like Result but gives up when ctx is done, returning ctx.Err().
// The attempt itself keeps running; cancel the context passed to Start to
// abort it.
func (a *Attempt) Wait(ctx context.Context) (net.Conn, error) {
	select {
	case <-a.done:
		return a.conn, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// completion reports a finished I/O step.
type completion struct {
	n   int
	err error
}

// Start negotiates a CONNECT tunnel to target over conn without blocking the
// caller. Each handshake, write and read is issued on its own goroutine and
// the negotiation resumes when it completes; only one is in flight at a time.
//
// Cancelling ctx aborts the pending I/O, closes conn and completes the
// attempt with an error matching ErrCancelled.
func (t *Tunnel) Start(ctx context.Context, conn net.Conn, target Target) *Attempt {
	a := &Attempt{done: make(chan struct{})}
	go a.run(ctx, t, conn, target)
	return a
}

func (a *Attempt) run(ctx context.Context, t *Tunnel, conn net.Conn, target Target) {
	defer close(a.done)

	m, logger := t.begin(target)
	stream := conn
	results := make(chan completion, 1)

	for {
		if err := ctx.Err(); err != nil {
			m.fail(cancelled(err))
		}
		s := m.next()
		if s.kind == stepDone {
			a.conn, a.err = t.finish(ctx, stream, m, logger)
			return
		}

		switch s.kind {
		case stepHandshake:
			tc := t.clientTLS(conn, target)
			stream = tc
			go func() {
				results <- completion{err: tc.HandshakeContext(ctx)}
			}()
		case stepWrite:
			go func(w net.Conn, buf []byte) {
				n, err := w.Write(buf)
				results <- completion{n: n, err: err}
			}(stream, s.buf)
		case stepRead:
			go func(r net.Conn, buf []byte) {
				n, err := r.Read(buf)
				results <- completion{n: n, err: err}
			}(stream, s.buf)
		}

		var c completion
		select {
		case c = <-results:
		case <-ctx.Done():
			_ = conn.SetDeadline(aLongTimeAgo)
			c = <-results
		}

		switch s.kind {
		case stepHandshake:
			m.handshaken(c.err)
		case stepWrite:
			m.wrote(c.n, c.err)
		case stepRead:
			m.read(c.n, c.err)
		}
	}
}
