package connecttunnel

import (
	"bytes"
	"errors"
	"io"
)

// readChunk is the most the machine asks for per read.
const readChunk = 512

type stepKind int

const (
	stepHandshake stepKind = iota
	stepWrite
	stepRead
	stepDone
)

// step is the I/O a driver must perform next. For stepWrite buf holds the
// unsent request bytes; for stepRead it is the buffer to read into.
type step struct {
	kind stepKind
	buf  []byte
}

type phase int

const (
	phaseStart phase = iota
	phaseWriting
	phaseReading
	phaseDone
	phaseFailed
)

// machine holds the state of one tunnel attempt. It performs no I/O: drivers
// ask next() what to do, perform it on their stream, and report back.
type machine struct {
	phase    phase
	req      request
	offset   int
	reply    []byte
	scratch  []byte
	maxReply int
	extra    []byte
	err      error
}

func newMachine(req request, useTLS bool, maxReply int) *machine {
	m := &machine{
		phase:    phaseWriting,
		req:      req,
		maxReply: maxReply,
	}
	if useTLS {
		m.phase = phaseStart
	}
	return m
}

func (m *machine) next() step {
	switch m.phase {
	case phaseStart:
		return step{kind: stepHandshake}
	case phaseWriting:
		return step{kind: stepWrite, buf: m.req.data[m.offset:]}
	case phaseReading:
		if m.scratch == nil {
			m.scratch = make([]byte, readChunk)
		}
		limit := min(m.maxReply-len(m.reply), len(m.scratch))
		return step{kind: stepRead, buf: m.scratch[:limit]}
	}
	return step{kind: stepDone}
}

func (m *machine) handshaken(err error) {
	if m.phase != phaseStart {
		return
	}
	if err != nil {
		m.fail(err)
		return
	}
	m.phase = phaseWriting
}

func (m *machine) wrote(n int, err error) {
	if m.phase != phaseWriting {
		return
	}
	m.offset += min(max(n, 0), len(m.req.data)-m.offset)
	if err != nil {
		m.fail(err)
		return
	}
	if m.offset == len(m.req.data) {
		m.req.data = nil
		m.phase = phaseReading
		return
	}
	if n <= 0 {
		m.fail(io.ErrShortWrite)
	}
}

func (m *machine) read(n int, err error) {
	if m.phase != phaseReading {
		return
	}
	if n > 0 {
		from := max(len(m.reply)-len(replyTerminator)+1, 0)
		m.reply = append(m.reply, m.scratch[:n]...)
		if i := bytes.Index(m.reply[from:], replyTerminator); i >= 0 {
			end := from + i + len(replyTerminator)
			if end < len(m.reply) {
				m.extra = bytes.Clone(m.reply[end:])
			}
			m.validate(m.reply[:end])
			return
		}
		if len(m.reply) >= m.maxReply {
			m.fail(ErrReplyTooLarge)
			return
		}
	}
	if errors.Is(err, io.EOF) {
		m.fail(ErrProxyClosed)
	} else if err != nil {
		m.fail(err)
	}
}

func (m *machine) validate(reply []byte) {
	err := parseReply(reply, m.req.hasCredentials)
	m.reply, m.scratch = nil, nil
	if err != nil {
		m.fail(err)
		return
	}
	m.phase = phaseDone
}

func (m *machine) fail(err error) {
	m.phase = phaseFailed
	m.err = err
	m.req.data, m.reply, m.scratch, m.extra = nil, nil, nil, nil
}

// result returns any bytes received after the reply header block, or the
// failure. It is only meaningful once next() returns stepDone.
func (m *machine) result() ([]byte, error) {
	if m.phase == phaseFailed {
		return nil, m.err
	}
	return m.extra, nil
}
