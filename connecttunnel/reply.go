package connecttunnel

import (
	"bytes"
	"net/http"
)

var replyTerminator = []byte("\r\n\r\n")

// maxStatusCode bounds the parsed status so long digit runs cannot overflow.
const maxStatusCode = 1 << 20

// parseReply classifies a reply header block. It returns nil for 2xx.
func parseReply(reply []byte, hasCredentials bool) error {
	if len(reply) < 8 || !bytes.HasPrefix(reply, []byte("HTTP/1.")) ||
		(reply[7] != '0' && reply[7] != '1') {
		return ErrBadReply
	}

	i := 8
	for i < len(reply) && reply[i] == ' ' {
		i++
	}

	code := 0
	for i < len(reply) && isDigit(reply[i]) {
		if code < maxStatusCode {
			code = code*10 + int(reply[i]-'0')
		}
		i++
	}

	if code >= 200 && code < 300 {
		return nil
	}

	for i < len(reply) && reply[i] == ' ' {
		i++
	}
	msg := reply[i:]
	if end := bytes.IndexByte(msg, '\r'); end >= 0 {
		msg = msg[:end]
	}

	switch {
	case code == http.StatusProxyAuthRequired && hasCredentials:
		return ErrProxyAuthFailed
	case code == http.StatusProxyAuthRequired:
		return ErrProxyAuthRequired
	case len(msg) == 0:
		return ErrBrokenReply
	}
	return &ProxyError{StatusCode: code, Message: string(msg)}
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
