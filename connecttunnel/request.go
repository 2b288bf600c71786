package connecttunnel

import (
	"bytes"
	"encoding/base64"
	"net"
	"strconv"

	"golang.org/x/net/idna"
)

// request is a rendered CONNECT request.
type request struct {
	data           []byte
	hasCredentials bool
}

// asciiHost returns the ASCII form of host. Hosts that cannot be converted are
// returned unchanged.
func asciiHost(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		return host
	}
	return ascii
}

func buildRequest(t Target, userAgent string) request {
	authority := net.JoinHostPort(asciiHost(t.Host), strconv.Itoa(t.Port))

	var b bytes.Buffer
	b.WriteString("CONNECT " + authority + " HTTP/1.0\r\n")
	b.WriteString("Host: " + authority + "\r\n")
	b.WriteString("Proxy-Connection: keep-alive\r\n")
	b.WriteString("User-Agent: " + userAgent + "\r\n")

	req := request{}
	if t.hasCredentials() {
		req.hasCredentials = true
		cred := base64.StdEncoding.EncodeToString([]byte(t.Username + ":" + t.Password))
		b.WriteString("Proxy-Authorization: Basic " + cred + "\r\n")
	}
	b.WriteString("\r\n")

	req.data = b.Bytes()
	return req
}
