package connecttunnel

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"time"
)

// clientTLS wraps conn for the proxy handshake.
func (t *Tunnel) clientTLS(conn net.Conn, target Target) *tls.Conn {
	var cfg *tls.Config
	if t.cfg.TLSConfig != nil {
		cfg = t.cfg.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = t.cfg.ServerName
	}
	if cfg.ServerName == "" {
		cfg.ServerName = asciiHost(target.Host)
	}
	if t.cfg.InsecureSkipVerify {
		cfg.InsecureSkipVerify = true
		next := cfg.VerifyConnection
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if err := verifyValidity(cs.PeerCertificates, time.Now()); err != nil {
				return err
			}
			if next != nil {
				return next(cs)
			}
			return nil
		}
	}
	return tls.Client(conn, cfg)
}

// verifyValidity checks only the validity period of the presented chain.
func verifyValidity(certs []*x509.Certificate, now time.Time) error {
	if len(certs) == 0 {
		return errors.New("connecttunnel: proxy presented no certificate")
	}
	for _, cert := range certs {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return x509.CertificateInvalidError{Cert: cert, Reason: x509.Expired}
		}
	}
	return nil
}
