package rdmasec

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/go-rdmasec/rdmasec/internal/control"
)

// ServerTLSConfig loads the server's certificate and key and, if
// ClientCAFile is set, requires and verifies client certificates against it
// (client-cert auth is a policy toggle, not a mandatory requirement).
// Negotiation is restricted to TLS 1.2+ and forward-secret AEAD cipher
// suites.
func ServerTLSConfig(c *Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: control.ForwardSecretCipherSuites,
	}

	if c.ClientCAFile != "" {
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse client ca %q: no certificates found", c.ClientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}

// ClientTLSConfig loads the client's certificate and key and, if CAFile is
// set, verifies the server against it instead of the system root pool.
func ClientTLSConfig(c *ClientConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: control.ForwardSecretCipherSuites,
		ServerName:   c.ServerName,
	}

	if c.CertFile != "" || c.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse ca %q: no certificates found", c.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
