package control

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/go-rdmasec/rdmasec/internal/rdmaerr"
)

// MaxFrameSize bounds a single control-channel frame. Every record this
// module defines is far smaller; this only guards against a corrupted or
// hostile length prefix causing an unbounded allocation.
const MaxFrameSize = 1 << 20

// Channel is a TLS-backed, length-prefixed framed byte stream. Exactly one
// goroutine may read, and exactly one may write; there is no internal
// locking, since the channel is used synchronously in each direction.
type Channel struct {
	conn *tls.Conn
}

// NewChannel wraps an already-established TLS connection.
func NewChannel(conn *tls.Conn) *Channel {
	return &Channel{conn: conn}
}

// Dial establishes the client side of the control channel: TCP connect
// followed by a TLS handshake with a TLS 1.2 floor. Cipher suites are
// whatever cfg allows; Dial does not restrict them itself.
func Dial(addr string, cfg *tls.Config) (*Channel, error) {
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg = cfg.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}

	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rdmaerr.ErrTLSHandshakeFailed, err)
	}
	if err := conn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", rdmaerr.ErrTLSHandshakeFailed, err)
	}
	return NewChannel(conn), nil
}

// Accept completes the server side of the TLS handshake on an already
// accepted TCP connection.
func Accept(raw net.Conn, cfg *tls.Config) (*Channel, error) {
	cfg = cfg.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	conn := tls.Server(raw, cfg)
	if err := conn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", rdmaerr.ErrTLSHandshakeFailed, err)
	}
	return NewChannel(conn), nil
}

// WriteFrame writes a single length-prefixed frame.
func (c *Channel) WriteFrame(data []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := c.conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", rdmaerr.ErrTLSWriteFailed, err)
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %v", rdmaerr.ErrTLSWriteFailed, err)
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame. Every read is
// exact-length via io.ReadFull; a short read is fatal for the session.
func (c *Channel) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: %v", rdmaerr.ErrPeerClosedUnexpectedly, err)
		}
		return nil, fmt.Errorf("%w: %v", rdmaerr.ErrTLSShortRead, err)
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("control: frame of %d bytes exceeds maximum %d", n, MaxFrameSize)
	}
	if n == 0 {
		return []byte{}, nil
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(c.conn, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("%w: %v", rdmaerr.ErrPeerClosedUnexpectedly, err)
		}
		return nil, fmt.Errorf("%w: %v", rdmaerr.ErrTLSShortRead, err)
	}
	return data, nil
}

// ConnectionState exposes the negotiated TLS connection state, e.g. for
// logging the negotiated cipher suite.
func (c *Channel) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState()
}

// Close closes the underlying TLS connection.
func (c *Channel) Close() error {
	return c.conn.Close()
}

// ForwardSecretCipherSuites restricts negotiation to AEAD, forward-secret
// suites (ECDHE+AES-GCM or ChaCha20-Poly1305). Go's TLS 1.3 suites are
// always forward-secret and AEAD, so this list only needs to constrain a
// TLS 1.2 negotiation.
var ForwardSecretCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
}
