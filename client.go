package rdmasec

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rdmasec/rdmasec/internal/control"
	"github.com/go-rdmasec/rdmasec/internal/verbs"
	"github.com/rs/zerolog"
)

// Client is the matching client half of the service: it dials the server's
// TLS control port and runs the same establishment state machine as the
// server does on accept, with the two sides symmetric aside from who calls
// tls.Dial vs tls.Server/Accept.
type Client struct {
	Logger zerolog.Logger

	cfg    *ClientConfig
	device *verbs.Device
}

// NewClient opens a private, unconnected device context for the client
// side. Unlike the server, a client process only ever runs one session, so
// there is no shared-across-sessions registry to own it.
func NewClient(c *ClientConfig) (*Client, error) {
	device, err := verbs.OpenNamedDevice(nil, c.RdmaDevice)
	if err != nil {
		return nil, fmt.Errorf("rdmasec: %w", err)
	}
	return &Client{
		Logger: configureLogging(c.LogLevel, c.LogPretty),
		cfg:    c,
		device: device,
	}, nil
}

// Connect dials the server, completes the TLS handshake, and drives
// establishment through to OPEN, returning a Session ready for application
// use (Send/PollRecv) or RunMessageLoop.
func (c *Client) Connect() (*Session, error) {
	tlsConfig, err := ClientTLSConfig(c.cfg)
	if err != nil {
		return nil, fmt.Errorf("rdmasec: configure tls: %w", err)
	}

	ch, err := control.Dial(c.cfg.ServerAddr, tlsConfig)
	if err != nil {
		return nil, err
	}

	s, err := establish(ch, c.device, establishConfig{
		CQDepth:    c.cfg.CQDepth,
		BufferSize: c.cfg.BufferSize,
		PathMTU:    c.cfg.PathMTU,
	}, nil)
	if err != nil {
		ch.Close()
		return nil, err
	}
	s.id = -1 // the client has no registry slot to track
	return s, nil
}

// Disconnect runs the initiator side of the three-way handshake and tears
// the session down.
func (c *Client) Disconnect(s *Session) error {
	return InitiateDisconnect(s, DisconnectTimeouts{
		Initiator: c.cfg.DisconnectInitiatorTimeout,
		Responder: c.cfg.DisconnectResponderTimeout,
	}, nil, nil)
}

// Close releases the client's device context. Call only after Disconnect
// has torn down any open session.
func (c *Client) Close() error {
	return c.device.Close()
}

// RunEcho is the example send/echo workload, not part of the core
// protocol: it sends payload on s and waits for the server's echo, for use
// by the CLI demo client.
func RunEcho(ctx context.Context, s *Session, payload []byte) ([]byte, error) {
	if err := Send(s, payload); err != nil {
		return nil, fmt.Errorf("rdmasec: send: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if data, ok, failed := PollRecv(s); ok {
			if failed {
				return nil, fmt.Errorf("rdmasec: echo: receive completion failed")
			}
			return data, nil
		}
		time.Sleep(pollInterval)
	}
}
