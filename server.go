package rdmasec

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Server is the process-wide listener: it owns the Registry and the TLS
// server configuration, and runs the accept loop until ctx is cancelled.
type Server struct {
	Logger zerolog.Logger

	Addr        string
	TLSConfig   *tls.Config
	MetricsAddr string

	Registry *Registry

	closed bool
}

// NewServer builds a Server and its Registry from c. The shared RDMA device
// is opened here, before the listener starts accepting; if no device is
// available the process must fail at startup, not per-session, so this
// returns an error rather than deferring the failure.
func NewServer(c *Config) (*Server, error) {
	tlsConfig, err := ServerTLSConfig(c)
	if err != nil {
		return nil, fmt.Errorf("rdmasec: configure tls: %w", err)
	}

	logger := configureLogging(c.LogLevel, c.LogPretty)

	reg, err := NewRegistry(c.MaxClients, c.CQDepth, c.BufferSize, c.PathMTU, c.RdmaDevice, DisconnectTimeouts{
		Initiator: c.DisconnectInitiatorTimeout,
		Responder: c.DisconnectResponderTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("rdmasec: initialize registry: %w", err)
	}

	return &Server{
		Logger:      logger,
		Addr:        c.Addr,
		TLSConfig:   tlsConfig,
		MetricsAddr: c.MetricsAddr,
		Registry:    reg,
	}, nil
}

// configureLogging builds a zerolog.Logger writing to stdout, pretty-printed
// if requested.
func configureLogging(level zerolog.Level, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Run starts the control-channel listener and, if configured, a Prometheus metrics
// endpoint, and blocks until ctx is cancelled or the listener fails. On
// cancellation it stops accepting and waits for in-flight sessions to
// initiate disconnect, mirroring pkg/atlas.Server.Run's shutdown sequence.
func (s *Server) Run(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("rdmasec: server already closed")
	}

	// Plain TCP: Registry.Accept performs the TLS handshake itself.
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("rdmasec: listen on %s: %w", s.Addr, err)
	}

	if s.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			s.Registry.WritePrometheus(w)
		})
		hs := &http.Server{Addr: s.MetricsAddr, Handler: mux}
		go func() {
			if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.Logger.Err(err).Msg("metrics server failed")
			}
		}()
		go func() {
			<-ctx.Done()
			hs.Close()
		}()
	}

	s.Logger.Info().Str("addr", s.Addr).Msg("listening")

	var wg sync.WaitGroup
	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					acceptErr <- nil
				default:
					acceptErr <- err
				}
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.serve(ctx, conn)
			}()
		}
	}()

	select {
	case <-ctx.Done():
		s.closed = true
		ln.Close()
		wg.Wait()
		return s.Registry.Close()
	case err := <-acceptErr:
		wg.Wait()
		return err
	}
}

// serve completes establishment for one accepted connection and, on
// success, runs its message loop to completion.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	sess, err := s.Registry.Accept(conn, s.TLSConfig)
	if err != nil {
		s.Logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("session establishment failed")
		return
	}
	s.Logger.Info().Int("session", sess.id).Uint32("qp_num", sess.QPNum()).Msg("session open")

	if err := RunMessageLoop(ctx, sess, s.Registry.Timeouts(), s.Registry, s.Registry.metrics); err != nil {
		s.Logger.Warn().Err(err).Int("session", sess.id).Msg("session closed")
	} else {
		s.Logger.Info().Int("session", sess.id).Msg("session closed")
	}
}
