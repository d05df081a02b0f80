// Package tcp serves the binary protocol over plain TCP: one goroutine per
// connection, frames handled strictly in order so responses never interleave.
package tcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/ilikepi63/iggy/internal/limiter"
	"github.com/ilikepi63/iggy/internal/metrics"
	"github.com/ilikepi63/iggy/internal/protocol"
)

// ServerConfig holds the TCP listener configuration.
type ServerConfig struct {
	Addr         string
	MaxFrameSize uint32

	// BytesPerSecond throttles each connection's inbound frames; zero
	// disables throttling.
	BytesPerSecond uint64

	RequireAuth bool
}

// DefaultServerConfig returns the listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8090",
		MaxFrameSize: protocol.DefaultMaxFrameSize,
	}
}

// Server accepts binary protocol connections and feeds their frames to the
// dispatcher.
type Server struct {
	cfg        ServerConfig
	dispatcher *protocol.Dispatcher
	log        *slog.Logger
	met        *metrics.Metrics

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer builds a TCP server over the dispatcher.
func NewServer(cfg ServerConfig, dispatcher *protocol.Dispatcher, log *slog.Logger, met *metrics.Metrics) *Server {
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	dispatcher.RequireAuth = cfg.RequireAuth
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		log:        log,
		met:        met,
		conns:      make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.log.Info("tcp server listening", "addr", listener.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Addr returns the bound address, usable after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.log.Error("accept failed", "error", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if s.met != nil {
			s.met.TCPConnections.Dec()
		}
	}()
	if s.met != nil {
		s.met.TCPConnections.Inc()
	}

	remote := conn.RemoteAddr().String()
	s.log.Debug("connection opened", "remote", remote)

	limit := limiter.New(s.cfg.BytesPerSecond)
	sess := &protocol.Session{}

	for {
		req, err := protocol.ReadFrame(conn, s.cfg.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedConn(err) {
				s.log.Warn("connection read failed", "remote", remote, "error", err)
			}
			return
		}
		if s.met != nil {
			s.met.TCPCommands.WithLabelValues(protocol.CommandName(req.Command)).Inc()
		}

		frameBytes := uint64(len(req.Payload)) + 9
		if err := limit.Throttle(context.Background(), frameBytes); err != nil {
			return
		}

		resp := s.dispatcher.Dispatch(sess, req)
		if err := protocol.WriteFrame(conn, resp); err != nil {
			if !isClosedConn(err) {
				s.log.Warn("connection write failed", "remote", remote, "error", err)
			}
			return
		}
	}
}

func isClosedConn(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// Shutdown stops accepting, closes every connection and waits for the
// handlers to drain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("tcp server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
