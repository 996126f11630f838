// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kasama/server-knocker/pkg/activity"
	"github.com/Kasama/server-knocker/pkg/backend"
	knockerrors "github.com/Kasama/server-knocker/pkg/errors"
	"github.com/Kasama/server-knocker/pkg/metrics"
)

const protocol = "tcp"

// DefaultBufferSize is the default relay buffer size in bytes.
const DefaultBufferSize = 32 * 1024

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the backend address to proxy to (host:port)
	TargetAddress string

	// StartupTimeout bounds how long an accepted connection waits for
	// the backend to reach Running before it is closed with an error.
	StartupTimeout time.Duration

	// DialTimeout bounds the dial to a Running backend.
	DialTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for active connections
	// to drain during graceful shutdown. After this timeout, remaining
	// connections are forcefully closed.
	ShutdownTimeout time.Duration

	// BufferSize is the relay buffer size in bytes.
	BufferSize int

	// Logger for server events
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Server accepts client connections, wakes the backend on first traffic and
// forwards raw bytes in both directions. Each connection owns its client
// and backend sockets for its lifetime; a backend crash mid-session closes
// the client side immediately.
type Server struct {
	config  Config
	machine *backend.Machine
	clock   *activity.Clock
	wg      sync.WaitGroup
}

// New creates a new TCP server driving the given state machine and
// activity clock.
func New(cfg Config, machine *backend.Machine, clock *activity.Clock) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	return &Server{
		config:  cfg,
		machine: machine,
		clock:   clock,
	}
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.config.Logger.Info("TCP proxy started",
		slog.String("address", s.config.Address),
		slog.String("target", s.config.TargetAddress))

	// Connections get their own context so forced closure after the
	// drain timeout is separate from the accept loop shutdown.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
					continue
				}
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		connCancel()
		select {
		case <-done:
			return knockerrors.ErrShutdownTimeout
		case <-time.After(1 * time.Second):
			return knockerrors.ErrShutdownTimeout
		}
	}
}

// handleConn processes a single client connection by:
// 1. Recording activity and waking the backend if it is down
// 2. Waiting (bounded) for the backend to become Running
// 3. Dialing the backend and relaying bytes in both directions
// 4. Closing both sockets when either direction finishes or the backend dies
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()

	connID := uuid.New().String()
	remoteAddr := inbound.RemoteAddr().String()

	s.clock.Touch()
	s.machine.RequestStart()

	waitCtx, waitCancel := context.WithTimeout(ctx, s.config.StartupTimeout)
	gen, genCtx, err := s.machine.AwaitRunning(waitCtx)
	waitCancel()
	if err != nil {
		s.countConn("backend_unavailable")
		// Close cleanly rather than hang: the client sees a reset, the
		// next connection re-attempts the start.
		return knockerrors.New("await_backend", protocol, connID, remoteAddr, err)
	}

	outbound, err := net.DialTimeout("tcp", s.config.TargetAddress, s.config.DialTimeout)
	if err != nil {
		s.countConn("dial_failed")
		return knockerrors.New("dial_backend", protocol, connID, remoteAddr, err)
	}
	defer outbound.Close()

	s.countConn("established")
	if s.config.Metrics != nil {
		s.config.Metrics.ActiveConnections.WithLabelValues(protocol).Inc()
		defer s.config.Metrics.ActiveConnections.WithLabelValues(protocol).Dec()
	}

	s.config.Logger.Debug("connection established",
		slog.String("conn", connID),
		slog.String("client", remoteAddr),
		slog.Uint64("generation", gen))

	// Crash watcher: the generation context dies with the backend
	// incarnation. Closing both sockets unblocks the relay loops.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-genCtx.Done():
			s.config.Logger.Warn("backend died mid-session, dropping client",
				slog.String("conn", connID),
				slog.Uint64("generation", gen))
		case <-ctx.Done():
		case <-watchDone:
			return
		}
		inbound.Close()
		outbound.Close()
	}()

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.relay(inbound, outbound, "upstream")
	}()
	go func() {
		errCh <- s.relay(outbound, inbound, "downstream")
	}()

	// The session ends when either direction finishes; closing both
	// sockets releases the other.
	relayErr := <-errCh
	inbound.Close()
	outbound.Close()
	<-errCh

	s.config.Logger.Debug("connection closed", slog.String("conn", connID))
	return relayErr
}

// relay copies bytes from src to dst until end-of-stream, touching the
// activity clock on every chunk.
func (s *Server) relay(src, dst net.Conn, direction string) error {
	buf := make([]byte, s.config.BufferSize)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			s.clock.Touch()
			if s.config.Metrics != nil {
				s.config.Metrics.BytesTransferred.WithLabelValues(protocol, direction).Add(float64(n))
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return rerr
		}
	}
}

func (s *Server) countConn(status string) {
	if s.config.Metrics != nil {
		s.config.Metrics.ConnectionsTotal.WithLabelValues(protocol, status).Inc()
	}
}
