// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Kasama/server-knocker/pkg/activity"
	"github.com/Kasama/server-knocker/pkg/backend"
	"github.com/Kasama/server-knocker/pkg/metrics"
	"github.com/Kasama/server-knocker/pkg/ratelimit"
)

const (
	// DefaultSessionTimeout is the default per-source idle window after
	// which a session is evicted.
	DefaultSessionTimeout = 30 * time.Second

	// MaxDatagramSize is the maximum size of a UDP datagram.
	MaxDatagramSize = 65535

	// DefaultBufferSize is the default buffer size for UDP packets.
	DefaultBufferSize = 8192

	// DefaultWorkerPoolSize is the default number of workers for packet processing.
	DefaultWorkerPoolSize = 100
)

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the backend address to relay to (host:port)
	TargetAddress string

	// SessionTimeout is the per-source idle window. It is independent of
	// the global idle timer: it bounds memory under many transient
	// senders, not the backend lifecycle.
	SessionTimeout time.Duration

	// MaxSessions is the maximum number of concurrent sessions.
	// 0 means unlimited.
	MaxSessions int

	// SessionRate and SessionBurst bound session-creation churn through
	// a token bucket. SessionRate 0 disables the limiter.
	SessionRate  int64
	SessionBurst int64

	// BufferSize is the size of datagram read buffers in bytes.
	// Must not exceed MaxDatagramSize.
	BufferSize int

	// WorkerPoolSize is the number of goroutines in the packet
	// processing pool.
	WorkerPoolSize int

	// Logger for server events
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// packetJob represents a packet processing job for the worker pool.
type packetJob struct {
	clientAddr *net.UDPAddr
	data       []byte
}

// Server relays datagrams between clients and the backend, waking the
// backend on first traffic. Datagrams arriving before the backend is ready
// are dropped; UDP offers no delivery guarantee, so the client's retransmit
// lands once the backend is up.
type Server struct {
	config     Config
	machine    *backend.Machine
	clock      *activity.Clock
	sessions   *SessionManager
	bufferPool *sync.Pool
	packetCh   chan packetJob
	workerWg   sync.WaitGroup
}

// New creates a new UDP server driving the given state machine and
// activity clock.
func New(cfg Config, machine *backend.Machine, clock *activity.Clock) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.BufferSize > MaxDatagramSize {
		cfg.BufferSize = MaxDatagramSize
	}
	if cfg.WorkerPoolSize == 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}

	var limiter *ratelimit.TokenBucket
	if cfg.SessionRate > 0 {
		burst := cfg.SessionBurst
		if burst == 0 {
			burst = cfg.SessionRate
		}
		limiter = ratelimit.NewTokenBucket(burst, cfg.SessionRate)
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	return &Server{
		config:     cfg,
		machine:    machine,
		clock:      clock,
		sessions:   NewSessionManager(cfg.Logger, cfg.MaxSessions, limiter, cfg.Metrics),
		bufferPool: bufferPool,
		packetCh:   make(chan packetJob, cfg.WorkerPoolSize*2),
	}
}

// Listen starts the UDP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	s.config.Logger.Info("UDP proxy started",
		slog.String("address", s.config.Address),
		slog.String("target", s.config.TargetAddress),
		slog.Duration("session_timeout", s.config.SessionTimeout))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	s.startWorkerPool(workerCtx, conn)

	cleanupCtx, cleanupCancel := context.WithCancel(ctx)
	defer cleanupCancel()
	go s.sessions.Cleanup(cleanupCtx, s.config.SessionTimeout)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			bufPtr := s.bufferPool.Get().(*[]byte)
			buffer := *bufPtr

			n, clientAddr, err := conn.ReadFromUDP(buffer)
			if err != nil {
				s.bufferPool.Put(bufPtr)
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
					s.config.Logger.Error("failed to read UDP packet",
						slog.String("error", err.Error()))
					continue
				}
			}

			datagram := make([]byte, n)
			copy(datagram, buffer[:n])
			s.bufferPool.Put(bufPtr)

			select {
			case s.packetCh <- packetJob{clientAddr: clientAddr, data: datagram}:
			case <-ctx.Done():
				return
			default:
				s.dropDatagram("queue_full")
				s.config.Logger.Warn("worker pool full, dropping packet",
					slog.String("client", clientAddr.String()))
			}
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone

	close(s.packetCh)
	workerCancel()
	s.workerWg.Wait()

	s.sessions.CloseAll()
	s.config.Logger.Info("all sessions closed")
	return nil
}

// startWorkerPool starts the worker goroutines for packet processing.
func (s *Server) startWorkerPool(ctx context.Context, listener *net.UDPConn) {
	for i := 0; i < s.config.WorkerPoolSize; i++ {
		s.workerWg.Add(1)
		go func() {
			defer s.workerWg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-s.packetCh:
					if !ok {
						return
					}
					if err := s.handlePacket(job.clientAddr, job.data, listener); err != nil {
						s.config.Logger.Debug("packet handler error",
							slog.String("client", job.clientAddr.String()),
							slog.String("error", err.Error()))
					}
				}
			}
		}()
	}
}

// handlePacket relays one inbound datagram:
// 1. Records activity and wakes the backend if it is down
// 2. Drops the datagram unless the backend is Running
// 3. Gets or creates the source's session and forwards the payload
// 4. Starts the reply reader for a new session
func (s *Server) handlePacket(clientAddr *net.UDPAddr, data []byte, listener *net.UDPConn) error {
	s.clock.Touch()

	gen, genCtx, running := s.machine.RunningContext()
	if !running {
		// Wake the backend; this datagram is dropped within contract.
		s.machine.RequestStart()
		s.dropDatagram("backend_not_ready")
		return nil
	}

	sess, isNew, err := s.sessions.GetOrCreate(genCtx, clientAddr, s.config.TargetAddress, gen)
	if err != nil {
		s.dropDatagram("session_rejected")
		return err
	}

	if _, err := sess.Backend.Write(data); err != nil {
		s.sessions.Remove(sess)
		sess.Close()
		return fmt.Errorf("failed to relay to backend: %w", err)
	}
	if s.config.Metrics != nil {
		s.config.Metrics.DatagramsTotal.WithLabelValues("upstream").Inc()
		s.config.Metrics.BytesTransferred.WithLabelValues("udp", "upstream").Add(float64(len(data)))
	}

	if isNew {
		go s.readReplies(sess, listener)
	}
	return nil
}

// readReplies routes backend replies back to the session's source address
// until the session dies or its idle window elapses.
func (s *Server) readReplies(sess *Session, listener *net.UDPConn) {
	defer func() {
		s.sessions.Remove(sess)
		sess.Close()
		s.config.Logger.Debug("reply reader closed",
			slog.String("session", sess.ID))
	}()

	buf := make([]byte, s.config.BufferSize)
	for {
		select {
		case <-sess.ctx.Done():
			return
		default:
		}

		if err := sess.Backend.SetReadDeadline(time.Now().Add(s.config.SessionTimeout)); err != nil {
			return
		}

		n, err := sess.Backend.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if time.Since(sess.LastActivity()) > s.config.SessionTimeout {
					return
				}
				continue
			}
			s.config.Logger.Debug("backend read error",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()))
			return
		}

		s.clock.Touch()
		sess.UpdateActivity()

		if _, err := listener.WriteToUDP(buf[:n], sess.RemoteAddr); err != nil {
			s.config.Logger.Debug("failed to relay reply",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()))
			return
		}
		if s.config.Metrics != nil {
			s.config.Metrics.DatagramsTotal.WithLabelValues("downstream").Inc()
			s.config.Metrics.BytesTransferred.WithLabelValues("udp", "downstream").Add(float64(n))
		}
	}
}

// SessionCount returns the number of active sessions.
func (s *Server) SessionCount() int {
	return s.sessions.Count()
}

func (s *Server) dropDatagram(reason string) {
	if s.config.Metrics != nil {
		s.config.Metrics.DatagramsDropped.WithLabelValues(reason).Inc()
	}
}
