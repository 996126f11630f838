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

	"github.com/google/uuid"

	knockerrors "github.com/Kasama/server-knocker/pkg/errors"
	"github.com/Kasama/server-knocker/pkg/metrics"
	"github.com/Kasama/server-knocker/pkg/ratelimit"
)

// Session represents a virtual UDP "connection" for a specific client.
// Since UDP is connectionless, we maintain session state per source
// address: the dedicated backend socket used to relay that client's
// datagrams and route replies back, the last-activity time driving
// per-source eviction, and the backend generation it belongs to.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// RemoteAddr is the client's UDP source address
	RemoteAddr *net.UDPAddr

	// Backend is the dedicated connection to the backend
	Backend *net.UDPConn

	// Generation is the backend incarnation this session relays through
	Generation uint64

	lastActivity time.Time
	mu           sync.Mutex

	// ctx derives from the generation context, so a backend crash
	// cancels every session relaying through it.
	ctx    context.Context
	cancel context.CancelFunc
}

// UpdateActivity updates the last activity timestamp for this session.
func (s *Session) UpdateActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the last activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Close closes the session and its backend socket.
func (s *Session) Close() error {
	s.cancel()
	if s.Backend != nil {
		return s.Backend.Close()
	}
	return nil
}

// SessionManager manages UDP sessions keyed by client source address.
// Sessions are evicted after their own idle window, independent of the
// global idle timer, to bound memory under many transient senders.
type SessionManager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	logger      *slog.Logger
	maxSessions int
	limiter     *ratelimit.TokenBucket
	metrics     *metrics.Metrics
}

// NewSessionManager creates a new session manager. limiter may be nil to
// disable session-creation rate limiting; maxSessions 0 means unlimited.
func NewSessionManager(logger *slog.Logger, maxSessions int, limiter *ratelimit.TokenBucket, m *metrics.Metrics) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		logger:      logger,
		maxSessions: maxSessions,
		limiter:     limiter,
		metrics:     m,
	}
}

// GetOrCreate returns the session for the given source address, creating
// one when the source is unseen or its previous session belonged to a dead
// backend generation. ctx must be the running generation's context.
func (sm *SessionManager) GetOrCreate(ctx context.Context, clientAddr *net.UDPAddr, targetAddr string, gen uint64) (*Session, bool, error) {
	key := clientAddr.String()

	sm.mu.RLock()
	if sess, ok := sm.sessions[key]; ok && sess.ctx.Err() == nil {
		sm.mu.RUnlock()
		sess.UpdateActivity()
		return sess, false, nil
	}
	sm.mu.RUnlock()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check in case another worker created it
	if sess, ok := sm.sessions[key]; ok {
		if sess.ctx.Err() == nil {
			sess.UpdateActivity()
			return sess, false, nil
		}
		// Stale session from a dead generation; replace it.
		sess.Close()
		delete(sm.sessions, key)
	}

	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sm.countSession("rejected")
		return nil, false, fmt.Errorf("%w (%d)", knockerrors.ErrSessionLimit, sm.maxSessions)
	}
	if sm.limiter != nil && !sm.limiter.Allow() {
		sm.countSession("rejected")
		return nil, false, knockerrors.ErrSessionRateLimited
	}

	backendAddr, err := net.ResolveUDPAddr("udp", targetAddr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve backend address %s: %w", targetAddr, err)
	}
	backend, err := net.DialUDP("udp", nil, backendAddr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to dial backend %s: %w", targetAddr, err)
	}

	sessCtx, sessCancel := context.WithCancel(ctx)
	sess := &Session{
		ID:           uuid.New().String(),
		RemoteAddr:   clientAddr,
		Backend:      backend,
		Generation:   gen,
		lastActivity: time.Now(),
		ctx:          sessCtx,
		cancel:       sessCancel,
	}
	sm.sessions[key] = sess

	sm.countSession("created")
	if sm.metrics != nil {
		sm.metrics.SessionsActive.WithLabelValues("udp").Inc()
	}
	sm.logger.Debug("new UDP session",
		slog.String("session", sess.ID),
		slog.String("client", key),
		slog.Uint64("generation", gen))

	return sess, true, nil
}

// Remove removes a session from the manager. The identity check keeps a
// late removal of a stale session from evicting its replacement.
func (sm *SessionManager) Remove(sess *Session) {
	key := sess.RemoteAddr.String()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if cur, ok := sm.sessions[key]; ok && cur == sess {
		delete(sm.sessions, key)
		if sm.metrics != nil {
			sm.metrics.SessionsActive.WithLabelValues("udp").Dec()
		}
	}
}

// Cleanup evicts sessions idle beyond timeout. Runs until ctx is done.
func (sm *SessionManager) Cleanup(ctx context.Context, timeout time.Duration) {
	tick := timeout / 2
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.evictIdle(timeout)
		}
	}
}

func (sm *SessionManager) evictIdle(timeout time.Duration) {
	now := time.Now()
	var expired []string

	sm.mu.RLock()
	for key, sess := range sm.sessions {
		if now.Sub(sess.LastActivity()) > timeout {
			expired = append(expired, key)
		}
	}
	sm.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	sm.mu.Lock()
	for _, key := range expired {
		if sess, ok := sm.sessions[key]; ok {
			sm.logger.Debug("session idle, evicting",
				slog.String("session", sess.ID),
				slog.String("client", key))
			sess.Close()
			delete(sm.sessions, key)
			sm.countSession("evicted")
			if sm.metrics != nil {
				sm.metrics.SessionsActive.WithLabelValues("udp").Dec()
			}
		}
	}
	sm.mu.Unlock()
}

// CloseAll closes every session, used during shutdown.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for key, sess := range sm.sessions {
		sess.Close()
		delete(sm.sessions, key)
		if sm.metrics != nil {
			sm.metrics.SessionsActive.WithLabelValues("udp").Dec()
		}
	}
}

// Count returns the number of active sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *SessionManager) countSession(status string) {
	if sm.metrics != nil {
		sm.metrics.SessionsTotal.WithLabelValues("udp", status).Inc()
	}
}
