// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Kasama/server-knocker/pkg/errors"
	"github.com/Kasama/server-knocker/pkg/metrics"
)

// State represents the backend lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config holds the state machine configuration.
type Config struct {
	// Supervisor owns the backend OS process.
	Supervisor Supervisor

	// Target is the backend address, used for logging and metric labels.
	Target string

	// StartupTimeout bounds the time from spawn until the readiness
	// probe must succeed. After it, the unready process is killed and
	// waiting clients fail.
	StartupTimeout time.Duration

	// Logger for state transitions
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Machine is the backend lifecycle state machine. It is shared by every
// connection and by the idle monitor; all transitions are serialized under
// its mutex and no I/O ever happens while it is held.
//
// Each successful start increments the generation counter. Stop requests
// carry the generation they were issued against and are discarded when a
// newer start has superseded them.
type Machine struct {
	config Config

	mu           sync.Mutex
	state        State
	gen          uint64
	handle       Handle
	pendingStart bool
	closed       bool
	startErr     error
	changed      chan struct{}
	genCtx       context.Context
	genCancel    context.CancelFunc
}

// NewMachine creates a backend state machine in the Stopped state.
func NewMachine(cfg Config) *Machine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}

	return &Machine{
		config:  cfg,
		state:   StateStopped,
		changed: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation returns the current backend incarnation number.
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// RunningContext returns the current generation and its context without
// blocking. ok is false unless the backend is Running. The datagram path
// uses it: datagrams arriving before readiness are dropped, not queued.
func (m *Machine) RunningContext() (uint64, context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return 0, nil, false
	}
	return m.gen, m.genCtx, true
}

// RequestStart transitions Stopped to Starting and spawns the backend.
// It is a no-op while Starting or Running. During Stopping it queues a
// start that is honored once the termination completes. Concurrent callers
// observe a single winner; the spawn happens exactly once per generation.
func (m *Machine) RequestStart() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	switch m.state {
	case StateStarting, StateRunning:
		return
	case StateStopping:
		m.pendingStart = true
		return
	case StateStopped:
		m.startLocked()
	}
}

// RequestStop transitions Running to Stopping and begins termination.
// The request is discarded if gen no longer matches the current generation
// (a newer start superseded it) or if the backend is not Running. A stop is
// never issued against a Starting backend; callers such as the idle monitor
// simply retry on a later tick once Running is reached.
func (m *Machine) RequestStop(gen uint64) {
	m.mu.Lock()

	if gen != m.gen {
		m.mu.Unlock()
		m.config.Logger.Debug("discarding stale stop request",
			slog.Uint64("generation", gen))
		return
	}
	if m.state != StateRunning {
		m.mu.Unlock()
		return
	}

	m.state = StateStopping
	h := m.handle
	m.broadcastLocked()
	m.mu.Unlock()

	m.config.Logger.Info("stopping backend",
		slog.Uint64("generation", gen),
		slog.String("target", m.config.Target))
	m.setStateMetric(StateStopping)

	go func() {
		// The exit watcher delivers the Stopped transition.
		if err := m.config.Supervisor.Terminate(h); err != nil {
			m.config.Logger.Error("backend termination error",
				slog.Uint64("generation", gen),
				slog.String("error", err.Error()))
		}
	}()
}

// AwaitRunning blocks until the backend reaches Running or the current
// start attempt definitively fails. On success it returns the running
// generation and that generation's context, which is cancelled the moment
// the incarnation dies; forwarders watch it to drop their client sockets
// on a crash. Callers bound the wait through ctx.
func (m *Machine) AwaitRunning(ctx context.Context) (uint64, context.Context, error) {
	restarted := false
	for {
		m.mu.Lock()
		switch m.state {
		case StateRunning:
			gen, genCtx := m.gen, m.genCtx
			m.mu.Unlock()
			return gen, genCtx, nil
		case StateStopped:
			// A clean stop (nil startErr) observed here means an idle
			// stop landed between the caller's start request and this
			// wait. The caller is fresh traffic, so restart once; a
			// failed start carries its cause and is not retried.
			if m.startErr == nil && !restarted && !m.closed {
				restarted = true
				m.startLocked()
				m.mu.Unlock()
				continue
			}
			err := m.startErr
			m.mu.Unlock()
			if err == nil {
				err = errors.ErrBackendUnavailable
			}
			return 0, nil, err
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
}

// Shutdown terminates any live backend and waits until the machine settles
// in Stopped, bounded by ctx. Pending starts are discarded and later start
// requests are ignored. No child process survives a completed Shutdown.
func (m *Machine) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.pendingStart = false
	switch m.state {
	case StateRunning, StateStarting:
		h := m.handle
		m.state = StateStopping
		m.broadcastLocked()
		m.mu.Unlock()
		if h != nil {
			go func() {
				_ = m.config.Supervisor.Terminate(h)
			}()
		}
		// With no handle yet the start goroutine is still inside Spawn;
		// it observes the state change and cleans up itself.
	default:
		m.mu.Unlock()
	}

	for {
		m.mu.Lock()
		if m.state == StateStopped {
			m.mu.Unlock()
			return nil
		}
		ch := m.changed
		m.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// startLocked begins a new generation. Callers must hold m.mu.
func (m *Machine) startLocked() {
	m.gen++
	gen := m.gen
	m.state = StateStarting
	m.startErr = nil
	m.genCtx, m.genCancel = context.WithCancel(context.Background())
	m.broadcastLocked()

	m.config.Logger.Info("starting backend",
		slog.Uint64("generation", gen),
		slog.String("target", m.config.Target))
	if m.config.Metrics != nil {
		m.config.Metrics.BackendStarts.WithLabelValues(m.config.Target).Inc()
	}
	m.setStateMetric(StateStarting)

	go m.start(gen)
}

// start runs the spawn, watch and probe sequence for one generation.
func (m *Machine) start(gen uint64) {
	began := time.Now()

	handle, err := m.config.Supervisor.Spawn(context.Background())
	if err != nil {
		m.config.Logger.Error("backend spawn failed",
			slog.Uint64("generation", gen),
			slog.String("error", err.Error()))
		if m.config.Metrics != nil {
			m.config.Metrics.SpawnFailures.WithLabelValues(m.config.Target, "spawn").Inc()
		}
		m.markStopped(gen, errors.ErrBackendUnavailable)
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateStarting {
		// Superseded while spawning (shutdown raced the start).
		m.mu.Unlock()
		_ = m.config.Supervisor.Terminate(handle)
		m.markStopped(gen, nil)
		return
	}
	m.handle = handle
	probeCtx, probeCancel := context.WithTimeout(m.genCtx, m.config.StartupTimeout)
	m.mu.Unlock()
	defer probeCancel()

	m.config.Logger.Debug("backend spawned",
		slog.Uint64("generation", gen),
		slog.Int("pid", handle.PID()))

	// Exit watcher: detects a crash in any state and unblocks waiters.
	go func() {
		<-handle.Done()
		if err := handle.ExitErr(); err != nil {
			m.config.Logger.Debug("backend exited",
				slog.Uint64("generation", gen),
				slog.String("error", err.Error()))
		}
		m.markStopped(gen, nil)
	}()

	if err := m.config.Supervisor.Probe(probeCtx, handle); err != nil {
		m.config.Logger.Error("backend never became ready",
			slog.Uint64("generation", gen),
			slog.String("error", err.Error()))
		if m.config.Metrics != nil {
			m.config.Metrics.SpawnFailures.WithLabelValues(m.config.Target, "probe").Inc()
		}
		// Record the failure before killing the process so the exit
		// watcher's transition is observed as already handled.
		m.markStopped(gen, errors.ErrStartupTimeout)
		_ = m.config.Supervisor.Terminate(handle)
		return
	}

	m.markReady(gen, time.Since(began))
}

// markReady transitions Starting to Running for a matching generation.
func (m *Machine) markReady(gen uint64, startupTime time.Duration) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateStarting {
		m.mu.Unlock()
		return
	}
	m.state = StateRunning
	m.broadcastLocked()
	m.mu.Unlock()

	m.config.Logger.Info("backend ready",
		slog.Uint64("generation", gen),
		slog.Duration("startup_time", startupTime))
	if m.config.Metrics != nil {
		m.config.Metrics.StartupDuration.WithLabelValues(m.config.Target).Observe(startupTime.Seconds())
	}
	m.setStateMetric(StateRunning)
}

// markStopped settles a generation in Stopped from any state. A nil cause
// on a generation that was not Stopping is recorded as a crash. Stale
// generations are ignored. A queued pending start begins immediately.
func (m *Machine) markStopped(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.state == StateStopped {
		m.mu.Unlock()
		return
	}

	wasState := m.state
	m.state = StateStopped
	m.handle = nil

	switch {
	case wasState == StateStopping:
		m.startErr = nil
	case cause != nil:
		m.startErr = cause
	default:
		m.startErr = errors.ErrBackendCrashed
	}
	crashed := m.startErr != nil && cause == nil

	if m.genCancel != nil {
		m.genCancel()
	}
	m.broadcastLocked()

	pending := m.pendingStart
	m.pendingStart = false
	if pending {
		m.startLocked()
	}
	m.mu.Unlock()

	if crashed {
		m.config.Logger.Warn("backend exited unexpectedly",
			slog.Uint64("generation", gen),
			slog.String("state", wasState.String()))
		if m.config.Metrics != nil {
			m.config.Metrics.BackendCrashes.WithLabelValues(m.config.Target).Inc()
		}
	} else {
		m.config.Logger.Info("backend stopped", slog.Uint64("generation", gen))
	}
	if !pending {
		m.setStateMetric(StateStopped)
	}
}

// broadcastLocked wakes every waiter blocked on a state change.
// Callers must hold m.mu.
func (m *Machine) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *Machine) setStateMetric(s State) {
	if m.config.Metrics != nil {
		m.config.Metrics.BackendState.WithLabelValues(m.config.Target).Set(float64(s))
	}
}
