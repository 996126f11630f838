// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package idle stops the backend after a period without traffic.
package idle

import (
	"context"
	"log/slog"
	"time"

	"github.com/Kasama/server-knocker/pkg/activity"
	"github.com/Kasama/server-knocker/pkg/backend"
	"github.com/Kasama/server-knocker/pkg/metrics"
)

// maxTick caps the tick interval so a long idle timeout is still enforced
// with at most one second of slack.
const maxTick = time.Second

// Config holds the idle monitor configuration.
type Config struct {
	// Timeout is the duration without observed traffic after which the
	// backend is stopped.
	Timeout time.Duration

	// Tick overrides the check interval. Zero picks Timeout/10 capped
	// at one second.
	Tick time.Duration

	// Target is the backend address, used for metric labels.
	Target string

	// Logger for monitor events
	Logger *slog.Logger

	// Metrics is optional instrumentation.
	Metrics *metrics.Metrics
}

// Monitor periodically compares the activity clock against the idle
// timeout and requests a backend stop when it elapses. It has no traffic
// path of its own and runs for the lifetime of the proxy.
type Monitor struct {
	config  Config
	clock   *activity.Clock
	machine *backend.Machine
}

// New creates an idle monitor watching clock and driving machine.
func New(cfg Config, clock *activity.Clock, machine *backend.Machine) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tick == 0 {
		cfg.Tick = cfg.Timeout / 10
		if cfg.Tick > maxTick {
			cfg.Tick = maxTick
		}
		if cfg.Tick <= 0 {
			cfg.Tick = maxTick
		}
	}

	return &Monitor{
		config:  cfg,
		clock:   clock,
		machine: machine,
	}
}

// Run blocks until ctx is cancelled, checking for idleness on every tick.
// Repeated ticks while a stop is already in progress are no-ops: the stop
// request carries the generation observed on this tick and the state
// machine discards anything stale or not Running.
func (m *Monitor) Run(ctx context.Context) error {
	m.config.Logger.Info("idle monitor started",
		slog.Duration("idle_timeout", m.config.Timeout),
		slog.Duration("tick", m.config.Tick))

	ticker := time.NewTicker(m.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.config.Logger.Debug("idle monitor stopped")
			return nil
		case <-ticker.C:
			m.check()
		}
	}
}

func (m *Monitor) check() {
	if m.machine.State() != backend.StateRunning {
		return
	}
	idle := m.clock.IdleFor()
	if idle < m.config.Timeout {
		return
	}

	gen := m.machine.Generation()
	m.config.Logger.Info("backend idle, requesting stop",
		slog.Duration("idle", idle),
		slog.Uint64("generation", gen))
	if m.config.Metrics != nil {
		m.config.Metrics.IdleStops.WithLabelValues(m.config.Target).Inc()
	}
	m.machine.RequestStop(gen)
}
