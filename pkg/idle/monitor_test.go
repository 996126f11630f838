// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package idle

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Kasama/server-knocker/pkg/activity"
	"github.com/Kasama/server-knocker/pkg/backend"
)

type fakeHandle struct {
	done chan struct{}
	once sync.Once
}

func (h *fakeHandle) PID() int              { return 4242 }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) ExitErr() error        { return nil }

type fakeSupervisor struct {
	mu      sync.Mutex
	spawned []*fakeHandle
}

func (f *fakeSupervisor) Spawn(ctx context.Context) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{done: make(chan struct{})}
	f.spawned = append(f.spawned, h)
	return h, nil
}

func (f *fakeSupervisor) Probe(ctx context.Context, h backend.Handle) error {
	return nil
}

func (f *fakeSupervisor) Terminate(h backend.Handle) error {
	fh := h.(*fakeHandle)
	fh.once.Do(func() { close(fh.done) })
	return nil
}

func (f *fakeSupervisor) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func newRunningMachine(t *testing.T, sup backend.Supervisor) *backend.Machine {
	t.Helper()
	m := backend.NewMachine(backend.Config{
		Supervisor:     sup,
		Target:         "localhost:9",
		StartupTimeout: time.Second,
		Logger:         slog.New(slog.NewTextHandler(os.Stdout, nil)),
	})
	m.RequestStart()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := m.AwaitRunning(ctx); err != nil {
		t.Fatalf("machine never reached Running: %v", err)
	}
	return m
}

func waitForState(t *testing.T, m *backend.Machine, want backend.State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("machine never reached %v within %v, stuck at %v", want, within, m.State())
}

func TestMonitor_StopsIdleBackend(t *testing.T) {
	sup := &fakeSupervisor{}
	machine := newRunningMachine(t, sup)
	clock := activity.NewClock()

	mon := New(Config{
		Timeout: 50 * time.Millisecond,
		Tick:    10 * time.Millisecond,
		Logger:  slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}, clock, machine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	// No traffic: the backend must stop within one tick past the deadline.
	waitForState(t, machine, backend.StateStopped, time.Second)
}

func TestMonitor_TrafficKeepsBackendAlive(t *testing.T) {
	sup := &fakeSupervisor{}
	machine := newRunningMachine(t, sup)
	clock := activity.NewClock()

	mon := New(Config{
		Timeout: 50 * time.Millisecond,
		Tick:    10 * time.Millisecond,
		Logger:  slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}, clock, machine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	// Keep touching the clock faster than the timeout.
	for i := 0; i < 10; i++ {
		clock.Touch()
		time.Sleep(20 * time.Millisecond)
		if got := machine.State(); got != backend.StateRunning {
			t.Fatalf("backend stopped despite traffic, state %v", got)
		}
	}
}

func TestMonitor_NeverSpawnsAStoppedBackend(t *testing.T) {
	sup := &fakeSupervisor{}
	machine := backend.NewMachine(backend.Config{
		Supervisor: sup,
		Target:     "localhost:9",
		Logger:     slog.New(slog.NewTextHandler(os.Stdout, nil)),
	})
	clock := activity.NewClock()

	mon := New(Config{
		Timeout: 20 * time.Millisecond,
		Tick:    5 * time.Millisecond,
		Logger:  slog.New(slog.NewTextHandler(os.Stdout, nil)),
	}, clock, machine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mon.Run(ctx)

	// Far longer than the idle timeout with zero traffic.
	time.Sleep(200 * time.Millisecond)

	if got := machine.State(); got != backend.StateStopped {
		t.Errorf("expected Stopped, got %v", got)
	}
	if got := sup.spawnCount(); got != 0 {
		t.Errorf("idle monitor spawned the backend: %d spawns", got)
	}
}

func TestMonitor_DefaultTick(t *testing.T) {
	clock := activity.NewClock()
	machine := backend.NewMachine(backend.Config{
		Supervisor: &fakeSupervisor{},
		Logger:     slog.New(slog.NewTextHandler(os.Stdout, nil)),
	})

	cases := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{timeout: time.Hour, want: time.Second},
		{timeout: 5 * time.Second, want: 500 * time.Millisecond},
		{timeout: 20 * time.Second, want: time.Second},
	}
	for _, tc := range cases {
		mon := New(Config{Timeout: tc.timeout}, clock, machine)
		if mon.config.Tick != tc.want {
			t.Errorf("timeout %v: expected tick %v, got %v", tc.timeout, tc.want, mon.config.Tick)
		}
	}
}
