// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sys/unix"
)

const (
	// probeInitialBackoff is the delay before the first readiness retry.
	probeInitialBackoff = 100 * time.Millisecond

	// probeMaxBackoff caps the exponential readiness backoff.
	probeMaxBackoff = 2 * time.Second

	// probeDialTimeout bounds a single readiness dial attempt.
	probeDialTimeout = time.Second
)

// Handle identifies one spawned backend process incarnation.
type Handle interface {
	// PID returns the OS process id.
	PID() int

	// Done is closed when the process has exited.
	Done() <-chan struct{}

	// ExitErr returns the exit error after Done is closed, nil for a
	// clean exit.
	ExitErr() error
}

// Supervisor owns the backend's OS process: spawn, readiness probing and
// termination. The state machine drives it; a fake implementation makes the
// lifecycle logic testable without touching real processes.
type Supervisor interface {
	// Spawn launches the backend command and returns a handle to the
	// live process.
	Spawn(ctx context.Context) (Handle, error)

	// Probe repeatedly attempts a lightweight connection to the backend
	// address with bounded exponential backoff until it succeeds or ctx
	// expires.
	Probe(ctx context.Context, h Handle) error

	// Terminate sends a graceful termination signal, waits up to the
	// grace period, then force-kills. It returns once the process has
	// exited and is a no-op for an already dead handle.
	Terminate(h Handle) error
}

// ExecConfig holds the OS process supervisor configuration.
type ExecConfig struct {
	// Command is the backend command line, split shell-style. The
	// command is expected to listen on TargetAddress.
	Command string

	// TargetAddress is the backend address probed for readiness (host:port).
	TargetAddress string

	// Network is the probe network, "tcp" or "udp".
	Network string

	// GracePeriod is the wait between SIGTERM and SIGKILL.
	GracePeriod time.Duration

	// Logger for process events and relayed child output
	Logger *slog.Logger
}

// ExecSupervisor spawns the backend with os/exec. The child runs in its own
// session so that termination signals reach its whole process group, and its
// stdout/stderr are relayed line by line through the logger.
type ExecSupervisor struct {
	config ExecConfig
}

// NewExecSupervisor creates an OS process supervisor.
func NewExecSupervisor(cfg ExecConfig) *ExecSupervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Network == "" {
		cfg.Network = "tcp"
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 10 * time.Second
	}

	return &ExecSupervisor{config: cfg}
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

func (h *execHandle) ExitErr() error {
	return h.err
}

// Spawn launches the backend command in a new session.
func (s *ExecSupervisor) Spawn(ctx context.Context) (Handle, error) {
	words, err := shlex.Split(s.config.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to split command %q: %w", s.config.Command, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("empty backend command")
	}

	cmd := exec.Command(words[0], words[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %q: %w", words[0], err)
	}

	logger := s.config.Logger.With(slog.Int("pid", cmd.Process.Pid))
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			logger.Info(scanner.Text(), slog.String("stream", "stdout"))
		}
	}()
	go func() {
		defer pipes.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			logger.Info(scanner.Text(), slog.String("stream", "stderr"))
		}
	}()

	h := &execHandle{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		// Drain the output pipes fully before Wait reclaims them.
		pipes.Wait()
		h.err = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

// Probe dials the backend address until it answers or ctx expires. For UDP
// a connected-socket write is used: an absent listener surfaces as an ICMP
// port-unreachable error on a subsequent write.
func (s *ExecSupervisor) Probe(ctx context.Context, h Handle) error {
	backoff := probeInitialBackoff

	for attempt := 1; ; attempt++ {
		var err error
		switch s.config.Network {
		case "udp":
			err = s.probeUDP()
		default:
			err = s.probeTCP()
		}
		if err == nil {
			return nil
		}

		s.config.Logger.Debug("readiness probe failed",
			slog.Int("attempt", attempt),
			slog.String("target", s.config.TargetAddress),
			slog.String("error", err.Error()))

		select {
		case <-ctx.Done():
			return fmt.Errorf("readiness probe gave up after %d attempts: %w", attempt, ctx.Err())
		case <-h.Done():
			return fmt.Errorf("backend exited before becoming ready")
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > probeMaxBackoff {
			backoff = probeMaxBackoff
		}
	}
}

func (s *ExecSupervisor) probeTCP() error {
	conn, err := net.DialTimeout("tcp", s.config.TargetAddress, probeDialTimeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (s *ExecSupervisor) probeUDP() error {
	conn, err := net.DialTimeout("udp", s.config.TargetAddress, probeDialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	// First write primes the socket; a port-unreachable for it is
	// reported on the second write.
	if _, err := conn.Write([]byte{}); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := conn.Write([]byte{}); err != nil {
		return err
	}
	return nil
}

// Terminate signals the backend's process group with SIGTERM, waits up to
// the grace period and SIGKILLs the group if it is still alive.
func (s *ExecSupervisor) Terminate(h Handle) error {
	select {
	case <-h.Done():
		return nil
	default:
	}

	pid := h.PID()
	// Negative pid addresses the process group created by Setsid, so
	// children spawned by the backend are terminated with it.
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to signal process group %d: %w", pid, err)
	}

	select {
	case <-h.Done():
		return nil
	case <-time.After(s.config.GracePeriod):
	}

	s.config.Logger.Warn("backend ignored SIGTERM, killing",
		slog.Int("pid", pid),
		slog.Duration("grace_period", s.config.GracePeriod))
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && err != unix.ESRCH {
		return fmt.Errorf("failed to kill process group %d: %w", pid, err)
	}

	<-h.Done()
	return nil
}
