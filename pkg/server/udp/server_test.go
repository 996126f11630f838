// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Kasama/server-knocker/pkg/activity"
	"github.com/Kasama/server-knocker/pkg/backend"
)

// echoSupervisor simulates the backend process: Spawn binds a real UDP
// socket on the target address and echoes datagrams back. Killing the
// handle closes the socket, like a process death would.
type echoSupervisor struct {
	mu      sync.Mutex
	addr    string
	spawned []*echoHandle
}

type echoHandle struct {
	conn *net.UDPConn
	done chan struct{}
	once sync.Once
}

func (h *echoHandle) PID() int              { return 4242 }
func (h *echoHandle) Done() <-chan struct{} { return h.done }
func (h *echoHandle) ExitErr() error        { return nil }

func (h *echoHandle) exit() {
	h.once.Do(func() {
		h.conn.Close()
		close(h.done)
	})
}

func (f *echoSupervisor) Spawn(ctx context.Context) (backend.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", f.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	h := &echoHandle{
		conn: conn,
		done: make(chan struct{}),
	}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP(buf[:n], src)
		}
	}()

	f.spawned = append(f.spawned, h)
	return h, nil
}

func (f *echoSupervisor) Probe(ctx context.Context, h backend.Handle) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.Done():
		return stderrors.New("backend exited before becoming ready")
	default:
		return nil
	}
}

func (f *echoSupervisor) Terminate(h backend.Handle) error {
	h.(*echoHandle).exit()
	return nil
}

func (f *echoSupervisor) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *echoSupervisor) lastHandle() *echoHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawned) == 0 {
		return nil
	}
	return f.spawned[len(f.spawned)-1]
}

// freeUDPAddr reserves a loopback UDP port and releases it for the test.
func freeUDPAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

type testProxy struct {
	server  *Server
	machine *backend.Machine
	sup     *echoSupervisor
	addr    string
	errCh   chan error
	cancel  context.CancelFunc
}

func startProxy(t *testing.T, sessionTimeout time.Duration, opts ...func(*Config)) *testProxy {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	sup := &echoSupervisor{addr: freeUDPAddr(t)}
	machine := backend.NewMachine(backend.Config{
		Supervisor:     sup,
		Target:         sup.addr,
		StartupTimeout: 2 * time.Second,
		Logger:         logger,
	})
	clock := activity.NewClock()

	addr := freeUDPAddr(t)
	cfg := Config{
		Address:        addr,
		TargetAddress:  sup.addr,
		SessionTimeout: sessionTimeout,
		WorkerPoolSize: 4,
		Logger:         logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	server := New(cfg, machine, clock)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Listen(ctx)
	}()

	// The listener binds before Listen blocks; give it a moment.
	time.Sleep(50 * time.Millisecond)

	p := &testProxy{
		server:  server,
		machine: machine,
		sup:     sup,
		addr:    addr,
		errCh:   errCh,
		cancel:  cancel,
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})
	return p
}

// knock sends datagrams until the backend wakes and echoes one back. The
// first datagram is dropped while the backend boots; the retransmit loop
// mirrors what a real UDP client does.
func knock(t *testing.T, addr string, payload string) *net.UDPConn {
	t.Helper()
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("failed to resolve proxy address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}

	buf := make([]byte, 2048)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := conn.Write([]byte(payload)); err != nil {
			conn.Close()
			t.Fatalf("write failed: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := conn.Read(buf)
		if err != nil {
			continue
		}
		if got := string(buf[:n]); got != payload {
			conn.Close()
			t.Fatalf("expected %q back, got %q", payload, got)
		}
		return conn
	}
	conn.Close()
	t.Fatal("no echo before deadline")
	return nil
}

func TestServer_DatagramRoundTrip(t *testing.T) {
	p := startProxy(t, 5*time.Second)

	conn := knock(t, p.addr, "PING")
	defer conn.Close()

	if got := p.sup.spawnCount(); got != 1 {
		t.Fatalf("expected 1 spawn, got %d", got)
	}
}

func TestServer_DropsDatagramsWhileBackendDown(t *testing.T) {
	p := startProxy(t, 5*time.Second)

	raddr, err := net.ResolveUDPAddr("udp", p.addr)
	if err != nil {
		t.Fatalf("failed to resolve proxy address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer conn.Close()

	// The very first datagram only wakes the backend; no session is
	// created for it and no reply comes back.
	if _, err := conn.Write([]byte("wake")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected no reply to the waking datagram")
	}
	if got := p.server.SessionCount(); got != 0 {
		t.Fatalf("expected 0 sessions after the waking datagram, got %d", got)
	}
}

func TestServer_ConcurrentSourcesSingleSpawn(t *testing.T) {
	p := startProxy(t, 5*time.Second)

	const clients = 8
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := knock(t, p.addr, fmt.Sprintf("client-%d", i))
			conn.Close()
		}(i)
	}
	wg.Wait()

	if got := p.sup.spawnCount(); got != 1 {
		t.Fatalf("expected a single spawn for %d clients, got %d", clients, got)
	}
}

func TestServer_EvictsIdleSessions(t *testing.T) {
	p := startProxy(t, 200*time.Millisecond)

	conn := knock(t, p.addr, "PING")
	defer conn.Close()

	if got := p.server.SessionCount(); got != 1 {
		t.Fatalf("expected 1 session, got %d", got)
	}

	// The per-source window evicts the silent session even though the
	// backend itself is still up.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.server.SessionCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session not evicted, %d still tracked", p.server.SessionCount())
}

func TestServer_BackendCrashEvictsSessionsAndRecovers(t *testing.T) {
	p := startProxy(t, 5*time.Second)

	conn := knock(t, p.addr, "PING")
	conn.Close()

	// Simulate a crash. The generation context cancels, which evicts the
	// session; fresh traffic respawns and gets a new session.
	p.sup.lastHandle().exit()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.server.SessionCount() == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	conn = knock(t, p.addr, "PONG")
	conn.Close()

	if got := p.sup.spawnCount(); got != 2 {
		t.Fatalf("expected a respawn after the crash, got %d spawns", got)
	}
}

// sendExpectNoEcho fires datagrams from one socket and asserts none of
// them gets a reply.
func sendExpectNoEcho(t *testing.T, addr string, payload string, attempts int) {
	t.Helper()
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatalf("failed to resolve proxy address: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		t.Fatalf("failed to dial proxy: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 64)
	for i := 0; i < attempts; i++ {
		if _, err := conn.Write([]byte(payload)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		if _, err := conn.Read(buf); err == nil {
			t.Fatal("expected the datagram to be rejected, got an echo")
		}
	}
}

func TestServer_SessionLimitRejectsSecondSource(t *testing.T) {
	p := startProxy(t, 5*time.Second, func(c *Config) {
		c.MaxSessions = 1
	})

	// The first source takes the only session slot.
	conn := knock(t, p.addr, "FIRST")
	defer conn.Close()

	if got := p.server.SessionCount(); got != 1 {
		t.Fatalf("expected 1 session, got %d", got)
	}

	// A second source cannot get a session while the slot is held; its
	// datagrams are dropped, not queued.
	sendExpectNoEcho(t, p.addr, "SECOND", 5)

	if got := p.server.SessionCount(); got != 1 {
		t.Fatalf("expected the session count pinned at 1, got %d", got)
	}
	if got := p.sup.spawnCount(); got != 1 {
		t.Fatalf("expected 1 spawn, got %d", got)
	}

	// The holder still relays.
	if _, err := conn.Write([]byte("STILL")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got := string(buf[:n]); got != "STILL" {
		t.Fatalf("expected %q back, got %q", "STILL", got)
	}
}

func TestServer_SessionRateLimitRejectsBurst(t *testing.T) {
	p := startProxy(t, 5*time.Second, func(c *Config) {
		c.SessionRate = 1
		c.SessionBurst = 1
	})

	// The first source spends the only token in the bucket.
	conn := knock(t, p.addr, "FIRST")
	conn.Close()

	// A burst of new sources right behind it is rejected until the
	// bucket refills.
	sendExpectNoEcho(t, p.addr, "BURST", 3)
	if got := p.server.SessionCount(); got != 1 {
		t.Fatalf("expected 1 session during the burst, got %d", got)
	}

	// One token per second; a later source gets through.
	time.Sleep(1100 * time.Millisecond)
	late := knock(t, p.addr, "LATE")
	late.Close()

	if got := p.server.SessionCount(); got != 2 {
		t.Fatalf("expected 2 sessions after refill, got %d", got)
	}
}
