// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp provides the datagram-side proxy with on-demand backend wake.
//
// # Overview
//
// UDP has no connections, so the proxy tracks conversations as sessions
// keyed by source address. Each session owns a dedicated socket to the
// backend; replies on that socket are routed back to the session's source
// address through the shared listener.
//
//	             ┌─────────────────────────────────────┐
//	 client A ──►│ listener ──► worker pool ──► session│──► backend
//	 client B ──►│                              session│──► backend
//	             └─────────────────────────────────────┘
//
// # Backend wake
//
// A datagram arriving while the backend is down records activity and
// requests a start, then is dropped. UDP carries no delivery guarantee,
// so the sender's retransmit (or next datagram) is relayed once the
// backend probe succeeds. Nothing is queued while the backend boots.
//
// # Session lifecycle
//
// Sessions are created lazily on the first relayed datagram from a new
// source and carry the backend generation that created them. A backend
// crash or stop cancels the generation context, which evicts every
// session bound to it; the next datagram from the same source creates a
// fresh session against the new backend instance.
//
// Idle sessions are evicted after SessionTimeout independently of the
// global idle timer. Session creation is bounded by MaxSessions and an
// optional token bucket so that a burst of spoofed sources cannot pin
// unbounded memory.
//
// # Usage
//
//	machine := backend.NewMachine(backend.Config{...})
//	clock := activity.NewClock()
//	server := udp.New(udp.Config{
//		Address:       ":27015",
//		TargetAddress: "127.0.0.1:27016",
//	}, machine, clock)
//	err := server.Listen(ctx)
package udp
