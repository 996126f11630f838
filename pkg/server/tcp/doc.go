// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the connection-oriented half of Server Knocker.
//
// # Overview
//
// The TCP server accepts client connections, wakes the backend process on
// first traffic and forwards raw bytes transparently in both directions.
// No protocol inspection happens; the proxy is invisible at L7.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │  Proxy  │ ←─TCP─→ │ Backend │
//	└─────────┘         └─────────┘         └─────────┘
//	                         ↓
//	                 ┌──────────────┐
//	                 │ BackendState │──→ spawn / probe / terminate
//	                 └──────────────┘
//	                         ↓
//	                 ┌──────────────┐
//	                 │ActivityClock │──→ read by the idle monitor
//	                 └──────────────┘
//
// # Connection Flow
//
//  1. Client connects; the activity clock is touched
//  2. RequestStart wakes the backend if it is Stopped
//  3. The handler waits (bounded by StartupTimeout) for Running
//  4. On failure the client connection is closed cleanly
//  5. On success the backend is dialed and two relay goroutines run:
//     - Upstream: client → backend
//     - Downstream: backend → client
//  6. Every relayed chunk touches the activity clock
//  7. Either direction ending closes both sockets
//
// A watcher goroutine observes the backend generation's context; when that
// incarnation crashes, both sockets are closed immediately so clients never
// hang on a dead backend.
//
// # Graceful Shutdown
//
// When the context is cancelled the listener closes, active connections
// drain for up to ShutdownTimeout, then remaining connections are forced
// closed and ErrShutdownTimeout is returned.
package tcp
