// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backend manages the proxied application's process lifecycle.
//
// # Overview
//
// The package has two halves: Machine, the lifecycle state machine shared
// by every connection, and Supervisor, the capability interface owning the
// OS process (spawn, readiness probing, termination).
//
// # State machine
//
//	          RequestStart              probe ok
//	Stopped ───────────────→ Starting ───────────→ Running
//	   ↑                        │                     │
//	   │ exit observed          │ probe timeout       │ RequestStop(gen)
//	   │                        ↓                     ↓
//	   └──────────────────── (killed)             Stopping
//	   ↑                                              │
//	   └──────────────────────────────────────────────┘
//	                    exit observed
//
// Transitions are linearized under the machine mutex; concurrent callers
// requesting the same transition observe a single winner. A crash observed
// by the exit watcher forces Stopped from any state.
//
// # Generations
//
// Every start increments a generation counter. A stop request carries the
// generation it was issued against and is discarded if a newer start has
// superseded it, so an idle-timer stop can never kill a freshly restarted
// backend. Each generation owns a context that is cancelled when the
// incarnation dies; forwarders derive from it to drop client sockets the
// moment the backend crashes.
//
// # Stop while Starting
//
// A stop is never issued against a Starting backend: killing a process that
// has not finished initializing risks orphaning partially-created state.
// Stop requests during Starting are no-ops; the idle monitor re-observes on
// a later tick once Running is reached.
//
// # Process ownership
//
// ExecSupervisor runs the backend in its own session (Setsid) so that
// SIGTERM and SIGKILL address the whole process group, and relays the
// child's stdout/stderr line by line through the structured logger.
// Termination is SIGTERM, a bounded grace period, then SIGKILL.
package backend
