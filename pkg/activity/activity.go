// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package activity tracks the shared last-seen traffic timestamp.
//
// A single Clock is shared by every listener, forwarder and datagram worker.
// Writers race freely: only the maximum timestamp matters, so the clock
// advances with a compare-and-swap loop and never moves backward.
package activity

import (
	"sync/atomic"
	"time"
)

// Clock is a thread-safe monotonically advancing last-seen timestamp.
// The zero value reports all time since the unix epoch as idle; use
// NewClock to seed it with the current time.
type Clock struct {
	lastSeen atomic.Int64 // unix nanoseconds
}

// NewClock creates a Clock seeded with the current time.
func NewClock() *Clock {
	c := &Clock{}
	c.lastSeen.Store(time.Now().UnixNano())
	return c
}

// Touch records traffic observed now. Concurrent callers may race but the
// timestamp only ever advances.
func (c *Clock) Touch() {
	now := time.Now().UnixNano()
	for {
		prev := c.lastSeen.Load()
		if prev >= now {
			return
		}
		if c.lastSeen.CompareAndSwap(prev, now) {
			return
		}
	}
}

// LastSeen returns the time traffic was last observed.
func (c *Clock) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// IdleFor returns how long ago traffic was last observed.
func (c *Clock) IdleFor() time.Duration {
	return time.Since(c.LastSeen())
}
