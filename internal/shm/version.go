// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shm

import "sync/atomic"

// VersionCounter implements the odd/even update-count protocol the
// server-state region uses (spec §4.4 "State-version protocol"): the
// writer increments the counter to an odd value before mutating
// fields, then to the next even value once done. A reader snapshots
// the counter, copies fields, and rechecks — a mismatch, or catching
// an odd value, means retry.
type VersionCounter struct {
	v atomic.Uint32
}

// Load returns the current counter value.
func (c *VersionCounter) Load() uint32 { return c.v.Load() }

// BeginWrite marks the region as mid-update (odd). Only the publishing
// side (the server, in production; a test double here) calls this.
func (c *VersionCounter) BeginWrite() {
	for {
		cur := c.v.Load()
		if cur%2 == 0 {
			if c.v.CompareAndSwap(cur, cur+1) {
				return
			}
			continue
		}
		return // already mid-update, e.g. reentrant test double
	}
}

// EndWrite marks the region as stable again (even).
func (c *VersionCounter) EndWrite() {
	c.v.Add(1)
}

// ReadSnapshot runs copy as many times as needed: it snapshots the counter,
// invokes copy to pull fields out of the region, then rechecks the
// counter. copy must be idempotent and side-effect-free besides
// populating the caller's own snapshot struct.
func ReadSnapshot(c *VersionCounter, copy func()) {
	for {
		before := c.Load()
		if before%2 != 0 {
			continue // writer mid-update, retry immediately
		}
		copy()
		after := c.Load()
		if before == after {
			return
		}
	}
}
