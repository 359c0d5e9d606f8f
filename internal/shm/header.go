// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package shm implements the per-stream shared-memory audio transport
// (spec §3, §4.4): a header region with atomic cursors, dropped-sample
// and underrun counters, a sample timestamp and overrun count, plus a
// samples ring buffer. The header is written by one side and read by
// the other using Go's sequentially-consistent atomics, which are a
// safe superset of the acquire/release ordering the source protocol
// relies on — no locks guard the sample path.
package shm

import (
	"math"
	"sync/atomic"
	"time"
)

// Header is the shared-memory header region for one stream. Every
// field here lives in the mapped region in the real protocol; this Go
// struct models the same layout with atomic accessors instead of raw
// pointer arithmetic: Region.Header (see region.go) casts the first
// byte of the mapped header slice to *Header, overlaying these fields
// onto it.
type Header struct {
	writeIndex   atomic.Uint64 // samples-region offset, monotonically increasing
	readIndex    atomic.Uint64
	tsSeconds    atomic.Int64
	tsNanos      atomic.Int64
	overrunFrames atomic.Uint64 // incremented by the server only
	droppedNanos atomic.Int64
	underrunNanos atomic.Int64
	volumeBits   atomic.Uint32 // float32 bits
}

// HeaderSize is the wire size of Header: seven 8-byte fields and a
// 4-byte volume field, padded to 64 bytes.
const HeaderSize = 64

// WriteIndex / ReadIndex are the ring cursors. The writer of each
// advances it with a Store (release); the other side observes it with
// a Load (acquire, per Go's atomic memory model that's guaranteed by
// the sequentially-consistent Store/Load pair).
func (h *Header) WriteIndex() uint64        { return h.writeIndex.Load() }
func (h *Header) SetWriteIndex(v uint64)    { h.writeIndex.Store(v) }
func (h *Header) ReadIndex() uint64         { return h.readIndex.Load() }
func (h *Header) SetReadIndex(v uint64)     { h.readIndex.Store(v) }

// Timestamp returns the sample timestamp the server publishes.
func (h *Header) Timestamp() time.Time {
	return time.Unix(h.tsSeconds.Load(), h.tsNanos.Load())
}

// SetTimestamp is used by test doubles acting as the server side.
func (h *Header) SetTimestamp(t time.Time) {
	h.tsSeconds.Store(t.Unix())
	h.tsNanos.Store(int64(t.Nanosecond()))
}

// OverrunFrames is read-only to the client: incremented by the server
// whenever it overwrote samples the client had not yet consumed.
func (h *Header) OverrunFrames() uint64 { return h.overrunFrames.Load() }

// AddOverrunFrames is used by test doubles acting as the server side.
func (h *Header) AddOverrunFrames(n uint64) { h.overrunFrames.Add(n) }

// DroppedDuration / UnderrunDuration are cumulative counters the
// server publishes; the client only reads them.
func (h *Header) DroppedDuration() time.Duration {
	return time.Duration(h.droppedNanos.Load())
}
func (h *Header) AddDroppedDuration(d time.Duration) { h.droppedNanos.Add(int64(d)) }

func (h *Header) UnderrunDuration() time.Duration {
	return time.Duration(h.underrunNanos.Load())
}
func (h *Header) AddUnderrunDuration(d time.Duration) { h.underrunNanos.Add(int64(d)) }

// Volume is the stream volume scalar, written by the client on change
// (spec §4.4 "Volume application") and read by the server.
func (h *Header) Volume() float32 {
	return math.Float32frombits(h.volumeBits.Load())
}
func (h *Header) SetVolume(v float32) {
	h.volumeBits.Store(math.Float32bits(v))
}
