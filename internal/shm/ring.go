// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shm

import "fmt"

// Ring is the samples region: a byte ring buffer addressed in frames.
// Unlike a general-purpose producer/consumer ring (contrast the
// mutex+condvar RingBuffer used for bulk network transfer elsewhere in
// this codebase's lineage), this ring has no internal lock — the
// single-producer/single-consumer invariant (spec §5) is enforced by
// construction: exactly one side ever calls the write path, the other
// only the read path, and the Header's atomic cursors are the only
// synchronization needed.
type Ring struct {
	buf []byte
}

// Capacity returns the ring's size in bytes.
func (r *Ring) Capacity() int64 { return int64(len(r.buf)) }

// ReadableFrames returns how many whole frames are available to read
// given the header's published cursors.
func (r *Ring) ReadableFrames(h *Header, frameSize int64) int64 {
	avail := int64(h.WriteIndex() - h.ReadIndex())
	if avail < 0 {
		return 0
	}
	return avail / frameSize
}

// WritableFrames returns how many whole frames can be written before
// catching up to the reader, given the ring's total capacity.
func (r *Ring) WritableFrames(h *Header, frameSize int64) int64 {
	capacityFrames := r.Capacity() / frameSize
	used := int64(h.WriteIndex()-h.ReadIndex()) / frameSize
	free := capacityFrames - used
	if free < 0 {
		return 0
	}
	return free
}

// ReadAt copies n frames starting at the reader's current read index
// into dst (capture path). It does not advance the read index —
// AdvanceRead does that once the caller has consumed the data,
// matching spec §4.4's "advances the read index with release ordering
// after consumption".
func (r *Ring) ReadAt(h *Header, frameSize, n int64, dst []byte) error {
	if int64(len(dst)) < n*frameSize {
		return fmt.Errorf("shm: dst too small for %d frames", n)
	}
	offset := int64(h.ReadIndex()) % r.Capacity()
	return r.copyWrapped(dst[:n*frameSize], offset, true)
}

// AdvanceRead moves the read index forward by n frames.
func (r *Ring) AdvanceRead(h *Header, frameSize, n int64) {
	h.SetReadIndex(h.ReadIndex() + uint64(n*frameSize))
}

// WriteAt copies n frames from src into the ring starting at the
// writer's current write index (playback path). It does not advance
// the write index — AdvanceWrite does that once the callback has
// populated the buffer.
func (r *Ring) WriteAt(h *Header, frameSize, n int64, src []byte) error {
	if int64(len(src)) < n*frameSize {
		return fmt.Errorf("shm: src too small for %d frames", n)
	}
	offset := int64(h.WriteIndex()) % r.Capacity()
	return r.copyWrapped(src[:n*frameSize], offset, false)
}

// AdvanceWrite moves the write index forward by n frames.
func (r *Ring) AdvanceWrite(h *Header, frameSize, n int64) {
	h.SetWriteIndex(h.WriteIndex() + uint64(n*frameSize))
}

// copyWrapped copies between buf and the ring at offset, handling the
// wrap-around split exactly like a conventional circular buffer; read
// copies ring→buf, write copies buf→ring.
func (r *Ring) copyWrapped(buf []byte, offset int64, fromRing bool) error {
	size := r.Capacity()
	n := int64(len(buf))

	if offset+n <= size {
		if fromRing {
			copy(buf, r.buf[offset:offset+n])
		} else {
			copy(r.buf[offset:offset+n], buf)
		}
		return nil
	}

	firstPart := size - offset
	if fromRing {
		copy(buf[:firstPart], r.buf[offset:])
		copy(buf[firstPart:], r.buf[:n-firstPart])
	} else {
		copy(r.buf[offset:], buf[:firstPart])
		copy(r.buf[:n-firstPart], buf[firstPart:])
	}
	return nil
}
