// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shm

import (
	"testing"

	"golang.org/x/sys/unix"
)

func memfd(t *testing.T, name string, size int) int {
	t.Helper()
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		t.Fatalf("MemfdCreate: %v", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		t.Fatalf("Ftruncate: %v", err)
	}
	return fd
}

func TestMap_ZeroLengthSamplesRegionRejected(t *testing.T) {
	headerFD := memfd(t, "header", HeaderSize)
	defer unix.Close(headerFD)
	samplesFD := memfd(t, "samples", 4096)
	defer unix.Close(samplesFD)

	if _, err := Map(headerFD, samplesFD, 0, true); err == nil {
		t.Fatalf("expected zero-length samples region to be rejected")
	}
}

func TestRegion_CaptureRoundTrip(t *testing.T) {
	const samplesLen = 4096
	headerFD := memfd(t, "header", HeaderSize)
	samplesFD := memfd(t, "samples", samplesLen)

	region, err := Map(headerFD, samplesFD, samplesLen, true)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer region.Unmap()

	h := region.Header()
	ring := region.Ring()

	const frameSize = 4 // stereo s16le = 2 * 2 bytes
	frame := make([]byte, frameSize)
	for i := range frame {
		frame[i] = 0x34
	}

	// Simulate the server writing 240 frames through the samples fd (the
	// client's mapping of a capture region is read-only) and publishing
	// the cursor.
	for i := int64(0); i < 240; i++ {
		if _, err := unix.Pwrite(samplesFD, frame, i*frameSize); err != nil {
			t.Fatalf("Pwrite: %v", err)
		}
		ring.AdvanceWrite(h, frameSize, 1)
	}

	if got := ring.ReadableFrames(h, frameSize); got != 240 {
		t.Fatalf("expected 240 readable frames, got %d", got)
	}

	dst := make([]byte, 240*frameSize)
	if err := ring.ReadAt(h, frameSize, 240, dst); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range dst {
		if b != 0x34 {
			t.Fatalf("byte %d: expected 0x34, got 0x%02x", i, b)
		}
	}

	ring.AdvanceRead(h, frameSize, 240)
	if got := ring.ReadableFrames(h, frameSize); got != 0 {
		t.Fatalf("expected 0 readable frames after advance, got %d", got)
	}
}

func TestRegion_PartialFrameCountNotAvailable(t *testing.T) {
	const samplesLen = 4096
	headerFD := memfd(t, "header", HeaderSize)
	samplesFD := memfd(t, "samples", samplesLen)

	region, err := Map(headerFD, samplesFD, samplesLen, true)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer region.Unmap()

	h := region.Header()
	ring := region.Ring()
	const frameSize = 4

	frame := make([]byte, 100*frameSize)
	if _, err := unix.Pwrite(samplesFD, frame, 0); err != nil {
		t.Fatalf("Pwrite: %v", err)
	}
	ring.AdvanceWrite(h, frameSize, 100)

	// Server claims 240 frames are ready but only 100 are actually in
	// shared memory — the capture worker must not trust the claim.
	claimed := int64(240)
	if available := ring.ReadableFrames(h, frameSize); available < claimed {
		// Exercises the same check streamworker performs before invoking
		// the user callback (spec §4.3, invariant in spec.md §8).
		return
	}
	t.Fatalf("expected fewer than %d frames to be available", claimed)
}

func TestRing_WrapAround(t *testing.T) {
	const samplesLen = 16
	headerFD := memfd(t, "header", HeaderSize)
	samplesFD := memfd(t, "samples", samplesLen)

	region, err := Map(headerFD, samplesFD, samplesLen, false)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	defer region.Unmap()

	h := region.Header()
	ring := region.Ring()
	const frameSize = 4

	// Fill the whole ring once, then advance read fully, then write
	// again so the write offset wraps past the end of the buffer.
	full := make([]byte, samplesLen)
	for i := range full {
		full[i] = byte(i)
	}
	if err := ring.WriteAt(h, frameSize, 4, full); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	ring.AdvanceWrite(h, frameSize, 4)
	ring.AdvanceRead(h, frameSize, 4)

	wrapped := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	if err := ring.WriteAt(h, frameSize, 2, wrapped); err != nil {
		t.Fatalf("WriteAt (wrap): %v", err)
	}
	ring.AdvanceWrite(h, frameSize, 2)

	dst := make([]byte, 8)
	if err := ring.ReadAt(h, frameSize, 2, dst); err != nil {
		t.Fatalf("ReadAt (wrap): %v", err)
	}
	for i, b := range dst {
		if b != wrapped[i] {
			t.Fatalf("byte %d: expected %d, got %d", i, wrapped[i], b)
		}
	}
}

func TestVersionCounter_RetryOnWriterRace(t *testing.T) {
	var c VersionCounter
	var observed int

	c.BeginWrite() // simulate a writer that is mid-update

	done := make(chan struct{})
	go func() {
		ReadSnapshot(&c, func() { observed++ })
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("ReadSnapshot returned while writer was mid-update")
	default:
	}

	c.EndWrite()
	<-done

	if observed == 0 {
		t.Fatalf("expected copy to run at least once after EndWrite")
	}
}
