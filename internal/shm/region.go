// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package shm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is a stream's mapped shared-memory transport: the header plus
// the samples ring. Map is called exactly once, after the stream's
// connect reply arrives (spec invariant); Unmap is called exactly once,
// on removal or client teardown.
type Region struct {
	header     []byte
	samples    []byte
	headerFD   int
	samplesFD  int
	readOnly   bool
}

// Map maps the header region (read-write, always — the client both
// reads and writes cursors/volume into it) and the samples region,
// read-only for capture streams and read-write for playback, per
// spec §4.4 "Establishment".
func Map(headerFD, samplesFD int, samplesLen uint32, capture bool) (*Region, error) {
	if samplesLen == 0 {
		return nil, fmt.Errorf("shm: zero-length samples region")
	}

	header, err := unix.Mmap(headerFD, 0, HeaderSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mapping header region: %w", err)
	}

	prot := unix.PROT_READ
	if !capture {
		prot |= unix.PROT_WRITE
	}
	samples, err := unix.Mmap(samplesFD, 0, int(samplesLen), prot, unix.MAP_SHARED)
	if err != nil {
		unix.Munmap(header)
		return nil, fmt.Errorf("shm: mapping samples region: %w", err)
	}

	return &Region{
		header:    header,
		samples:   samples,
		headerFD:  headerFD,
		samplesFD: samplesFD,
		readOnly:  capture,
	}, nil
}

// Header returns the region's header overlaid onto the mapped bytes.
// sync/atomic's types have the same in-memory representation as the
// plain integers they wrap, so casting the mapped buffer's backing
// array into *Header is safe as long as HeaderSize is large enough —
// asserted once here rather than trusted silently.
func (r *Region) Header() *Header {
	if len(r.header) < int(unsafe.Sizeof(Header{})) {
		panic("shm: mapped header region smaller than Header struct")
	}
	return (*Header)(unsafe.Pointer(&r.header[0]))
}

// Ring returns the samples ring view over the mapped samples region.
func (r *Region) Ring() *Ring {
	return &Ring{buf: r.samples}
}

// Unmap releases both mappings and closes the backing fds. Safe to
// call once; the owning Stream guarantees single-call via its
// removal path.
func (r *Region) Unmap() error {
	var firstErr error
	if err := unix.Munmap(r.header); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shm: unmapping header: %w", err)
	}
	if err := unix.Munmap(r.samples); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shm: unmapping samples: %w", err)
	}
	if err := unix.Close(r.headerFD); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shm: closing header fd: %w", err)
	}
	if err := unix.Close(r.samplesFD); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("shm: closing samples fd: %w", err)
	}
	return firstErr
}
