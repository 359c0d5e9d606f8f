// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package control

import (
	"net"

	"github.com/nishisan-dev/audiocore/internal/protocol"
	"github.com/nishisan-dev/audiocore/internal/shm"
	"github.com/nishisan-dev/audiocore/internal/streamworker"
)

// streamEntry is the control worker's bookkeeping record for one
// stream. It exists in WARMUP (region nil, worker already constructed
// and running but blocked on MarkReady) from the moment ADD_STREAM
// returns the assigned id until the server's STREAM_CONNECTED reply
// arrives and shared memory is mapped, satisfying the invariant that
// the stream id is handed to the caller strictly before the audio
// worker begins servicing the audio socket (spec §8).
type streamEntry struct {
	id        uint64
	direction protocol.Direction
	localConn *net.UnixConn
	frameSize int64
	threshold int64
	volume    float32

	playback      streamworker.PlaybackFunc
	capture       streamworker.CaptureFunc
	errorCallback func(err error)

	region *shm.Region
	worker *streamworker.Worker
}

// frameSizeFor returns the per-frame byte size of an AudioFormat:
// sample width times channel count. The core never interprets samples
// beyond this (spec §1 Non-goals), so only the width table is needed.
func frameSizeFor(f protocol.AudioFormat) int64 {
	var width int64
	switch f.Format {
	case protocol.SampleFormatS16LE:
		width = 2
	case protocol.SampleFormatS24LE:
		width = 3
	case protocol.SampleFormatS32LE, protocol.SampleFormatF32LE:
		width = 4
	default:
		width = 2
	}
	return width * int64(f.Channels)
}
