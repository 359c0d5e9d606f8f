// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package client

import (
	"github.com/nishisan-dev/audiocore/internal/control"
	"github.com/nishisan-dev/audiocore/internal/protocol"
	"github.com/nishisan-dev/audiocore/internal/streamworker"
)

// StreamParams describes a stream to open via AddStream. Zero
// BufferFrames/CallbackThreshold pick up the client's configured
// defaults (spec §6 stream defaults).
type StreamParams struct {
	Direction         protocol.Direction
	ClientType        uint32
	BufferFrames      uint32
	CallbackThreshold uint32
	Flags             uint32
	Effects           uint32
	Format            protocol.AudioFormat

	// TargetDeviceIndex pins the stream to a device; protocol.NoDevice
	// leaves routing to the server.
	TargetDeviceIndex int64

	Playback streamworker.PlaybackFunc
	Capture  streamworker.CaptureFunc

	// ErrorCallback, if set, is invoked once with the cause when the
	// stream is torn down for any reason other than a clean Remove.
	ErrorCallback func(err error)
}

// Stream is one audio stream opened against the server (spec §2
// "Stream handle. Owns exclusively: ... Lifetime: allocated when the
// user issues add-stream; inserted into the client's stream list only
// after the control worker has sent the stream-connect request and
// started the audio worker."). The id is valid the instant AddStream
// returns, strictly before the audio worker begins running.
type Stream struct {
	id     uint64
	client *Client
}

// ID returns the stream identifier assigned by AddStream.
func (s *Stream) ID() uint64 { return s.id }

// AddStream opens a new stream. It fails with control.ErrNotConnected
// if the client is not currently CONNECTED.
func (c *Client) AddStream(p StreamParams) (*Stream, error) {
	if p.BufferFrames == 0 {
		p.BufferFrames = c.streamBuffer
	}
	if p.CallbackThreshold == 0 {
		p.CallbackThreshold = c.streamThresh
	}

	reply := c.worker.Submit(control.Command{
		Kind: control.CmdAddStream,
		Add: control.AddStreamParams{
			Direction:         p.Direction,
			ClientType:        p.ClientType,
			BufferFrames:      p.BufferFrames,
			CallbackThreshold: p.CallbackThreshold,
			Flags:             p.Flags,
			Effects:           p.Effects,
			Format:            p.Format,
			TargetDeviceIndex: p.TargetDeviceIndex,
			Playback:          p.Playback,
			Capture:           p.Capture,
			ErrorCallback:     p.ErrorCallback,
		},
	})
	if reply.Err != nil {
		return nil, reply.Err
	}
	return &Stream{id: reply.StreamID, client: c}, nil
}

// SetVolume sets the stream's software gain in [0, 1]. The value is
// cached and applied to shared memory even if the stream is still in
// WARMUP, satisfying spec §8's "volume cached before mapping"
// scenario.
func (s *Stream) SetVolume(volume float32) error {
	reply := s.client.worker.Submit(control.Command{
		Kind:     control.CmdSetStreamVolume,
		StreamID: s.id,
		Volume:   volume,
	})
	return reply.Err
}

// SetAECRef pins (or, with protocol.NoDevice, unpins) the device this
// stream's echo canceller should reference.
func (s *Stream) SetAECRef(deviceIdx int64) error {
	reply := s.client.worker.Submit(control.Command{
		Kind:     control.CmdSetAECRef,
		StreamID: s.id,
		AECRef:   deviceIdx,
	})
	return reply.Err
}

// Remove tears the stream down cleanly: it notifies the server, stops
// the audio worker, unmaps shared memory, and does not invoke the
// stream's error callback.
func (s *Stream) Remove() error {
	reply := s.client.worker.Submit(control.Command{
		Kind:     control.CmdRemoveStream,
		StreamID: s.id,
	})
	return reply.Err
}
