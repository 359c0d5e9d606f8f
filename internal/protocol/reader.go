// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Frame is a decoded control-socket record: its magic, the raw
// payload, and any auxiliary fds carried alongside it (populated by
// ReadFrameWithRights; zero for ReadFrame).
type Frame struct {
	Magic   [4]byte
	Payload []byte
	FDs     []int
}

// ReadFrame reads one magic-prefixed, length-prefixed record from r.
// It never blocks past the frame boundary: a short read is always a
// genuine I/O error (EOF, reset) surfaced per spec §7 as transient
// transport.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	var magic [4]byte
	copy(magic[:], hdr[0:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Magic: magic, Payload: payload}, nil
}

// payloadCursor reads fields sequentially out of a frame payload,
// returning ErrTruncatedFrame the moment it runs out of bytes.
type payloadCursor struct {
	b   []byte
	off int
}

func (c *payloadCursor) need(n int) error {
	if len(c.b)-c.off < n {
		return ErrTruncatedFrame
	}
	return nil
}

func (c *payloadCursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.b[c.off]
	c.off++
	return v, nil
}

func (c *payloadCursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.b[c.off : c.off+4])
	c.off += 4
	return v, nil
}

func (c *payloadCursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.b[c.off : c.off+8])
	c.off += 8
	return v, nil
}

func (c *payloadCursor) i64() (int64, error) {
	v, err := c.u64()
	return int64(v), err
}

func (c *payloadCursor) f32() (float32, error) {
	v, err := c.u32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (c *payloadCursor) bytes() ([]byte, error) {
	n, err := c.u32()
	if err != nil {
		return nil, err
	}
	if err := c.need(int(n)); err != nil {
		return nil, err
	}
	out := c.b[c.off : c.off+int(n)]
	c.off += int(n)
	return out, nil
}

func (c *payloadCursor) str() (string, error) {
	b, err := c.bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeConnected parses a CONNECTED payload; the caller separately
// retrieves the server-state region fd from the frame's auxiliary fds
// (exactly one expected — ErrFDCountMismatch otherwise).
func DecodeConnected(p []byte) (ConnectedMsg, error) {
	c := payloadCursor{b: p}
	id, err := c.u32()
	if err != nil {
		return ConnectedMsg{}, err
	}
	return ConnectedMsg{ClientID: id}, nil
}

// DecodeStreamConnectReply parses a STREAM_CONNECTED payload; the
// caller separately retrieves the header+samples region fds (exactly
// two expected).
func DecodeStreamConnectReply(p []byte) (StreamConnectReply, error) {
	c := payloadCursor{b: p}
	id, err := c.u64()
	if err != nil {
		return StreamConnectReply{}, err
	}
	sz, err := c.u32()
	if err != nil {
		return StreamConnectReply{}, err
	}
	if sz == 0 {
		return StreamConnectReply{}, fmt.Errorf("protocol: zero-length samples region rejected")
	}
	return StreamConnectReply{StreamID: id, SamplesRegionLen: sz}, nil
}

// DecodeNotifyEvent parses a pushed notification event.
func DecodeNotifyEvent(p []byte) (NotifyEvent, error) {
	c := payloadCursor{b: p}
	kind, err := c.u8()
	if err != nil {
		return NotifyEvent{}, err
	}
	if kind >= uint8(notificationKindCount) {
		return NotifyEvent{}, fmt.Errorf("protocol: unknown notification kind %d", kind)
	}
	payload, err := c.bytes()
	if err != nil {
		return NotifyEvent{}, err
	}
	return NotifyEvent{Kind: NotificationKind(kind), Payload: append([]byte(nil), payload...)}, nil
}

// DecodeDebugInfoReady parses a DEBUG_INFO_READY payload.
func DecodeDebugInfoReady(p []byte) (DebugInfoReady, error) {
	c := payloadCursor{b: p}
	sz, err := c.u32()
	if err != nil {
		return DebugInfoReady{}, err
	}
	return DebugInfoReady{Size: sz}, nil
}

// DecodeHotwordModelsReady parses a bounded-length name list.
func DecodeHotwordModelsReady(p []byte) (HotwordModelsReady, error) {
	c := payloadCursor{b: p}
	count, err := c.u32()
	if err != nil {
		return HotwordModelsReady{}, err
	}
	names := make([]string, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := c.str()
		if err != nil {
			return HotwordModelsReady{}, err
		}
		names = append(names, name)
	}
	return HotwordModelsReady{Names: names}, nil
}

// DecodeFloopReady parses a REQUEST_FLOOP_READY payload.
func DecodeFloopReady(p []byte) (FloopReady, error) {
	c := payloadCursor{b: p}
	tag, err := c.u32()
	if err != nil {
		return FloopReady{}, err
	}
	idx, err := c.i64()
	if err != nil {
		return FloopReady{}, err
	}
	return FloopReady{Tag: tag, DeviceIndex: idx}, nil
}

// ReadAudioControlRecord reads one fixed-size record off the audio
// socket. A short read is reported as-is; the caller (the per-stream
// worker) treats it as fatal to the worker per spec §4.3.
func ReadAudioControlRecord(r io.Reader) (AudioControlRecord, error) {
	var buf [AudioControlRecordSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return AudioControlRecord{}, err
	}
	return AudioControlRecord{
		ID:     binary.BigEndian.Uint32(buf[0:4]),
		Frames: binary.BigEndian.Uint32(buf[4:8]),
		Error:  int32(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}
