// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// frameBuf assembles a magic-prefixed, length-prefixed record into a
// single buffer so the eventual write (possibly accompanied by
// auxiliary fds via WriteMsgUnix) happens as one syscall.
type frameBuf struct {
	buf []byte
}

func newFrame(magic [4]byte) *frameBuf {
	fb := &frameBuf{buf: make([]byte, 8, 64)}
	copy(fb.buf[0:4], magic[:])
	return fb
}

func (fb *frameBuf) putU8(v uint8)   { fb.buf = append(fb.buf, v) }
func (fb *frameBuf) putU32(v uint32) { fb.buf = binary.BigEndian.AppendUint32(fb.buf, v) }
func (fb *frameBuf) putU64(v uint64) { fb.buf = binary.BigEndian.AppendUint64(fb.buf, v) }
func (fb *frameBuf) putI32(v int32)  { fb.putU32(uint32(v)) }
func (fb *frameBuf) putI64(v int64)  { fb.putU64(uint64(v)) }
func (fb *frameBuf) putF32(v float32) {
	fb.putU32(math.Float32bits(v))
}
func (fb *frameBuf) putBytes(b []byte) {
	fb.putU32(uint32(len(b)))
	fb.buf = append(fb.buf, b...)
}
func (fb *frameBuf) putString(s string) {
	fb.putBytes([]byte(s))
}

// bytes finalizes the frame, writing the payload length into the
// 4-byte length field that follows the magic.
func (fb *frameBuf) bytes() ([]byte, error) {
	payloadLen := len(fb.buf) - 8
	if payloadLen < 0 || len(fb.buf) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(fb.buf[4:8], uint32(payloadLen))
	return fb.buf, nil
}

// EncodeStreamConnectRequest serializes a StreamConnectRequest frame.
// The caller is responsible for accompanying it with the audio
// socketpair endpoint as an SCM_RIGHTS fd (see WriteFrameWithRights).
func EncodeStreamConnectRequest(r StreamConnectRequest) ([]byte, error) {
	fb := newFrame(MagicStreamConnect)
	fb.putU8(uint8(r.Direction))
	fb.putU64(r.StreamID)
	fb.putU32(r.ClientType)
	fb.putU32(r.BufferFrames)
	fb.putU32(r.CallbackThreshold)
	fb.putU32(r.Flags)
	fb.putU32(r.Effects)
	fb.putU8(uint8(r.Format.Format))
	fb.putU32(r.Format.RateHz)
	fb.putU8(r.Format.Channels)
	for _, c := range r.Format.ChannelMap {
		fb.putU8(uint8(c))
	}
	fb.putI64(r.TargetDeviceIndex)
	return fb.bytes()
}

// EncodeStreamDisconnectRequest serializes a StreamDisconnectRequest.
func EncodeStreamDisconnectRequest(r StreamDisconnectRequest) ([]byte, error) {
	fb := newFrame(MagicStreamDisconnect)
	fb.putU64(r.StreamID)
	return fb.bytes()
}

// EncodeSetVolumeRequest serializes a SetVolumeRequest.
func EncodeSetVolumeRequest(r SetVolumeRequest) ([]byte, error) {
	if r.Volume < 0.0 || r.Volume > 1.0 {
		return nil, fmt.Errorf("protocol: volume %.3f out of [0,1]", r.Volume)
	}
	fb := newFrame(MagicSetVolume)
	fb.putU64(r.StreamID)
	fb.putF32(r.Volume)
	return fb.bytes()
}

// EncodeSetAECRefRequest serializes a SetAECRefRequest.
func EncodeSetAECRefRequest(r SetAECRefRequest) ([]byte, error) {
	fb := newFrame(MagicSetAECRef)
	fb.putU64(r.StreamID)
	idx := r.DeviceIdx
	if r.HasNoDevice {
		idx = NoDevice
	}
	fb.putI64(idx)
	return fb.bytes()
}

// EncodeRegisterNotify serializes a register/deregister record; the
// caller picks the magic (MagicRegisterNotify or MagicDeregisterNotify).
func EncodeRegisterNotify(magic [4]byte, r RegisterNotifyRequest) ([]byte, error) {
	fb := newFrame(magic)
	fb.putU8(uint8(r.Kind))
	return fb.bytes()
}

// EncodeFloopRequest serializes a FloopRequest.
func EncodeFloopRequest(r FloopRequest) ([]byte, error) {
	fb := newFrame(MagicFloopRequest)
	fb.putU32(r.Tag)
	fb.putU32(r.ClientTypeMask)
	return fb.bytes()
}

// WriteAudioControlRecord encodes a fixed-size audio control record
// (no magic, no length prefix — the audio socket is a dedicated
// seqpacket channel carrying only these records).
func WriteAudioControlRecord(r AudioControlRecord) []byte {
	buf := make([]byte, AudioControlRecordSize)
	binary.BigEndian.PutUint32(buf[0:4], r.ID)
	binary.BigEndian.PutUint32(buf[4:8], r.Frames)
	binary.BigEndian.PutUint32(buf[8:12], uint32(r.Error))
	return buf
}
