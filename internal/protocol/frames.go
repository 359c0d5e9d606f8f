// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implements the binary wire protocol spoken over the
// audio-server's unix-seqpacket control socket and per-stream audio
// sockets: length-prefixed records, an auxiliary-fd passing convention
// for shared-memory and socketpair handoff, and the fixed-size audio
// control records exchanged on the hot path.
package protocol

import "errors"

// Magic bytes identifying the record kind on the control socket. Every
// record is [Magic 4B][Len uint32 4B][Payload Len B].
var (
	MagicConnected        = [4]byte{'C', 'O', 'N', 'N'}
	MagicStreamConnect    = [4]byte{'S', 'C', 'R', 'Q'}
	MagicStreamConnected  = [4]byte{'S', 'C', 'O', 'N'}
	MagicStreamDisconnect = [4]byte{'S', 'D', 'I', 'S'}
	MagicSetVolume        = [4]byte{'S', 'V', 'O', 'L'}
	MagicSetAECRef        = [4]byte{'A', 'E', 'C', 'R'}
	MagicRegisterNotify   = [4]byte{'N', 'R', 'E', 'G'}
	MagicDeregisterNotify = [4]byte{'N', 'D', 'E', 'G'}
	MagicNotifyEvent      = [4]byte{'N', 'E', 'V', 'T'}
	MagicDebugInfoReady   = [4]byte{'D', 'B', 'I', 'N'}
	MagicAtlogFdReady     = [4]byte{'A', 'T', 'L', 'G'}
	MagicHotwordModels    = [4]byte{'H', 'W', 'M', 'D'}
	MagicFloopRequest     = [4]byte{'F', 'L', 'R', 'Q'}
	MagicFloopReady       = [4]byte{'F', 'L', 'R', 'Y'}
)

// ErrInvalidMagic/ErrTruncatedFrame/ErrFDCountMismatch are protocol
// violations per spec §7: the caller should close the stream or
// connection involved and log at warning level, not retry.
var (
	ErrInvalidMagic    = errors.New("protocol: invalid magic bytes")
	ErrTruncatedFrame  = errors.New("protocol: truncated frame")
	ErrFDCountMismatch = errors.New("protocol: unexpected auxiliary fd count")
	ErrFrameTooLarge   = errors.New("protocol: frame exceeds maximum size")
)

// MaxFrameSize bounds a single control-socket record. Large enough for
// the hotword model name list and debug-info headers; anything bigger
// is a protocol violation, not a valid payload.
const MaxFrameSize = 64 * 1024

// Direction identifies a stream's data flow.
type Direction uint8

const (
	DirectionPlayback Direction = iota
	DirectionCapture
	DirectionLoopbackCapture
)

// NoDevice means a stream is unpinned: the server is free to route it.
const NoDevice int64 = -1

// SampleFormat mirrors the server's PCM sample layouts.
type SampleFormat uint8

const (
	SampleFormatS16LE SampleFormat = iota
	SampleFormatS24LE
	SampleFormatS32LE
	SampleFormatF32LE
)

// AudioFormat describes the negotiated PCM layout of a stream.
type AudioFormat struct {
	Format     SampleFormat
	RateHz     uint32
	Channels   uint8
	ChannelMap [8]int8
}

// Stream creation flags (bitmask). BulkAudioOK relaxes the callback
// threshold clamp to the full buffer size for capture streams that can
// tolerate coarser wakeups.
const (
	FlagBulkAudioOK uint32 = 1 << iota
	FlagHotwordStream
	FlagPinnedStream
)

// Effects bitmask applied to a stream at connect time; the core only
// forwards these bits, it never interprets them (spec §1 Non-goals).
const (
	EffectEchoCancel uint32 = 1 << iota
	EffectNoiseSuppress
	EffectGainControl
)

// StreamConnectRequest is sent client→server with one auxiliary fd: the
// client-retained endpoint of the audio socketpair.
type StreamConnectRequest struct {
	Direction         Direction
	StreamID          uint64
	ClientType        uint32
	BufferFrames      uint32
	CallbackThreshold uint32
	Flags             uint32
	Effects           uint32
	Format            AudioFormat
	TargetDeviceIndex int64 // NoDevice means unpinned
}

// StreamConnectReply is sent server→client with two auxiliary fds: the
// header region fd followed by the samples region fd.
type StreamConnectReply struct {
	StreamID         uint64
	SamplesRegionLen uint32
}

// ConnectedMsg is the first server→client message, carrying the
// assigned client id and one auxiliary fd: the server-state region.
type ConnectedMsg struct {
	ClientID uint32
}

// StreamDisconnectRequest tears down a stream on the server.
type StreamDisconnectRequest struct {
	StreamID uint64
}

// SetVolumeRequest updates a stream's volume on the server side; the
// control worker also writes the scalar into shared memory directly
// when mapped (spec §4.2 SET_STREAM_VOLUME).
type SetVolumeRequest struct {
	StreamID uint64
	Volume   float32
}

// SetAECRefRequest designates a device index as the echo-cancellation
// reference for a stream.
type SetAECRefRequest struct {
	StreamID   uint64
	DeviceIdx  int64
	HasNoDevice bool
}

// NotificationKind enumerates the ten observer notification kinds
// (spec §4.5).
type NotificationKind uint8

const (
	NotifyOutputVolume NotificationKind = iota
	NotifyOutputMute
	NotifyCaptureGain
	NotifyCaptureMute
	NotifyNodes
	NotifyActiveNode
	NotifyOutputNodeVolume
	NotifyNodeSwap
	NotifyInputNodeGain
	NotifyActiveStreamCounts
	notificationKindCount // sentinel, not a real kind
)

// NotificationKindCount is the number of distinct observer callbacks.
const NotificationKindCount = int(notificationKindCount)

// RegisterNotifyRequest registers or deregisters interest in a kind.
type RegisterNotifyRequest struct {
	Kind NotificationKind
}

// NotifyEvent is a pushed server→client event for a registered kind.
// Payload is an opaque blob the core copies without interpreting,
// except where a specific kind's accessor (out of core scope) parses
// it downstream.
type NotifyEvent struct {
	Kind    NotificationKind
	Payload []byte
}

// DebugInfoReady signals that the opaque debug-info blob has been
// populated in the server-state region. The control worker drops this
// record: the blob is not copied, and internal/diag does not include it.
type DebugInfoReady struct {
	Size uint32
}

// AtlogFdReady carries one auxiliary fd: a read end of the server's
// audio-thread log. The control worker closes the fd without reading it.
type AtlogFdReady struct{}

// HotwordModelsReady carries a bounded-length, newline-separated list
// of hotword model names.
type HotwordModelsReady struct {
	Names []string
}

// FloopRequest asks the server for a flexible-loopback capture device
// mixing the given client-type bitmask.
type FloopRequest struct {
	Tag             uint32
	ClientTypeMask  uint32
}

// FloopReady is the server's asynchronous reply, carrying the
// requesting tag and the resulting device index.
type FloopReady struct {
	Tag         uint32
	DeviceIndex int64
}

// Audio control record ids exchanged on the per-stream audio socket
// (spec §4.3, §6). The same byte value means different things
// depending on direction, matching the source protocol's reuse.
const (
	AudioDataReady   uint32 = iota // server→client: capture has N frames; client→server: playback reply
	AudioRequestData               // server→client: playback wants N frames
	AudioDataCaptured               // client→server: capture reply
)

// AudioControlRecord is the fixed-size record on the audio socket.
type AudioControlRecord struct {
	ID     uint32
	Frames uint32
	Error  int32
}

// AudioControlRecordSize is the wire size of AudioControlRecord: three
// 4-byte fields, no padding.
const AudioControlRecordSize = 12
