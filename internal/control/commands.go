// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package control

import (
	"errors"
	"time"

	"github.com/nishisan-dev/audiocore/internal/observer"
	"github.com/nishisan-dev/audiocore/internal/protocol"
	"github.com/nishisan-dev/audiocore/internal/streamworker"
)

// CommandKind identifies a command-pipe record (spec §4.2).
type CommandKind int

const (
	CmdStop CommandKind = iota
	CmdAddStream
	CmdRemoveStream
	CmdSetStreamVolume
	CmdSetAECRef
	CmdServerConnect
	CmdServerConnectAsync
	CmdInjectSocketEvent
)

func (k CommandKind) String() string {
	switch k {
	case CmdStop:
		return "STOP"
	case CmdAddStream:
		return "ADD_STREAM"
	case CmdRemoveStream:
		return "REMOVE_STREAM"
	case CmdSetStreamVolume:
		return "SET_STREAM_VOLUME"
	case CmdSetAECRef:
		return "SET_AEC_REF"
	case CmdServerConnect:
		return "SERVER_CONNECT"
	case CmdServerConnectAsync:
		return "SERVER_CONNECT_ASYNC"
	case CmdInjectSocketEvent:
		return "INJECT_SOCKET_EVENT"
	default:
		return "UNKNOWN"
	}
}

// AddStreamParams carries a prepared stream handle's parameters (spec
// §4.2 "payload carries a prepared stream handle").
type AddStreamParams struct {
	Direction         protocol.Direction
	ClientType        uint32
	BufferFrames      uint32
	CallbackThreshold uint32
	Flags             uint32
	Effects           uint32
	Format            protocol.AudioFormat
	TargetDeviceIndex int64

	Playback streamworker.PlaybackFunc
	Capture  streamworker.CaptureFunc

	// ErrorCallback, if set, is invoked once with the cause when the
	// stream is torn down for any reason other than a clean
	// REMOVE_STREAM (spec §7 "per-stream error callback").
	ErrorCallback func(err error)
}

// Command is one record on the command pipe: `{len, msg_id, stream_id,
// ...payload}` generalized into a tagged Go struct, per spec.md §9's
// guidance to express this with bounded channels rather than an actual
// pipe of bytes.
type Command struct {
	Kind     CommandKind
	StreamID uint64

	Volume float32 // SET_STREAM_VOLUME
	AECRef int64   // SET_AEC_REF; protocol.NoDevice means unpinned

	Add AddStreamParams // ADD_STREAM

	// ConnectDeadline is carried with the command but the worker does
	// not read it; internal/client.Client.Connect applies its own
	// timeout while waiting on ConnectWaiter.
	ConnectDeadline time.Duration

	// ConnectWaiter, if set on a SERVER_CONNECT or SERVER_CONNECT_ASYNC
	// command, receives exactly one observer.Status once the attempted
	// connection reaches CONNECTED or FAILED, or DISCONNECTED when the
	// server hangs up before its first message. The worker never reads
	// from or blocks on it; a caller wanting synchronous semantics
	// selects on it outside the worker's own event loop (spec §9's
	// redesign note on expressing the command pipe as channels).
	ConnectWaiter chan<- observer.Status

	// Created is the socket-file existence signal for
	// CmdInjectSocketEvent, used by the watchdog's fallback poll when
	// filesystem notifications may have been coalesced or dropped.
	Created bool

	reply chan Reply
}

// Reply is delivered on the command's reply channel with the handler's
// return code (spec §4.2 "every command is acknowledged on a reply
// pipe with the handler's return code").
type Reply struct {
	Err      error
	StreamID uint64 // populated by ADD_STREAM
}

// Sentinel errors per the user-input-error and fatal taxonomies of
// spec.md §7.
var (
	ErrNotConnected    = errors.New("control: not connected to server")
	ErrUnknownStream   = errors.New("control: stream id refers to no stream")
	ErrInvalidVolume   = errors.New("control: volume out of [0,1]")
	ErrMissingCallback = errors.New("control: required callback is nil")
	ErrWorkerStopped   = errors.New("control: worker has been stopped")
)
