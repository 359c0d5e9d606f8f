// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package control

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/audiocore/internal/observer"
	"github.com/nishisan-dev/audiocore/internal/protocol"
	"github.com/nishisan-dev/audiocore/internal/shm"
)

func testMemfd(t *testing.T, size int64) int {
	t.Helper()
	fd, err := unix.MemfdCreate("control-test", 0)
	if err != nil {
		t.Fatalf("MemfdCreate: %v", err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		t.Fatalf("Ftruncate: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

func buildFrame(magic [4]byte, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	copy(buf[0:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(payload)))
	copy(buf[8:], payload)
	return buf
}

func connectedPayload(clientID uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, clientID)
	return buf
}

func streamConnectedPayload(streamID uint64, samplesLen uint32) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint64(buf[0:8], streamID)
	binary.BigEndian.PutUint32(buf[8:12], samplesLen)
	return buf
}

// acceptOne listens on a fresh unixpacket socket at dir/audio.sock and
// returns the listener plus a channel delivering the first accepted
// connection, mirroring how the real server binds before the client
// ever starts (spec §8 scenario 1, "cold start").
func acceptOne(t *testing.T, dir string) (net.Listener, string, <-chan *net.UnixConn) {
	t.Helper()
	sockPath := filepath.Join(dir, "audio.sock")
	ln, err := net.Listen("unixpacket", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch := make(chan *net.UnixConn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		ch <- c.(*net.UnixConn)
	}()
	return ln, sockPath, ch
}

func connectWorker(t *testing.T, w *Worker, serverConn *net.UnixConn, clientID uint32) {
	t.Helper()
	waiter := make(chan observer.Status, 1)
	go w.Submit(Command{Kind: CmdServerConnect, ConnectWaiter: waiter})

	stateFD := testMemfd(t, 4096)
	if err := protocol.WriteFrameWithRights(serverConn, buildFrame(protocol.MagicConnected, connectedPayload(clientID)), stateFD); err != nil {
		t.Fatalf("writing CONNECTED: %v", err)
	}

	select {
	case status := <-waiter:
		if status != observer.StatusConnected {
			t.Fatalf("expected StatusConnected, got %v", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connect did not complete in time")
	}
}

func TestWorker_ColdStartConnectAndNotificationReplay(t *testing.T) {
	dir := t.TempDir()
	ln, sockPath, serverConnCh := acceptOne(t, dir)
	defer ln.Close()

	obs := observer.New()
	var mu sync.Mutex
	var statuses []observer.Status
	obs.SetConnectionStatus(func(s observer.Status) {
		mu.Lock()
		statuses = append(statuses, s)
		mu.Unlock()
	})
	obs.Register(protocol.NotifyActiveNode, func(protocol.NotificationKind, []byte) {})

	w, err := New(Config{SocketPath: sockPath, Observer: obs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop()

	var serverConn *net.UnixConn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not see a connection in time")
	}
	defer serverConn.Close()

	connectWorker(t, w, serverConn, 99)

	if got := w.ClientID(); got != 99 {
		t.Errorf("expected client id 99, got %d", got)
	}

	regFrame, err := protocol.ReadFrameWithRights(serverConn, 0)
	if err != nil {
		t.Fatalf("reading register-notify record: %v", err)
	}
	if regFrame.Magic != protocol.MagicRegisterNotify {
		t.Fatalf("expected REGISTER_NOTIFY, got %v", regFrame.Magic)
	}
	if got := protocol.NotificationKind(regFrame.Payload[0]); got != protocol.NotifyActiveNode {
		t.Errorf("expected NotifyActiveNode re-registered, got %v", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(statuses) != 1 || statuses[0] != observer.StatusConnected {
		t.Errorf("expected exactly one StatusConnected report, got %v", statuses)
	}
}

func TestWorker_RepeatedConnectIsNoOp(t *testing.T) {
	dir := t.TempDir()
	ln, sockPath, serverConnCh := acceptOne(t, dir)
	defer ln.Close()

	w, err := New(Config{SocketPath: sockPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop()

	var serverConn *net.UnixConn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not see a connection in time")
	}
	defer serverConn.Close()

	connectWorker(t, w, serverConn, 1)

	waiter := make(chan observer.Status, 1)
	reply := w.Submit(Command{Kind: CmdServerConnect, ConnectWaiter: waiter})
	if reply.Err != nil {
		t.Fatalf("repeated connect returned an error: %v", reply.Err)
	}
	select {
	case status := <-waiter:
		if status != observer.StatusConnected {
			t.Errorf("expected StatusConnected, got %v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("repeated connect did not resolve its waiter")
	}
}

func TestWorker_AddStreamWarmupThenMappedWithCachedVolume(t *testing.T) {
	dir := t.TempDir()
	ln, sockPath, serverConnCh := acceptOne(t, dir)
	defer ln.Close()

	w, err := New(Config{SocketPath: sockPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop()

	var serverConn *net.UnixConn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not see a connection in time")
	}
	defer serverConn.Close()

	connectWorker(t, w, serverConn, 1)
	// Drain the (empty) notification replay, which still fires because
	// completeConnect always runs, but nothing is registered here so
	// there is no register-notify record to read.

	captured := make(chan int64, 1)
	reply := w.Submit(Command{
		Kind: CmdAddStream,
		Add: AddStreamParams{
			Direction:         protocol.DirectionCapture,
			BufferFrames:      480,
			CallbackThreshold: 240,
			Format:            protocol.AudioFormat{Format: protocol.SampleFormatS16LE, RateHz: 48000, Channels: 2},
			Capture: func(buf []byte, frames int64) error {
				captured <- frames
				return nil
			},
		},
	})
	if reply.Err != nil {
		t.Fatalf("add stream: %v", reply.Err)
	}
	streamID := reply.StreamID
	if streamID == 0 {
		t.Fatal("expected a non-zero stream id")
	}

	// Submit's reply synchronizes-with the worker goroutine's state as
	// of the moment it answered, so this read is race-free: the stream
	// must already be bookkept, strictly before any server reply
	// mapped it (spec §8's warmup-before-return invariant).
	entry, ok := w.streams[streamID]
	if !ok {
		t.Fatal("stream not present in warmup bookkeeping")
	}
	if entry.region != nil {
		t.Fatal("expected no mapped region before STREAM_CONNECTED arrives")
	}

	// Volume set before mapping must be cached and applied once mapped
	// (spec §8 scenario 5, "volume cached before mapping").
	if volReply := w.Submit(Command{Kind: CmdSetStreamVolume, StreamID: streamID, Volume: 0.25}); volReply.Err != nil {
		t.Fatalf("set volume: %v", volReply.Err)
	}

	connectReq, err := protocol.ReadFrameWithRights(serverConn, 1)
	if err != nil {
		t.Fatalf("reading stream connect request: %v", err)
	}
	if connectReq.Magic != protocol.MagicStreamConnect {
		t.Fatalf("expected STREAM_CONNECT, got %v", connectReq.Magic)
	}
	unix.Close(connectReq.FDs[0])

	headerFD := testMemfd(t, shm.HeaderSize)
	samplesFD := testMemfd(t, 4096)
	if err := protocol.WriteFrameWithRights(serverConn, buildFrame(protocol.MagicStreamConnected, streamConnectedPayload(streamID, 4096)), headerFD, samplesFD); err != nil {
		t.Fatalf("writing stream connected: %v", err)
	}

	// Reading the mapped header via an ordinary SET_STREAM_VOLUME on
	// the (now-mapped) stream round-trips through the control worker's
	// single goroutine again, giving us a synchronization point before
	// inspecting the region directly.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if volReply := w.Submit(Command{Kind: CmdSetStreamVolume, StreamID: streamID, Volume: 0.25}); volReply.Err != nil {
			t.Fatalf("set volume after mapping: %v", volReply.Err)
		}
		entry, ok = w.streams[streamID]
		if ok && entry.region != nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream was never mapped")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := entry.region.Header().Volume(); got != 0.25 {
		t.Errorf("expected cached volume 0.25 applied to mapped header, got %v", got)
	}

	removeReply := w.Submit(Command{Kind: CmdRemoveStream, StreamID: streamID})
	if removeReply.Err != nil {
		t.Fatalf("remove stream: %v", removeReply.Err)
	}

	// Every SET_STREAM_VOLUME above also sent a SET_VOLUME record to the
	// connected server; those are queued ahead of the disconnect.
	var disconnectReq protocol.Frame
	for {
		disconnectReq, err = protocol.ReadFrameWithRights(serverConn, 0)
		if err != nil {
			t.Fatalf("reading stream disconnect request: %v", err)
		}
		if disconnectReq.Magic != protocol.MagicSetVolume {
			break
		}
	}
	if disconnectReq.Magic != protocol.MagicStreamDisconnect {
		t.Fatalf("expected STREAM_DISCONNECT, got %v", disconnectReq.Magic)
	}

	if _, ok := w.streams[streamID]; ok {
		t.Error("stream bookkeeping not cleared after remove")
	}
}

func TestWorker_AddStreamRejectsMissingCallback(t *testing.T) {
	dir := t.TempDir()
	ln, sockPath, serverConnCh := acceptOne(t, dir)
	defer ln.Close()

	w, err := New(Config{SocketPath: sockPath})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop()

	var serverConn *net.UnixConn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not see a connection in time")
	}
	defer serverConn.Close()

	connectWorker(t, w, serverConn, 1)

	reply := w.Submit(Command{
		Kind: CmdAddStream,
		Add: AddStreamParams{
			Direction: protocol.DirectionPlayback,
			Format:    protocol.AudioFormat{Format: protocol.SampleFormatS16LE, RateHz: 48000, Channels: 2},
		},
	})
	if reply.Err == nil {
		t.Fatal("expected an error for a playback stream with no playback callback")
	}
}

func TestWorker_AddStreamRejectsWhenNotConnected(t *testing.T) {
	w, err := New(Config{SocketPath: filepath.Join(t.TempDir(), "audio.sock")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop()

	reply := w.Submit(Command{
		Kind: CmdAddStream,
		Add: AddStreamParams{
			Direction: protocol.DirectionCapture,
			Format:    protocol.AudioFormat{Format: protocol.SampleFormatS16LE, RateHz: 48000, Channels: 2},
			Capture:   func([]byte, int64) error { return nil },
		},
	})
	if reply.Err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", reply.Err)
	}
}

func TestWorker_ServerHangupReportsDisconnected(t *testing.T) {
	dir := t.TempDir()
	ln, sockPath, serverConnCh := acceptOne(t, dir)
	defer ln.Close()

	obs := observer.New()
	statusCh := make(chan observer.Status, 4)
	obs.SetConnectionStatus(func(s observer.Status) { statusCh <- s })

	w, err := New(Config{SocketPath: sockPath, Observer: obs})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	defer w.Stop()

	var serverConn *net.UnixConn
	select {
	case serverConn = <-serverConnCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not see a connection in time")
	}

	connectWorker(t, w, serverConn, 1)

	select {
	case status := <-statusCh:
		if status != observer.StatusConnected {
			t.Fatalf("expected StatusConnected first, got %v", status)
		}
	case <-time.After(time.Second):
		t.Fatal("missing initial StatusConnected report")
	}

	serverConn.Close()

	select {
	case status := <-statusCh:
		if status != observer.StatusDisconnected {
			t.Fatalf("expected StatusDisconnected after hangup, got %v", status)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("did not observe StatusDisconnected after server hangup")
	}
}

func TestFrameSizeFor(t *testing.T) {
	tests := []struct {
		name   string
		format protocol.AudioFormat
		want   int64
	}{
		{"s16le stereo", protocol.AudioFormat{Format: protocol.SampleFormatS16LE, Channels: 2}, 4},
		{"s24le mono", protocol.AudioFormat{Format: protocol.SampleFormatS24LE, Channels: 1}, 3},
		{"s32le stereo", protocol.AudioFormat{Format: protocol.SampleFormatS32LE, Channels: 2}, 8},
		{"f32le mono", protocol.AudioFormat{Format: protocol.SampleFormatF32LE, Channels: 1}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frameSizeFor(tt.format); got != tt.want {
				t.Errorf("frameSizeFor(%+v) = %d, want %d", tt.format, got, tt.want)
			}
		})
	}
}

func TestValidateAddStream(t *testing.T) {
	tests := []struct {
		name    string
		params  AddStreamParams
		wantErr bool
	}{
		{
			name: "playback without callback",
			params: AddStreamParams{
				Direction: protocol.DirectionPlayback,
			},
			wantErr: true,
		},
		{
			name: "capture without callback",
			params: AddStreamParams{
				Direction: protocol.DirectionCapture,
			},
			wantErr: true,
		},
		{
			name: "playback with callback",
			params: AddStreamParams{
				Direction: protocol.DirectionPlayback,
				Playback:  func([]byte, int64) (int64, error) { return 0, nil },
			},
			wantErr: false,
		},
		{
			name: "threshold exceeds buffer without bulk flag",
			params: AddStreamParams{
				Direction:         protocol.DirectionCapture,
				BufferFrames:      128,
				CallbackThreshold: 256,
				Capture:           func([]byte, int64) error { return nil },
			},
			wantErr: true,
		},
		{
			name: "threshold exceeds buffer with bulk flag allowed",
			params: AddStreamParams{
				Direction:         protocol.DirectionCapture,
				BufferFrames:      128,
				CallbackThreshold: 256,
				Flags:             protocol.FlagBulkAudioOK,
				Capture:           func([]byte, int64) error { return nil },
			},
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAddStream(tt.params)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateAddStream() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
