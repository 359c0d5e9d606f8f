// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package control implements the control worker (spec §4.2): the
// single goroutine that owns the connection state machine, the server
// control socket, the per-stream bookkeeping, and the dispatch of
// commands arriving on a bounded channel in place of the source
// protocol's command pipe (spec §9's redesign note on expressing that
// as task-owned state plus channels).
package control

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/audiocore/internal/connstate"
	"github.com/nishisan-dev/audiocore/internal/observer"
	"github.com/nishisan-dev/audiocore/internal/protocol"
	"github.com/nishisan-dev/audiocore/internal/shm"
	"github.com/nishisan-dev/audiocore/internal/streamworker"
)

// errorDelayDuration is the ERROR_DELAY hold time before the machine
// re-attempts discovery (spec §4.1's 2-second backoff on setup error).
const errorDelayDuration = 2 * time.Second

// dialTimeout bounds how long the background dial goroutine waits for
// the kernel to accept the connection once the socket file exists.
const dialTimeout = 5 * time.Second

// Config bundles a Worker's construction parameters.
type Config struct {
	SocketPath string
	Logger     *slog.Logger

	// Observer, if nil, defaults to a freshly constructed empty table.
	// The caller (internal/client) normally supplies its own so it can
	// register callbacks before the worker ever reaches CONNECTED.
	Observer *observer.Table
}

type connectResult struct {
	conn *net.UnixConn
	err  error
}

// Worker drives one client's connection to the audio server: the
// state machine, the control socket, every live stream, and the
// notification table. It is the sole mutator of all of these (spec
// §5 "sole mutator") — everything else communicates with it by
// Submit-ing a Command and waiting on the returned Reply.
type Worker struct {
	logger     *slog.Logger
	socketPath string
	socketDir  string

	machine  *connstate.Machine
	observer *observer.Table
	watcher  *fsnotify.Watcher

	serverConn    *net.UnixConn
	serverStateFD int
	clientID      uint32

	streams   map[uint64]*streamEntry
	streamSeq uint32

	commands       chan Command
	streamEvents   chan streamworker.Event
	serverFrames   chan protocol.Frame
	serverErrs     chan error
	connectResults chan connectResult

	connectWaiters []chan<- observer.Status

	errorTimer *time.Timer

	stopCh  chan struct{}
	stopped chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New constructs a Worker in its initial, unstarted state. Call Start
// to begin the event loop in its own goroutine.
func New(cfg Config) (*Worker, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observer.New()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("control: creating filesystem watcher: %w", err)
	}
	return &Worker{
		logger:         logger.With("component", "control_worker"),
		socketPath:     cfg.SocketPath,
		socketDir:      filepath.Dir(cfg.SocketPath),
		machine:        connstate.New(),
		observer:       obs,
		watcher:        watcher,
		streams:        make(map[uint64]*streamEntry),
		commands:       make(chan Command),
		streamEvents:   make(chan streamworker.Event, 32),
		serverFrames:   make(chan protocol.Frame),
		serverErrs:     make(chan error, 1),
		connectResults: make(chan connectResult, 1),
		stopCh:         make(chan struct{}),
		stopped:        make(chan struct{}),
	}, nil
}

// Observer returns the notification table backing this worker.
func (w *Worker) Observer() *observer.Table { return w.observer }

// ClientID returns the id the server most recently assigned. Zero
// before the first CONNECTED.
func (w *Worker) ClientID() uint32 { return w.clientID }

// Start launches the event loop. Call once.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the event loop to exit and blocks until it has torn
// down every stream and closed the server connection. Safe to call
// more than once.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Submit sends cmd to the worker and blocks for its Reply. Safe to
// call from any goroutine; returns ErrWorkerStopped if the worker has
// already exited.
func (w *Worker) Submit(cmd Command) Reply {
	cmd.reply = make(chan Reply, 1)
	select {
	case w.commands <- cmd:
	case <-w.stopped:
		return Reply{Err: ErrWorkerStopped}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-w.stopped:
		return Reply{Err: ErrWorkerStopped}
	}
}

// InjectSocketEvent lets a fallback poller (internal/watchdog) feed the
// state machine the socket file's observed existence, covering changes
// that a filesystem notification may have coalesced or dropped. An
// event that is not valid in the current state is dropped.
func (w *Worker) InjectSocketEvent(created bool) {
	w.Submit(Command{Kind: CmdInjectSocketEvent, Created: created})
}

func (w *Worker) run() {
	defer w.wg.Done()
	defer close(w.stopped)
	defer w.watcher.Close()
	defer w.teardownAllStreams(fmt.Errorf("control: worker stopped"), false)

	for {
		var timerC <-chan time.Time
		if w.errorTimer != nil {
			timerC = w.errorTimer.C
		}

		select {
		case <-w.stopCh:
			return

		case cmd := <-w.commands:
			w.handleCommand(cmd)
			if cmd.Kind == CmdStop {
				return
			}

		case ev := <-w.watcher.Events:
			w.handleFSEvent(ev)

		case err := <-w.watcher.Errors:
			w.logger.Warn("filesystem watch error", "error", err)

		case res := <-w.connectResults:
			w.handleConnectResult(res)

		case frame := <-w.serverFrames:
			w.handleServerFrame(frame)

		case err := <-w.serverErrs:
			w.handleServerError(err)

		case ev := <-w.streamEvents:
			w.handleStreamEvent(ev)

		case <-timerC:
			w.stepEvent(connstate.EventTimerExpired)
		}
	}
}

// stepEvent applies ev to the state machine and performs whatever
// action it returns. An invalid transition is logged and dropped, per
// spec.md §9's guidance on spurious messages.
func (w *Worker) stepEvent(ev connstate.Event) {
	_, action, err := w.machine.Step(ev)
	if err != nil {
		w.logger.Debug("connection event not valid in current state",
			"event", ev, "state", w.machine.State())
		return
	}
	w.performAction(action)
}

func (w *Worker) stepSetupError() {
	_, action, err := w.machine.Step(connstate.EventSetupError)
	if err != nil {
		w.logger.Error("setup error while disconnected, dropping", "error", err)
		return
	}
	w.performAction(action)
	w.observer.ReportStatus(observer.StatusFailed)
	w.resolveConnectWaiters(observer.StatusFailed)
}

func (w *Worker) performAction(action connstate.Action) {
	switch action {
	case connstate.ActionInstallFSWatch:
		if err := w.watcher.Add(w.socketDir); err != nil {
			w.logger.Error("installing filesystem watch", "dir", w.socketDir, "error", err)
			w.stepSetupError()
			return
		}
		// The socket file may already exist if the server started
		// first; check directly rather than waiting for a filesystem
		// event that already happened before the watch was installed.
		if _, err := os.Stat(w.socketPath); err == nil {
			w.stepEvent(connstate.EventSocketFileCreated)
		}

	case connstate.ActionCreateSocketAndConnect:
		go w.dial()

	case connstate.ActionMakeFDBlocking:
		w.startServerReader()

	case connstate.ActionCloseFD:
		if w.serverConn != nil {
			w.serverConn.Close()
			w.serverConn = nil
		}

	case connstate.ActionMapServerStateAndReregister:
		w.completeConnect()

	case connstate.ActionTeardownStreamsAndUnmap:
		w.teardownAllStreams(errors.New("control: server connection lost"), false)
		w.observer.ReportStatus(observer.StatusDisconnected)
		w.resolveConnectWaiters(observer.StatusDisconnected)

	case connstate.ActionArmErrorTimer:
		w.errorTimer = time.NewTimer(errorDelayDuration)

	case connstate.ActionCloseTimer:
		w.errorTimer = nil
	}
}

func (w *Worker) dial() {
	conn, err := net.DialTimeout("unixpacket", w.socketPath, dialTimeout)
	if err != nil {
		w.postConnectResult(connectResult{err: err})
		return
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		w.postConnectResult(connectResult{err: fmt.Errorf("control: unexpected connection type %T", conn)})
		return
	}
	w.postConnectResult(connectResult{conn: uc})
}

func (w *Worker) postConnectResult(res connectResult) {
	select {
	case w.connectResults <- res:
	case <-w.stopCh:
		if res.conn != nil {
			res.conn.Close()
		}
	}
}

func (w *Worker) handleConnectResult(res connectResult) {
	if res.err != nil {
		if errors.Is(res.err, syscall.ECONNREFUSED) {
			w.stepEvent(connstate.EventConnectRefused)
			return
		}
		w.logger.Warn("connecting to server failed", "error", res.err)
		w.stepSetupError()
		return
	}
	w.serverConn = res.conn
	w.stepEvent(connstate.EventConnectWritable)
}

func (w *Worker) startServerReader() {
	conn := w.serverConn
	go func() {
		for {
			frame, err := protocol.ReadAnyFrameWithRights(conn)
			if err != nil {
				select {
				case w.serverErrs <- err:
				case <-w.stopCh:
				}
				return
			}
			select {
			case w.serverFrames <- frame:
			case <-w.stopCh:
				closeFDs(frame.FDs)
				return
			}
		}
	}()
}

func (w *Worker) handleServerError(err error) {
	switch w.machine.State() {
	case connstate.FirstMessage:
		w.logger.Warn("server hung up before first message", "error", err)
		w.stepEvent(connstate.EventServerHangupOrReadError)
	case connstate.Connected:
		w.logger.Warn("server connection lost", "error", err)
		w.stepEvent(connstate.EventServerHangupOrReadError)
	default:
		// A stale error from a connection already torn down by some
		// other path; the reader goroutine that produced it is gone.
	}
}

func (w *Worker) handleFSEvent(ev fsnotify.Event) {
	if filepath.Clean(ev.Name) != w.socketPath {
		return
	}
	switch {
	case ev.Op&fsnotify.Create != 0:
		w.stepEvent(connstate.EventSocketFileCreated)
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.stepEvent(connstate.EventSocketFileDeleted)
	}
}

func (w *Worker) handleServerFrame(frame protocol.Frame) {
	if w.machine.State() == connstate.FirstMessage {
		w.handleFirstMessage(frame)
		return
	}

	switch frame.Magic {
	case protocol.MagicStreamConnected:
		w.handleStreamConnected(frame)
	case protocol.MagicNotifyEvent:
		ev, err := protocol.DecodeNotifyEvent(frame.Payload)
		if err != nil {
			w.logger.Warn("decoding notify event", "error", err)
			return
		}
		w.observer.Dispatch(ev)
	case protocol.MagicDebugInfoReady, protocol.MagicAtlogFdReady,
		protocol.MagicHotwordModels, protocol.MagicFloopReady:
		// Out-of-band server pushes outside the core's scope (spec §1
		// Non-goals). Nothing in this module consumes them: the control
		// worker drops the record and closes any fds it carried rather
		// than leaking them.
		closeFDs(frame.FDs)
	default:
		w.logger.Warn("unexpected record from server", "magic", string(frame.Magic[:]))
		closeFDs(frame.FDs)
	}
}

func (w *Worker) handleFirstMessage(frame protocol.Frame) {
	if frame.Magic != protocol.MagicConnected {
		w.logger.Warn("expected CONNECTED as first server message, dropping",
			"magic", string(frame.Magic[:]))
		closeFDs(frame.FDs)
		return
	}
	if len(frame.FDs) != 1 {
		w.logger.Warn("CONNECTED carried unexpected fd count", "count", len(frame.FDs))
		closeFDs(frame.FDs)
		w.stepSetupError()
		return
	}
	msg, err := protocol.DecodeConnected(frame.Payload)
	if err != nil {
		w.logger.Warn("decoding CONNECTED payload", "error", err)
		closeFDs(frame.FDs)
		w.stepSetupError()
		return
	}
	w.clientID = msg.ClientID
	w.serverStateFD = frame.FDs[0]
	w.stepEvent(connstate.EventFirstMessageReceived)
}

// completeConnect re-registers every active notification kind before
// reporting CONNECTED (spec §8's ordering invariant), enforced by
// observer.Table.Replay. Re-registration failures are logged and do
// not block the transition: the user still observes CONNECTED, just
// without the guarantee that every kind survived the round trip
// (spec §4.1 "re-registration on CONNECTED is best-effort").
func (w *Worker) completeConnect() {
	if err := w.observer.Replay(w.sendRegisterNotify); err != nil {
		w.logger.Warn("notification re-registration failed, reporting connected anyway", "error", err)
		w.observer.ReportStatus(observer.StatusConnected)
	}
	w.resolveConnectWaiters(observer.StatusConnected)
}

func (w *Worker) sendRegisterNotify(kind protocol.NotificationKind) error {
	payload, err := protocol.EncodeRegisterNotify(protocol.MagicRegisterNotify, protocol.RegisterNotifyRequest{Kind: kind})
	if err != nil {
		return err
	}
	return protocol.WriteFrameWithRights(w.serverConn, payload)
}

func (w *Worker) resolveConnectWaiters(status observer.Status) {
	waiters := w.connectWaiters
	w.connectWaiters = nil
	for _, ch := range waiters {
		ch <- status
	}
}

func (w *Worker) handleCommand(cmd Command) {
	var reply Reply
	switch cmd.Kind {
	case CmdStop:
		reply = Reply{}
	case CmdAddStream:
		reply = w.handleAddStream(cmd)
	case CmdRemoveStream:
		reply = w.handleRemoveStream(cmd)
	case CmdSetStreamVolume:
		reply = w.handleSetVolume(cmd)
	case CmdSetAECRef:
		reply = w.handleSetAECRef(cmd)
	case CmdServerConnect, CmdServerConnectAsync:
		reply = w.handleServerConnect(cmd)
	case CmdInjectSocketEvent:
		if cmd.Created {
			w.stepEvent(connstate.EventSocketFileCreated)
		} else {
			w.stepEvent(connstate.EventSocketFileDeleted)
		}
	default:
		reply = Reply{Err: fmt.Errorf("control: unknown command kind %v", cmd.Kind)}
	}
	if cmd.reply != nil {
		cmd.reply <- reply
	}
}

// handleServerConnect drives SERVER_CONNECT / SERVER_CONNECT_ASYNC.
// It never blocks: the caller wanting synchronous semantics passes a
// ConnectWaiter and waits on it itself, outside this loop, which is
// the only way to avoid the loop blocking on a condition only it can
// produce (spec §5, §9's channel-based redesign note).
func (w *Worker) handleServerConnect(cmd Command) Reply {
	_, action, err := w.machine.Step(connstate.EventRequestConnect)
	if err != nil {
		return Reply{Err: err}
	}
	if action == connstate.ActionNone {
		// Already CONNECTED: spec §8 "repeated SERVER_CONNECT on an
		// already-connected client is a no-op."
		if cmd.ConnectWaiter != nil {
			cmd.ConnectWaiter <- observer.StatusConnected
		}
		return Reply{}
	}
	if cmd.ConnectWaiter != nil {
		w.connectWaiters = append(w.connectWaiters, cmd.ConnectWaiter)
	}
	w.performAction(action)
	return Reply{}
}

func (w *Worker) nextStreamID() uint64 {
	for {
		w.streamSeq++
		id := (uint64(w.clientID) << 32) | uint64(w.streamSeq)
		if _, exists := w.streams[id]; !exists {
			return id
		}
	}
}

func validateAddStream(p AddStreamParams) error {
	switch p.Direction {
	case protocol.DirectionPlayback:
		if p.Playback == nil {
			return fmt.Errorf("%w: playback", ErrMissingCallback)
		}
	case protocol.DirectionCapture, protocol.DirectionLoopbackCapture:
		if p.Capture == nil {
			return fmt.Errorf("%w: capture", ErrMissingCallback)
		}
	}
	if p.CallbackThreshold > p.BufferFrames && p.Flags&protocol.FlagBulkAudioOK == 0 {
		return fmt.Errorf("control: callback threshold %d exceeds buffer frames %d",
			p.CallbackThreshold, p.BufferFrames)
	}
	return nil
}

// handleAddStream sends STREAM_CONNECT and inserts the stream in
// WARMUP (region nil, audio worker running but gated on MarkReady)
// before returning, so the assigned id reaches the caller strictly
// before the audio worker begins servicing the audio socket (spec §8
// invariant).
func (w *Worker) handleAddStream(cmd Command) Reply {
	if !w.machine.IsConnected() {
		return Reply{Err: ErrNotConnected}
	}
	if err := validateAddStream(cmd.Add); err != nil {
		return Reply{Err: err}
	}

	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_SEQPACKET, 0)
	if err != nil {
		return Reply{Err: fmt.Errorf("control: creating audio socketpair: %w", err)}
	}

	localFile := os.NewFile(uintptr(fds[0]), "audiocore-stream-local")
	localConnRaw, err := net.FileConn(localFile)
	localFile.Close()
	if err != nil {
		unix.Close(fds[1])
		return Reply{Err: fmt.Errorf("control: wrapping audio socket: %w", err)}
	}
	localConn, ok := localConnRaw.(*net.UnixConn)
	if !ok {
		localConnRaw.Close()
		unix.Close(fds[1])
		return Reply{Err: fmt.Errorf("control: unexpected audio socket type %T", localConnRaw)}
	}

	id := w.nextStreamID()
	entry := &streamEntry{
		id:            id,
		direction:     cmd.Add.Direction,
		localConn:     localConn,
		frameSize:     frameSizeFor(cmd.Add.Format),
		threshold:     int64(cmd.Add.CallbackThreshold),
		volume:        1.0,
		playback:      cmd.Add.Playback,
		capture:       cmd.Add.Capture,
		errorCallback: cmd.Add.ErrorCallback,
	}

	// The audio worker is constructed and started now, in WARMUP; it
	// blocks on MarkReady (called from handleStreamConnected) before
	// touching the audio socket at all, so the WARMUP→RUNNING gate is
	// real rather than cosmetic (spec §4.3).
	entry.worker = streamworker.New(streamworker.Config{
		StreamID:     id,
		Direction:    cmd.Add.Direction,
		FrameSize:    entry.frameSize,
		Threshold:    entry.threshold,
		BufferFrames: int64(cmd.Add.BufferFrames),
		BulkAudioOK:  cmd.Add.Flags&protocol.FlagBulkAudioOK != 0,
		Sock:         entry.localConn,
		Playback:     entry.playback,
		Capture:      entry.capture,
		Events:       w.streamEvents,
		Logger:       w.logger,
	})
	go entry.worker.Run()

	w.streams[id] = entry

	payload, err := protocol.EncodeStreamConnectRequest(protocol.StreamConnectRequest{
		Direction:         cmd.Add.Direction,
		StreamID:          id,
		ClientType:        cmd.Add.ClientType,
		BufferFrames:      cmd.Add.BufferFrames,
		CallbackThreshold: cmd.Add.CallbackThreshold,
		Flags:             cmd.Add.Flags,
		Effects:           cmd.Add.Effects,
		Format:            cmd.Add.Format,
		TargetDeviceIndex: cmd.Add.TargetDeviceIndex,
	})
	if err != nil {
		delete(w.streams, id)
		entry.worker.Stop()
		localConn.Close()
		unix.Close(fds[1])
		return Reply{Err: fmt.Errorf("control: encoding stream connect request: %w", err)}
	}

	if err := protocol.WriteFrameWithRights(w.serverConn, payload, fds[1]); err != nil {
		delete(w.streams, id)
		entry.worker.Stop()
		localConn.Close()
		unix.Close(fds[1])
		return Reply{Err: fmt.Errorf("control: sending stream connect request: %w", err)}
	}
	unix.Close(fds[1]) // the kernel duplicated it into the SCM_RIGHTS message

	return Reply{StreamID: id}
}

func (w *Worker) handleRemoveStream(cmd Command) Reply {
	entry, ok := w.streams[cmd.StreamID]
	if !ok {
		return Reply{Err: ErrUnknownStream}
	}
	delete(w.streams, cmd.StreamID)
	w.teardownStream(entry, nil, true)
	return Reply{}
}

func (w *Worker) handleSetVolume(cmd Command) Reply {
	if cmd.Volume < 0 || cmd.Volume > 1 {
		return Reply{Err: fmt.Errorf("%w: %.3f", ErrInvalidVolume, cmd.Volume)}
	}
	entry, ok := w.streams[cmd.StreamID]
	if !ok {
		return Reply{Err: ErrUnknownStream}
	}

	// Cache the value even if the stream has not been mapped yet
	// (spec §8 scenario 5, "volume cached before mapping"), applying
	// it to shared memory the moment STREAM_CONNECTED arrives.
	entry.volume = cmd.Volume
	if entry.region != nil {
		entry.region.Header().SetVolume(cmd.Volume)
	}

	if w.machine.IsConnected() && w.serverConn != nil {
		payload, err := protocol.EncodeSetVolumeRequest(protocol.SetVolumeRequest{StreamID: entry.id, Volume: cmd.Volume})
		if err != nil {
			return Reply{Err: err}
		}
		if err := protocol.WriteFrameWithRights(w.serverConn, payload); err != nil {
			w.logger.Warn("sending set-volume request", "stream_id", entry.id, "error", err)
		}
	}
	return Reply{}
}

func (w *Worker) handleSetAECRef(cmd Command) Reply {
	entry, ok := w.streams[cmd.StreamID]
	if !ok {
		return Reply{Err: ErrUnknownStream}
	}
	if !w.machine.IsConnected() || w.serverConn == nil {
		return Reply{Err: ErrNotConnected}
	}

	req := protocol.SetAECRefRequest{StreamID: entry.id}
	if cmd.AECRef == protocol.NoDevice {
		req.HasNoDevice = true
	} else {
		req.DeviceIdx = cmd.AECRef
	}
	payload, err := protocol.EncodeSetAECRefRequest(req)
	if err != nil {
		return Reply{Err: err}
	}
	if err := protocol.WriteFrameWithRights(w.serverConn, payload); err != nil {
		return Reply{Err: fmt.Errorf("control: sending set-aec-ref request: %w", err)}
	}
	return Reply{}
}

func (w *Worker) handleStreamConnected(frame protocol.Frame) {
	reply, err := protocol.DecodeStreamConnectReply(frame.Payload)
	if err != nil {
		w.logger.Warn("decoding stream connect reply", "error", err)
		closeFDs(frame.FDs)
		return
	}
	entry, ok := w.streams[reply.StreamID]
	if !ok {
		w.logger.Warn("stream connect reply for unknown stream", "stream_id", reply.StreamID)
		closeFDs(frame.FDs)
		return
	}
	if len(frame.FDs) != 2 {
		w.logger.Warn("stream connect reply carried unexpected fd count",
			"stream_id", reply.StreamID, "count", len(frame.FDs))
		closeFDs(frame.FDs)
		delete(w.streams, entry.id)
		w.teardownStream(entry, fmt.Errorf("control: protocol violation mapping stream %d", entry.id), true)
		return
	}

	captureSide := entry.direction == protocol.DirectionCapture || entry.direction == protocol.DirectionLoopbackCapture
	region, err := shm.Map(frame.FDs[0], frame.FDs[1], reply.SamplesRegionLen, captureSide)
	if err != nil {
		w.logger.Warn("mapping stream shared memory", "stream_id", entry.id, "error", err)
		delete(w.streams, entry.id)
		w.teardownStream(entry, fmt.Errorf("control: mapping shared memory: %w", err), true)
		return
	}
	entry.region = region
	region.Header().SetVolume(entry.volume)

	// The audio worker was already constructed and started, in WARMUP,
	// back in handleAddStream; MarkReady is what actually lets it begin
	// reading the audio socket (spec §4.3).
	entry.worker.MarkReady(region)
}

func (w *Worker) handleStreamEvent(ev streamworker.Event) {
	entry, ok := w.streams[ev.StreamID]
	if !ok {
		// Already torn down by REMOVE_STREAM or a connection-loss
		// sweep; this is the worker's own termination event arriving
		// after the fact.
		return
	}
	delete(w.streams, ev.StreamID)
	w.teardownStream(entry, ev.Err, ev.Err != nil)
}

func (w *Worker) teardownStream(entry *streamEntry, cause error, notifyServer bool) {
	if entry.worker != nil {
		entry.worker.Stop()
	}
	if notifyServer && w.machine.IsConnected() && w.serverConn != nil {
		if payload, err := protocol.EncodeStreamDisconnectRequest(protocol.StreamDisconnectRequest{StreamID: entry.id}); err == nil {
			if err := protocol.WriteFrameWithRights(w.serverConn, payload); err != nil {
				w.logger.Warn("sending stream disconnect request", "stream_id", entry.id, "error", err)
			}
		}
	}
	if entry.region != nil {
		if err := entry.region.Unmap(); err != nil {
			w.logger.Warn("unmapping stream shared memory", "stream_id", entry.id, "error", err)
		}
	}
	if entry.localConn != nil {
		entry.localConn.Close()
	}
	if entry.errorCallback != nil && cause != nil {
		entry.errorCallback(cause)
	}
}

func (w *Worker) teardownAllStreams(cause error, notifyServer bool) {
	for id, entry := range w.streams {
		w.teardownStream(entry, cause, notifyServer)
		delete(w.streams, id)
	}
	if w.serverStateFD != 0 {
		unix.Close(w.serverStateFD)
		w.serverStateFD = 0
	}
	if w.serverConn != nil {
		w.serverConn.Close()
		w.serverConn = nil
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
