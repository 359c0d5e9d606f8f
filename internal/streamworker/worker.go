// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package streamworker implements the per-stream audio worker: one
// goroutine per live stream, polling the audio socket for control
// records and running the user's playback or capture callback against
// the stream's shared-memory ring (spec §4.3, §5 "exactly one audio
// worker per live stream").
package streamworker

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/audiocore/internal/protocol"
	"github.com/nishisan-dev/audiocore/internal/shm"
)

// State is the worker's lifecycle stage.
type State int32

const (
	StateWarmup State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateWarmup:
		return "WARMUP"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// pollInterval bounds how long a read on the audio socket blocks
// before the worker rechecks its stop channel.
const pollInterval = 250 * time.Millisecond

// PlaybackFunc fills buf with up to frames of audio and returns how
// many frames it actually wrote. A negative framesWritten or non-nil
// err ends the stream (spec §8 "playback underflow").
type PlaybackFunc func(buf []byte, frames int64) (framesWritten int64, err error)

// CaptureFunc consumes frames of captured audio from buf. A non-nil
// return ends the stream.
type CaptureFunc func(buf []byte, frames int64) error

// Event is posted to the control worker's stream-event pipe when a
// worker exits, successfully or not.
type Event struct {
	StreamID uint64
	Err      error // nil only for a clean Stop(); anything else is EOF with a cause
}

// Worker drives one stream's audio socket and shared-memory ring. It
// is not safe for concurrent use by more than the single goroutine
// started by Run, plus lifecycle calls (Stop, State, MarkReady) from
// the control worker.
type Worker struct {
	streamID     uint64
	direction    protocol.Direction
	region       *shm.Region
	frameSize    int64
	threshold    int64
	bufferFrames int64
	bulkAudioOK  bool

	sock *net.UnixConn

	playback PlaybackFunc
	capture  CaptureFunc

	events chan<- Event
	logger *slog.Logger

	state     atomic.Int32
	ready     chan struct{}
	readyOnce sync.Once
	stopCh    chan struct{}
	stopWg    sync.WaitGroup
	once      sync.Once
}

// Config bundles a worker's construction parameters. Region may be
// left nil when the control worker constructs the stream's audio
// worker before the server's STREAM_CONNECTED reply has mapped shared
// memory (spec §4.3's WARMUP stage); MarkReady then supplies it once
// mapping completes. Tests that already hold a mapped region may pass
// it here instead, in which case the worker starts RUNNING the moment
// Run is called, with no separate MarkReady call required.
type Config struct {
	StreamID     uint64
	Direction    protocol.Direction
	Region       *shm.Region
	FrameSize    int64
	Threshold    int64
	BufferFrames int64
	BulkAudioOK  bool
	Sock         *net.UnixConn
	Playback     PlaybackFunc
	Capture      CaptureFunc
	Events       chan<- Event
	Logger       *slog.Logger
}

// New constructs a worker in WARMUP. The caller must call Run in its
// own goroutine to move it to RUNNING.
func New(cfg Config) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		streamID:     cfg.StreamID,
		direction:    cfg.Direction,
		region:       cfg.Region,
		frameSize:    cfg.FrameSize,
		threshold:    cfg.Threshold,
		bufferFrames: cfg.BufferFrames,
		bulkAudioOK:  cfg.BulkAudioOK,
		sock:         cfg.Sock,
		playback:     cfg.Playback,
		capture:      cfg.Capture,
		events:       cfg.Events,
		logger:       logger.With("stream_id", cfg.StreamID),
		ready:        make(chan struct{}),
		stopCh:       make(chan struct{}),
	}
	w.state.Store(int32(StateWarmup))
	if cfg.Region != nil {
		// The caller already has a mapped region in hand (the common
		// case in tests); nothing to wait for.
		close(w.ready)
	}
	return w
}

// MarkReady supplies the mapped shared-memory region and releases the
// worker from WARMUP, unblocking Run. The control worker calls this
// once the server's STREAM_CONNECTED reply has been decoded and
// shared memory mapped; until then Run blocks without touching the
// audio socket (spec §4.3). A second call is a no-op.
func (w *Worker) MarkReady(region *shm.Region) {
	w.readyOnce.Do(func() {
		w.region = region
		close(w.ready)
	})
}

// State returns the worker's current lifecycle stage.
func (w *Worker) State() State { return State(w.state.Load()) }

// StreamID returns the stream this worker drives.
func (w *Worker) StreamID() uint64 { return w.streamID }

// Stop signals the worker to exit and waits for it to do so. Safe to
// call more than once, including while still in WARMUP.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stopCh) })
	w.stopWg.Wait()
}

// Run is the worker's main loop: wait out WARMUP, then poll the audio
// socket for a control record, dispatch it against the shared-memory
// ring, reply, repeat. It must be started in its own goroutine; it
// returns when Stop is called or the socket reports an error.
func (w *Worker) Run() {
	w.stopWg.Add(1)
	defer w.stopWg.Done()

	select {
	case <-w.ready:
	case <-w.stopCh:
		w.finish(nil)
		return
	}

	w.state.Store(int32(StateRunning))
	w.logger.Debug("stream worker running", "direction", w.direction)

	for {
		select {
		case <-w.stopCh:
			w.finish(nil)
			return
		default:
		}

		w.sock.SetReadDeadline(time.Now().Add(pollInterval))
		rec, err := protocol.ReadAudioControlRecord(w.sock)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			w.finish(fmt.Errorf("stream %d: audio socket read: %w", w.streamID, err))
			return
		}

		if err := w.dispatch(rec); err != nil {
			w.finish(err)
			return
		}
	}
}

func (w *Worker) dispatch(rec protocol.AudioControlRecord) error {
	switch w.direction {
	case protocol.DirectionCapture, protocol.DirectionLoopbackCapture:
		return w.handleCapture(rec)
	default:
		return w.handlePlayback(rec)
	}
}

// handleCapture implements spec §8's capture invariant: if the server
// claims N frames are ready but the ring's write cursor indicates
// fewer than N are actually readable, the callback is not invoked and
// the reply reports zero frames. Before that check, the claimed count
// is clamped to the callback threshold, or to the full buffer for a
// BULK_AUDIO_OK stream (spec §4.3).
func (w *Worker) handleCapture(rec protocol.AudioControlRecord) error {
	if rec.ID != protocol.AudioDataReady {
		return nil
	}

	claimed := int64(rec.Frames)
	limit := w.threshold
	if w.bulkAudioOK {
		limit = w.bufferFrames
	}
	if limit > 0 && claimed > limit {
		claimed = limit
	}

	ring := w.region.Ring()
	header := w.region.Header()

	available := ring.ReadableFrames(header, w.frameSize)
	if available < claimed {
		w.logger.Warn("capture frame count mismatch, dropping",
			"claimed", claimed, "available", available)
		return w.replyCapture(0, 0)
	}

	buf := make([]byte, claimed*w.frameSize)
	if err := ring.ReadAt(header, w.frameSize, claimed, buf); err != nil {
		return fmt.Errorf("stream %d: ring read: %w", w.streamID, err)
	}

	if w.capture != nil {
		if err := w.capture(buf, claimed); err != nil {
			return fmt.Errorf("stream %d: capture callback: %w", w.streamID, err)
		}
	}

	ring.AdvanceRead(header, w.frameSize, claimed)
	return w.replyCapture(claimed, 0)
}

func (w *Worker) replyCapture(frames int64, errCode int32) error {
	reply := protocol.WriteAudioControlRecord(protocol.AudioControlRecord{
		ID:     protocol.AudioDataCaptured,
		Frames: uint32(frames),
		Error:  errCode,
	})
	_, err := w.sock.Write(reply)
	return err
}

// handlePlayback services a server REQUEST_DATA record: the callback
// fills up to the requested number of frames; a negative return or
// error ends the stream (spec §8 scenario 4, "playback underflow").
func (w *Worker) handlePlayback(rec protocol.AudioControlRecord) error {
	if rec.ID != protocol.AudioRequestData {
		return nil
	}

	wanted := int64(rec.Frames)
	if w.threshold > 0 && wanted > w.threshold {
		wanted = w.threshold
	}
	if ring := w.region.Ring(); wanted > ring.Capacity()/w.frameSize {
		wanted = ring.Capacity() / w.frameSize
	}

	buf := make([]byte, wanted*w.frameSize)
	framesWritten, err := int64(0), error(nil)
	if w.playback != nil {
		framesWritten, err = w.playback(buf, wanted)
	}

	if err != nil || framesWritten < 0 {
		if err == nil {
			err = fmt.Errorf("stream %d: playback callback returned %d", w.streamID, framesWritten)
		}
		return err
	}

	if framesWritten > wanted {
		framesWritten = wanted
	}

	header := w.region.Header()
	ring := w.region.Ring()
	if framesWritten > 0 {
		if err := ring.WriteAt(header, w.frameSize, framesWritten, buf[:framesWritten*w.frameSize]); err != nil {
			return fmt.Errorf("stream %d: ring write: %w", w.streamID, err)
		}
		ring.AdvanceWrite(header, w.frameSize, framesWritten)
	}

	reply := protocol.WriteAudioControlRecord(protocol.AudioControlRecord{
		ID:     protocol.AudioDataReady,
		Frames: uint32(framesWritten),
		Error:  0,
	})
	_, err := w.sock.Write(reply)
	return err
}

func (w *Worker) finish(err error) {
	w.state.Store(int32(StateStopped))
	if w.events == nil {
		return
	}
	select {
	case w.events <- Event{StreamID: w.streamID, Err: err}:
	default:
		w.logger.Warn("stream-event pipe full, dropping termination event")
	}
}
