// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package client is the library's public surface: a Client handle
// that owns a control.Worker and the sockets/state it manages, and a
// Stream handle per active audio stream (spec §2's handle ownership
// rules). Everything here is a thin, synchronous-looking wrapper
// around Submit-ing commands to the worker; the worker goroutine is
// the only thing that ever touches the connection or shared memory.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/audiocore/internal/config"
	"github.com/nishisan-dev/audiocore/internal/control"
	"github.com/nishisan-dev/audiocore/internal/logging"
	"github.com/nishisan-dev/audiocore/internal/observer"
	"github.com/nishisan-dev/audiocore/internal/protocol"
)

// defaultConnectTimeout bounds Connect when the caller passes zero.
const defaultConnectTimeout = 5 * time.Second

// ErrConnectTimeout is returned by Connect when no CONNECTED or FAILED
// status arrives within the deadline. The attempt itself is not
// cancelled: it keeps running in the background and the connection
// status callback, if any, still fires when it eventually resolves.
var ErrConnectTimeout = errors.New("client: timed out waiting for connection")

// ErrConnectFailed is returned by Connect when the attempt reaches
// FAILED, or DISCONNECTED (a hang-up before the first message),
// before the deadline.
var ErrConnectFailed = errors.New("client: connection attempt failed")

// ErrNoRuntimeDir is returned when neither ClientConfig.RuntimeDir nor
// $XDG_RUNTIME_DIR names a directory to resolve the server socket
// path under (spec §6 "Environment").
var ErrNoRuntimeDir = errors.New("client: no runtime directory configured or in XDG_RUNTIME_DIR")

var instanceSeq atomic.Uint32

// Client is one connection to the audio server: the state machine,
// the control socket, and every stream opened through it (spec §2
// "Client handle. Owns exclusively: ... Destroyed explicitly;
// destruction stops the worker, disconnects, and releases all owned
// resources.").
type Client struct {
	worker       *control.Worker
	observer     *observer.Table
	logger       *slog.Logger
	ring         *logging.RingHandler
	closeLog     func() error
	streamBuffer uint32
	streamThresh uint32
}

// socketPath resolves the server control socket per spec §6: a
// runtime directory plus a connection-type tag used as the filename.
func socketPath(cfg *config.ClientConfig) (string, error) {
	dir := cfg.RuntimeDir
	if dir == "" {
		dir = os.Getenv("XDG_RUNTIME_DIR")
	}
	if dir == "" {
		return "", ErrNoRuntimeDir
	}
	name := cfg.ConnectionType
	if name == "" {
		name = config.DefaultConnectionType
	}
	return filepath.Join(dir, name), nil
}

// New constructs a Client from cfg and starts its control worker. The
// returned Client is disconnected; call Connect or ConnectAsync to
// reach the server (spec §4.1's FSM starts in DISCONNECTED).
//
// baseLogger is the process-wide logger (e.g. from
// logging.NewLogger); New scopes a per-instance logger from it via
// logging.NewClientLogger: a client-<n>.log file in the directory of
// cfg.Logging.File when that is set, or an in-memory ring when it is
// empty. New returns an error if that directory or file cannot be
// created.
func New(cfg *config.ClientConfig, baseLogger *slog.Logger) (*Client, error) {
	path, err := socketPath(cfg)
	if err != nil {
		return nil, err
	}

	logDir := ""
	if cfg.Logging.File != "" {
		logDir = filepath.Dir(cfg.Logging.File)
	}
	instanceID := instanceSeq.Add(1)
	scoped, ring, closer, err := logging.NewClientLogger(baseLogger, logDir, instanceID)
	if err != nil {
		return nil, fmt.Errorf("client: scoping logger: %w", err)
	}

	obs := observer.New()
	worker, err := control.New(control.Config{
		SocketPath: path,
		Logger:     scoped,
		Observer:   obs,
	})
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("client: constructing control worker: %w", err)
	}

	c := &Client{
		worker:       worker,
		observer:     obs,
		logger:       scoped,
		ring:         ring,
		closeLog:     closer.Close,
		streamBuffer: cfg.Stream.BufferFrames,
		streamThresh: cfg.Stream.CallbackThreshold,
	}
	worker.Start()
	return c, nil
}

// Close stops the control worker, tearing down every stream and the
// server connection, and releases the scoped log destination.
func (c *Client) Close() error {
	c.worker.Stop()
	return c.closeLog()
}

// ClientID returns the id the server last assigned this connection.
// Zero before the first successful CONNECTED.
func (c *Client) ClientID() uint32 { return c.worker.ClientID() }

// RecentLogs returns up to n of the most recent log lines captured in
// this client's ring buffer. Empty when New was given a log
// directory, since records went to a file instead; the file is not
// read back here.
func (c *Client) RecentLogs(n int) []string {
	if c.ring == nil {
		return nil
	}
	return c.ring.Recent(n)
}

// SetConnectionStatusCallback installs the callback invoked on every
// connection-status transition (spec §4.5). A nil fn clears it.
func (c *Client) SetConnectionStatusCallback(fn observer.ConnectionFunc) {
	c.observer.SetConnectionStatus(fn)
}

// RegisterNotify installs fn for kind in the callback table. No
// register record is sent at the time of the call, even when
// connected; the kind is registered with the server on the next
// transition into CONNECTED and on every one after it (spec §4.5's
// replay contract).
func (c *Client) RegisterNotify(kind protocol.NotificationKind, fn observer.NotifyFunc) {
	c.observer.Register(kind, fn)
}

// DeregisterNotify clears any callback installed for kind.
func (c *Client) DeregisterNotify(kind protocol.NotificationKind) {
	c.observer.Deregister(kind)
}

// ConnectAsync requests a connection attempt without waiting for it
// to resolve; the connection-status callback, if any, reports the
// outcome when it arrives.
func (c *Client) ConnectAsync() error {
	reply := c.worker.Submit(control.Command{Kind: control.CmdServerConnectAsync})
	return reply.Err
}

// Connect requests a connection attempt and blocks until it reaches
// CONNECTED or FAILED, or timeout elapses (a zero timeout selects
// defaultConnectTimeout). The wait happens here, in the caller's own
// goroutine, never inside the control worker's event loop — see
// control.Command.ConnectWaiter's doc comment for why that split is
// required to avoid a deadlock. On ErrConnectTimeout the attempt
// itself keeps running in the background.
func (c *Client) Connect(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	waiter := make(chan observer.Status, 1)
	reply := c.worker.Submit(control.Command{Kind: control.CmdServerConnect, ConnectWaiter: waiter})
	if reply.Err != nil {
		return reply.Err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case status := <-waiter:
		if status != observer.StatusConnected {
			return ErrConnectFailed
		}
		return nil
	case <-timer.C:
		return ErrConnectTimeout
	}
}
