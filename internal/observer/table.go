// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package observer holds the dynamic callback table for the ten
// notification kinds (spec §4.5) and the connection-status callback,
// and implements the reconnect-replay contract: on every transition
// into CONNECTED, every kind with an active callback is re-registered
// with the server before the user sees the CONNECTED status.
package observer

import (
	"sync"

	"github.com/nishisan-dev/audiocore/internal/protocol"
)

// Status is the user-observable connection-status lattice.
type Status int

const (
	StatusFailed Status = iota
	StatusDisconnected
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusFailed:
		return "FAILED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// NotifyFunc receives a pushed notification event. Payload is opaque;
// the core never interprets it (spec §1 Non-goals).
type NotifyFunc func(kind protocol.NotificationKind, payload []byte)

// ConnectionFunc receives connection-status transitions.
type ConnectionFunc func(status Status)

// Table is the ten-slot dynamic callback record described in spec.md
// §9 "Dynamic callback tables": registering or unregistering a kind is
// a single-field update. It is safe for concurrent use: user threads
// register/deregister while the control worker dispatches and replays
// from a different goroutine.
type Table struct {
	mu         sync.RWMutex
	callbacks  [protocol.NotificationKindCount]NotifyFunc
	connStatus ConnectionFunc
}

// New returns an empty callback table.
func New() *Table {
	return &Table{}
}

// SetConnectionStatus installs (or clears, with nil) the
// connection-status callback.
func (t *Table) SetConnectionStatus(fn ConnectionFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connStatus = fn
}

// ReportStatus invokes the connection-status callback, if any.
func (t *Table) ReportStatus(status Status) {
	t.mu.RLock()
	fn := t.connStatus
	t.mu.RUnlock()
	if fn != nil {
		fn(status)
	}
}

// Register installs a callback for kind, marking it active for replay
// on the next reconnect. A nil fn is equivalent to Deregister.
func (t *Table) Register(kind protocol.NotificationKind, fn NotifyFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks[kind] = fn
}

// Deregister clears any callback installed for kind.
func (t *Table) Deregister(kind protocol.NotificationKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks[kind] = nil
}

// Active returns every kind that currently has a non-nil callback, in
// ascending kind order. The control worker uses this list to rebuild
// the server's registration state after a reconnect.
func (t *Table) Active() []protocol.NotificationKind {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var kinds []protocol.NotificationKind
	for i, fn := range t.callbacks {
		if fn != nil {
			kinds = append(kinds, protocol.NotificationKind(i))
		}
	}
	return kinds
}

// Dispatch invokes the callback registered for ev.Kind, if any. Events
// for kinds with no installed callback (a deregister raced the
// server's last push) are silently dropped.
func (t *Table) Dispatch(ev protocol.NotifyEvent) {
	t.mu.RLock()
	fn := t.callbacks[ev.Kind]
	t.mu.RUnlock()
	if fn != nil {
		fn(ev.Kind, ev.Payload)
	}
}

// Replay sends a register record to the server for every active kind,
// via send, then reports CONNECTED. It must be called by the control
// worker before the connection-status callback fires, satisfying the
// ordering invariant in spec.md §8: "every previously-registered
// notification kind results in a register record sent to S before the
// connection-status callback reports CONNECTED". If send returns an
// error for any kind, Replay stops and returns it without reporting
// CONNECTED.
func (t *Table) Replay(send func(protocol.NotificationKind) error) error {
	for _, kind := range t.Active() {
		if err := send(kind); err != nil {
			return err
		}
	}
	t.ReportStatus(StatusConnected)
	return nil
}
