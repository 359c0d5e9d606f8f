// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// fanOutHandler is a slog.Handler that dispatches every record to two
// handlers. NewClientLogger uses it to write simultaneously to the
// process-wide handler and a client-scoped destination (a file, or a
// bounded in-memory ring when no writable log directory is
// configured — the audio core runs in sandboxes that may not have
// one).
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Each handler's own Enabled() is checked before dispatch so a
	// DEBUG record reaches the ring buffer even when the primary
	// handler only accepts INFO and above.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// A write failure on the secondary destination must not suppress
	// the primary log.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewClientLogger returns a logger scoped to one client id: it fans
// out every record to baseLogger's handler plus a client-scoped
// destination. When logDir is non-empty, the destination is
// {logDir}/client-{id}.log at debug level; the returned io.Closer
// closes that file. When logDir is empty, the destination is a bounded
// in-memory RingHandler (defined below) instead — the closer is a no-op
// and the ring can be read back via the returned *RingHandler for
// diagnostics export (internal/diag) when no file exists to attach.
func NewClientLogger(baseLogger *slog.Logger, logDir string, clientID uint32) (*slog.Logger, *RingHandler, io.Closer, error) {
	if logDir == "" {
		ring := NewRingHandler(512)
		combined := &fanOutHandler{primary: baseLogger.Handler(), secondary: ring}
		return slog.New(combined), ring, io.NopCloser(nil), nil
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("creating client log directory %s: %w", logDir, err)
	}

	logPath := filepath.Join(logDir, fmt.Sprintf("client-%d.log", clientID))
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening client log file %s: %w", logPath, err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	combined := &fanOutHandler{primary: baseLogger.Handler(), secondary: fileHandler}
	return slog.New(combined), nil, f, nil
}

// RingHandler is a slog.Handler that keeps the last N records
// in-memory instead of persisting them, for use where no writable log
// directory exists (see NewClientLogger). WithAttrs/WithGroup return a
// handler that still writes into the same underlying ring, so Recent
// always sees every record regardless of which derived handler (via
// slog.Logger.With) produced it.
type RingHandler struct {
	state  *ringState
	attrs  []slog.Attr
	groups []string
}

type ringState struct {
	mu      sync.Mutex
	entries []string
	cap     int
	next    int
	full    bool
}

// NewRingHandler returns a RingHandler retaining at most capacity
// formatted records.
func NewRingHandler(capacity int) *RingHandler {
	if capacity <= 0 {
		capacity = 128
	}
	return &RingHandler{state: &ringState{entries: make([]string, capacity), cap: capacity}}
}

func (h *RingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *RingHandler) Handle(_ context.Context, r slog.Record) error {
	line := fmt.Sprintf("%s %s %s", r.Time.Format("15:04:05.000"), r.Level, r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	s := h.state
	s.mu.Lock()
	s.entries[s.next] = line
	s.next = (s.next + 1) % s.cap
	if s.next == 0 {
		s.full = true
	}
	s.mu.Unlock()
	return nil
}

func (h *RingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RingHandler{state: h.state, attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...), groups: h.groups}
}

func (h *RingHandler) WithGroup(name string) slog.Handler {
	return &RingHandler{state: h.state, attrs: h.attrs, groups: append(append([]string(nil), h.groups...), name)}
}

// Recent returns up to limit of the most recently retained lines,
// oldest first.
func (h *RingHandler) Recent(limit int) []string {
	s := h.state
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []string
	if s.full {
		all = append(all, s.entries[s.next:]...)
	}
	all = append(all, s.entries[:s.next]...)

	if limit <= 0 || limit >= len(all) {
		return all
	}
	return all[len(all)-limit:]
}

// RemoveClientLog removes a finished client's log file. No-op if
// logDir is empty or the file doesn't exist.
func RemoveClientLog(logDir string, clientID uint32) {
	if logDir == "" {
		return
	}
	os.Remove(filepath.Join(logDir, fmt.Sprintf("client-%d.log", clientID)))
}
