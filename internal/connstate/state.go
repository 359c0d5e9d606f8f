// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package connstate implements the connection state machine (spec
// §4.1): six states driving a single server socket descriptor from
// "socket file does not yet exist" through to "fully connected,
// notifications re-registered", surviving server death and recreation
// of its socket. The machine itself performs no I/O — it is pure
// transition logic, consumed by the control worker (internal/control),
// which owns the actual descriptors.
package connstate

import "fmt"

// State is one of the six connection states.
type State int

const (
	Disconnected State = iota
	WaitForSocket
	WaitForWritable
	FirstMessage
	Connected
	ErrorDelay
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case WaitForSocket:
		return "WAIT_FOR_SOCKET"
	case WaitForWritable:
		return "WAIT_FOR_WRITABLE"
	case FirstMessage:
		return "FIRST_MESSAGE"
	case Connected:
		return "CONNECTED"
	case ErrorDelay:
		return "ERROR_DELAY"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// HasServerFD reports whether server_fd is meaningful in this state
// (spec §4.1: "server_fd is meaningful only in states {WAIT_FOR_WRITABLE,
// FIRST_MESSAGE, CONNECTED, ERROR_DELAY}" — ERROR_DELAY's descriptor is
// a timer, not the server socket, but it is still the state's owned
// fd).
func (s State) HasServerFD() bool {
	switch s {
	case WaitForWritable, FirstMessage, Connected, ErrorDelay:
		return true
	default:
		return false
	}
}

// Event is an external trigger consumed by Machine.Step.
type Event int

const (
	EventRequestConnect Event = iota
	EventSocketFileCreated
	EventSocketFileDeleted
	EventConnectWritable
	EventConnectRefused
	EventFirstMessageReceived
	EventServerHangupOrReadError
	EventSetupError
	EventTimerExpired
)

func (e Event) String() string {
	switch e {
	case EventRequestConnect:
		return "request-connect"
	case EventSocketFileCreated:
		return "socket-file-created"
	case EventSocketFileDeleted:
		return "socket-file-deleted"
	case EventConnectWritable:
		return "connect-writable"
	case EventConnectRefused:
		return "connect-refused"
	case EventFirstMessageReceived:
		return "first-message-received"
	case EventServerHangupOrReadError:
		return "hangup-or-read-error"
	case EventSetupError:
		return "setup-error"
	case EventTimerExpired:
		return "timer-expired"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Action is a side effect the control worker must perform as a
// consequence of a transition. The machine returns these instead of
// performing I/O itself, keeping it a pure, independently-testable
// component (spec §8 "the state machine never blocks the caller").
type Action int

const (
	ActionNone Action = iota
	ActionInstallFSWatch
	ActionCreateSocketAndConnect
	ActionMakeFDBlocking
	ActionCloseFD
	ActionMapServerStateAndReregister
	ActionTeardownStreamsAndUnmap
	ActionArmErrorTimer
	ActionCloseTimer
)

// ErrInvalidTransition is returned when an event has no defined
// transition from the current state; callers should log and ignore,
// per spec.md §9's guidance on spurious messages, not disconnect.
var ErrInvalidTransition = fmt.Errorf("connstate: event not valid in current state")

// Machine holds the current state. It is not safe for concurrent use;
// the control worker is its sole caller (spec §4.2, §5 "sole mutator").
type Machine struct {
	state State
}

// New returns a machine in the initial DISCONNECTED state.
func New() *Machine {
	return &Machine{state: Disconnected}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Step applies one event to the machine, returning the new state and
// the action the caller must perform. Table per spec §4.1:
//
//	DISCONNECTED        + request-connect         -> WAIT_FOR_SOCKET    (install fs watch)
//	WAIT_FOR_SOCKET      + socket-file-created      -> WAIT_FOR_WRITABLE (create socket, connect)
//	WAIT_FOR_WRITABLE    + connect-writable         -> FIRST_MESSAGE     (make fd blocking)
//	WAIT_FOR_WRITABLE    + connect-refused          -> WAIT_FOR_SOCKET   (close fd)
//	FIRST_MESSAGE        + first-message-received   -> CONNECTED         (map state, reregister, signal)
//	CONNECTED            + hangup-or-read-error     -> WAIT_FOR_SOCKET   (teardown streams, unmap)
//	CONNECTED            + socket-file-deleted       -> WAIT_FOR_SOCKET   (teardown streams, unmap)
//	any except DISCONNECTED + setup-error            -> ERROR_DELAY      (arm 2s timer)
//	ERROR_DELAY           + timer-expired            -> WAIT_FOR_SOCKET   (close timer)
func (m *Machine) Step(ev Event) (State, Action, error) {
	// A setup error is valid from any state except DISCONNECTED,
	// independent of the per-state table below.
	if ev == EventSetupError && m.state != Disconnected {
		m.state = ErrorDelay
		return m.state, ActionArmErrorTimer, nil
	}

	switch m.state {
	case Disconnected:
		if ev == EventRequestConnect {
			m.state = WaitForSocket
			return m.state, ActionInstallFSWatch, nil
		}

	case WaitForSocket:
		if ev == EventSocketFileCreated {
			m.state = WaitForWritable
			return m.state, ActionCreateSocketAndConnect, nil
		}

	case WaitForWritable:
		switch ev {
		case EventConnectWritable:
			m.state = FirstMessage
			return m.state, ActionMakeFDBlocking, nil
		case EventConnectRefused:
			m.state = WaitForSocket
			return m.state, ActionCloseFD, nil
		}

	case FirstMessage:
		if ev == EventFirstMessageReceived {
			m.state = Connected
			return m.state, ActionMapServerStateAndReregister, nil
		}
		// spec.md §9: spurious non-CONNECTED messages arriving first is
		// ambiguous in the source; we document and drop rather than
		// disconnect.
		if ev == EventServerHangupOrReadError {
			// A genuine hangup while awaiting the first message is still
			// a disconnect, just like from CONNECTED.
			m.state = WaitForSocket
			return m.state, ActionTeardownStreamsAndUnmap, nil
		}

	case Connected:
		switch ev {
		case EventServerHangupOrReadError, EventSocketFileDeleted:
			m.state = WaitForSocket
			return m.state, ActionTeardownStreamsAndUnmap, nil
		case EventRequestConnect:
			// spec §8 "Repeated SERVER_CONNECT on an already-connected
			// client is a no-op": return the current state, no action,
			// no error — the FIRST_MESSAGE transition does not re-run.
			return m.state, ActionNone, nil
		}

	case ErrorDelay:
		if ev == EventTimerExpired {
			m.state = WaitForSocket
			return m.state, ActionCloseTimer, nil
		}
	}

	return m.state, ActionNone, ErrInvalidTransition
}

// IsConnected reports whether the connection-event descriptor should
// read as 1 (spec invariant: "reads as 1 iff state == CONNECTED").
func (m *Machine) IsConnected() bool { return m.state == Connected }
