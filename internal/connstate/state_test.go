// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package connstate

import "testing"

func TestMachine_ColdStart(t *testing.T) {
	m := New()

	steps := []struct {
		event  Event
		state  State
		action Action
	}{
		{EventRequestConnect, WaitForSocket, ActionInstallFSWatch},
		{EventSocketFileCreated, WaitForWritable, ActionCreateSocketAndConnect},
		{EventConnectWritable, FirstMessage, ActionMakeFDBlocking},
		{EventFirstMessageReceived, Connected, ActionMapServerStateAndReregister},
	}

	for _, step := range steps {
		state, action, err := m.Step(step.event)
		if err != nil {
			t.Fatalf("event %v: unexpected error: %v", step.event, err)
		}
		if state != step.state {
			t.Errorf("event %v: expected state %v, got %v", step.event, step.state, state)
		}
		if action != step.action {
			t.Errorf("event %v: expected action %v, got %v", step.event, step.action, action)
		}
	}

	if !m.IsConnected() {
		t.Fatalf("expected machine to be connected after cold start")
	}
}

func TestMachine_ServerRestart(t *testing.T) {
	m := New()
	mustStep(t, m, EventRequestConnect)
	mustStep(t, m, EventSocketFileCreated)
	mustStep(t, m, EventConnectWritable)
	mustStep(t, m, EventFirstMessageReceived)

	if !m.IsConnected() {
		t.Fatalf("expected connected before restart")
	}

	state, action, err := m.Step(EventSocketFileDeleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != WaitForSocket {
		t.Fatalf("expected WAIT_FOR_SOCKET after server restart, got %v", state)
	}
	if action != ActionTeardownStreamsAndUnmap {
		t.Fatalf("expected teardown action, got %v", action)
	}
	if m.IsConnected() {
		t.Fatalf("expected disconnected immediately after socket-file-deleted")
	}

	// Automatic reconnection continues without a new request-connect.
	mustStep(t, m, EventSocketFileCreated)
	mustStep(t, m, EventConnectWritable)
	mustStep(t, m, EventFirstMessageReceived)
	if !m.IsConnected() {
		t.Fatalf("expected reconnection to complete")
	}
}

func TestMachine_ConnectRefusedStaysArmed(t *testing.T) {
	m := New()
	mustStep(t, m, EventRequestConnect)
	mustStep(t, m, EventSocketFileCreated)

	state, action, err := m.Step(EventConnectRefused)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != WaitForSocket {
		t.Fatalf("expected WAIT_FOR_SOCKET after refused connect, got %v", state)
	}
	if action != ActionCloseFD {
		t.Fatalf("expected close-fd action, got %v", action)
	}
}

func TestMachine_SetupErrorFromAnyNonDisconnectedState(t *testing.T) {
	for _, start := range []Event{EventRequestConnect, EventSocketFileCreated, EventConnectWritable} {
		m := New()
		mustStep(t, m, EventRequestConnect)
		if start == EventSocketFileCreated || start == EventConnectWritable {
			mustStep(t, m, EventSocketFileCreated)
		}
		if start == EventConnectWritable {
			mustStep(t, m, EventConnectWritable)
		}

		state, action, err := m.Step(EventSetupError)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if state != ErrorDelay {
			t.Fatalf("expected ERROR_DELAY, got %v", state)
		}
		if action != ActionArmErrorTimer {
			t.Fatalf("expected arm-timer action, got %v", action)
		}
	}
}

func TestMachine_SetupErrorNotValidFromDisconnected(t *testing.T) {
	m := New()
	_, _, err := m.Step(EventSetupError)
	if err == nil {
		t.Fatalf("expected setup-error to be invalid from DISCONNECTED")
	}
	if m.State() != Disconnected {
		t.Fatalf("expected state to remain DISCONNECTED, got %v", m.State())
	}
}

func TestMachine_ErrorDelayRecovery(t *testing.T) {
	m := New()
	mustStep(t, m, EventRequestConnect)
	mustStep(t, m, EventSetupError)

	state, action, err := m.Step(EventTimerExpired)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != WaitForSocket {
		t.Fatalf("expected WAIT_FOR_SOCKET, got %v", state)
	}
	if action != ActionCloseTimer {
		t.Fatalf("expected close-timer action, got %v", action)
	}
}

func TestMachine_RepeatedConnectIsNoop(t *testing.T) {
	m := New()
	mustStep(t, m, EventRequestConnect)
	mustStep(t, m, EventSocketFileCreated)
	mustStep(t, m, EventConnectWritable)
	mustStep(t, m, EventFirstMessageReceived)

	state, action, err := m.Step(EventRequestConnect)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != Connected {
		t.Fatalf("expected to remain CONNECTED, got %v", state)
	}
	if action != ActionNone {
		t.Fatalf("expected no action on redundant connect, got %v", action)
	}
}

func TestState_HasServerFD(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{Disconnected, false},
		{WaitForSocket, false},
		{WaitForWritable, true},
		{FirstMessage, true},
		{Connected, true},
		{ErrorDelay, true},
	}
	for _, tt := range tests {
		if got := tt.state.HasServerFD(); got != tt.want {
			t.Errorf("%v.HasServerFD() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func mustStep(t *testing.T, m *Machine, ev Event) {
	t.Helper()
	if _, _, err := m.Step(ev); err != nil {
		t.Fatalf("event %v: unexpected error: %v", ev, err)
	}
}
