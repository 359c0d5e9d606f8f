// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observer

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nishisan-dev/audiocore/internal/protocol"
)

func TestTable_RegisterAndDispatch(t *testing.T) {
	tbl := New()

	var got protocol.NotifyEvent
	tbl.Register(protocol.NotifyActiveNode, func(kind protocol.NotificationKind, payload []byte) {
		got = protocol.NotifyEvent{Kind: kind, Payload: payload}
	})

	tbl.Dispatch(protocol.NotifyEvent{Kind: protocol.NotifyActiveNode, Payload: []byte{1, 2, 3}})

	if got.Kind != protocol.NotifyActiveNode {
		t.Fatalf("expected dispatch to reach the installed callback, got kind %v", got.Kind)
	}
	if !reflect.DeepEqual(got.Payload, []byte{1, 2, 3}) {
		t.Fatalf("unexpected payload: %v", got.Payload)
	}
}

func TestTable_DispatchWithNoCallbackIsNoop(t *testing.T) {
	tbl := New()
	// Should not panic even though nothing is registered.
	tbl.Dispatch(protocol.NotifyEvent{Kind: protocol.NotifyOutputMute, Payload: nil})
}

func TestTable_DeregisterStopsDispatch(t *testing.T) {
	tbl := New()
	calls := 0
	tbl.Register(protocol.NotifyOutputVolume, func(protocol.NotificationKind, []byte) { calls++ })
	tbl.Dispatch(protocol.NotifyEvent{Kind: protocol.NotifyOutputVolume})
	tbl.Deregister(protocol.NotifyOutputVolume)
	tbl.Dispatch(protocol.NotifyEvent{Kind: protocol.NotifyOutputVolume})

	if calls != 1 {
		t.Fatalf("expected exactly one call before deregister, got %d", calls)
	}
}

func TestTable_Active(t *testing.T) {
	tbl := New()
	tbl.Register(protocol.NotifyActiveNode, func(protocol.NotificationKind, []byte) {})
	tbl.Register(protocol.NotifyCaptureMute, func(protocol.NotificationKind, []byte) {})

	active := tbl.Active()
	want := []protocol.NotificationKind{protocol.NotifyCaptureMute, protocol.NotifyActiveNode}

	if len(active) != 2 {
		t.Fatalf("expected 2 active kinds, got %d", len(active))
	}
	for _, k := range want {
		found := false
		for _, a := range active {
			if a == k {
				found = true
			}
		}
		if !found {
			t.Errorf("expected kind %v to be active", k)
		}
	}
}

func TestTable_ReplaySendsBeforeConnectedStatus(t *testing.T) {
	tbl := New()
	tbl.Register(protocol.NotifyActiveNode, func(protocol.NotificationKind, []byte) {})

	var order []string
	tbl.SetConnectionStatus(func(status Status) {
		order = append(order, "status:"+status.String())
	})

	sent := make(map[protocol.NotificationKind]bool)
	err := tbl.Replay(func(kind protocol.NotificationKind) error {
		sent[kind] = true
		order = append(order, "register")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !sent[protocol.NotifyActiveNode] {
		t.Fatalf("expected active-node to be re-registered on replay")
	}
	if len(order) != 2 || order[0] != "register" || order[1] != "status:CONNECTED" {
		t.Fatalf("expected register before CONNECTED status, got %v", order)
	}
}

func TestTable_ReplayStopsOnSendError(t *testing.T) {
	tbl := New()
	tbl.Register(protocol.NotifyActiveNode, func(protocol.NotificationKind, []byte) {})

	statusReported := false
	tbl.SetConnectionStatus(func(Status) { statusReported = true })

	wantErr := errors.New("socket closed")
	err := tbl.Replay(func(protocol.NotificationKind) error { return wantErr })

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected replay to propagate send error, got %v", err)
	}
	if statusReported {
		t.Fatalf("expected CONNECTED status not to be reported when replay fails")
	}
}
