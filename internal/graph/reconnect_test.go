package graph

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/lenshq/lens/internal/oplog"
	"github.com/lenshq/lens/internal/value"
	"github.com/lenshq/lens/internal/wire"
)

func seedVersions(m *Manager, n int) {
	for i := 1; i <= n; i++ {
		m.Emit("post", "42", map[string]any{"views": float64(i)}, false)
	}
}

func resolveOne(m *Manager, sub wire.ReconnectSubscription) wire.ReconnectResult {
	ack := m.ResolveReconnect("r1", []wire.ReconnectSubscription{sub})
	return ack.Results[0]
}

func TestReconnectCurrent(t *testing.T) {
	m := newTestManager(t, Config{})
	seedVersions(m, 3)

	res := resolveOne(m, wire.ReconnectSubscription{
		ID: "s1", Entity: "post", EntityID: "42", Version: 3,
	})
	if res.Status != wire.StatusCurrent {
		t.Fatalf("status = %s, want current", res.Status)
	}
	if res.Version != 3 {
		t.Errorf("version = %d, want 3", res.Version)
	}
}

func TestReconnectCurrentWithHashMismatch(t *testing.T) {
	m := newTestManager(t, Config{})
	seedVersions(m, 3)

	// Client claims the head version but its bytes differ: snapshot.
	res := resolveOne(m, wire.ReconnectSubscription{
		ID: "s1", Entity: "post", EntityID: "42", Version: 3,
		DataHash: "deadbeef",
	})
	if res.Status != wire.StatusSnapshot {
		t.Fatalf("status = %s, want snapshot", res.Status)
	}

	state, _ := m.CanonicalState("post", "42")
	res = resolveOne(m, wire.ReconnectSubscription{
		ID: "s1", Entity: "post", EntityID: "42", Version: 3,
		DataHash: value.HashOf(state).Hex(),
	})
	if res.Status != wire.StatusCurrent {
		t.Fatalf("status with matching hash = %s, want current", res.Status)
	}
}

func TestReconnectPatched(t *testing.T) {
	m := newTestManager(t, Config{})
	seedVersions(m, 4)

	res := resolveOne(m, wire.ReconnectSubscription{
		ID: "s1", Entity: "post", EntityID: "42", Version: 1,
	})
	if res.Status != wire.StatusPatched {
		t.Fatalf("status = %s, want patched", res.Status)
	}
	if len(res.Patches) != 3 {
		t.Fatalf("patch groups = %d, want 3 (versions 2..4)", len(res.Patches))
	}
	if res.Version != 4 {
		t.Errorf("version = %d, want 4", res.Version)
	}
}

func TestReconnectSnapshotAfterHistoryEviction(t *testing.T) {
	log := oplog.New(oplog.Config{MaxEntries: 2})
	m := New(Config{}, log, zerolog.Nop())
	seedVersions(m, 5)

	res := resolveOne(m, wire.ReconnectSubscription{
		ID: "s1", Entity: "post", EntityID: "42", Version: 1,
	})
	if res.Status != wire.StatusSnapshot {
		t.Fatalf("status = %s, want snapshot (history evicted)", res.Status)
	}
	data, ok := res.Data.(map[string]any)
	if !ok {
		t.Fatalf("snapshot data is %T, want map", res.Data)
	}
	if data["views"] != float64(5) {
		t.Errorf("snapshot views = %v, want 5", data["views"])
	}
}

func TestReconnectDeleted(t *testing.T) {
	m := newTestManager(t, Config{})

	res := resolveOne(m, wire.ReconnectSubscription{
		ID: "s1", Entity: "ghost", EntityID: "9", Version: 2,
	})
	if res.Status != wire.StatusDeleted {
		t.Fatalf("status = %s, want deleted", res.Status)
	}
	if res.Version != 0 {
		t.Errorf("version = %d, want 0", res.Version)
	}
}

func TestReconnectBatchIsolation(t *testing.T) {
	m := newTestManager(t, Config{})
	seedVersions(m, 2)

	ack := m.ResolveReconnect("r1", []wire.ReconnectSubscription{
		{ID: "a", Entity: "post", EntityID: "42", Version: 2},
		{ID: "b", Entity: "ghost", EntityID: "9", Version: 1},
		{ID: "c", Entity: "post", EntityID: "42", Version: 1},
	})
	if ack.ReconnectID != "r1" {
		t.Errorf("reconnect id = %s, want r1", ack.ReconnectID)
	}
	if len(ack.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(ack.Results))
	}
	wantStatus := []wire.ReconnectStatus{wire.StatusCurrent, wire.StatusDeleted, wire.StatusPatched}
	for i, want := range wantStatus {
		if ack.Results[i].Status != want {
			t.Errorf("result %d status = %s, want %s", i, ack.Results[i].Status, want)
		}
	}
}

func TestResubscribeHydratesWhenVersionMoved(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Emit("post", "42", map[string]any{"title": "a"}, false)
	m.Emit("post", "42", map[string]any{"title": "b"}, false)

	rec := newRecorder()
	m.AddClient("c1", rec.send)

	// Reconnect resolution brought the client to v2; an emit lands before
	// the subscription is re-registered.
	m.Emit("post", "42", map[string]any{"title": "c"}, false)
	m.Resubscribe("c1", "post", "42", nil, 2)

	u := rec.nextUpdate(t)
	if u.Version != 3 {
		t.Errorf("hydrate version = %d, want 3", u.Version)
	}
	if _, ok := u.Updates["title"]; !ok {
		t.Error("field changed during the reconnect window never delivered")
	}
}

func TestResubscribeSeedsSilentlyAtHead(t *testing.T) {
	m := newTestManager(t, Config{})
	m.Emit("post", "42", map[string]any{"title": "a"}, false)

	rec := newRecorder()
	m.AddClient("c1", rec.send)
	m.Resubscribe("c1", "post", "42", nil, 1)
	rec.expectNone(t)

	// The shadow was seeded, so the next emit diffs against it.
	m.Emit("post", "42", map[string]any{"title": "b", "body": "x"}, false)
	u := rec.nextUpdate(t)
	if _, ok := u.Updates["title"]; !ok {
		t.Error("changed field missing from diff")
	}
	if _, ok := u.Updates["body"]; !ok {
		t.Error("new field missing from diff")
	}
}
