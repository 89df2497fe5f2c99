package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"coder1/bridge/internal/protocol"
)

type fakeTransport struct {
	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
}

func (f *fakeTransport) Send(ctx context.Context, msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakePending struct {
	counts map[string]int
}

func (f *fakePending) PendingFor(bridgeID string) int { return f.counts[bridgeID] }

func newTestRegistry(now *time.Time) *Registry {
	return New(Options{Now: func() time.Time { return *now }})
}

func TestRegister_DerivesCapabilities(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)

	id, err := r.Register("user-1", Metadata{Version: "1.2.0", Platform: "darwin"}, &fakeTransport{})
	if err != nil {
		t.Fatal(err)
	}
	snap, ok := r.Snapshot(id)
	if !ok {
		t.Fatal("bridge should be registered")
	}
	want := map[string]bool{"cli.execute": true, "file.read": true, "file.write": true, "shell.unix": true}
	if len(snap.Capabilities) != len(want) {
		t.Fatalf("unexpected capabilities: %v", snap.Capabilities)
	}
	for _, c := range snap.Capabilities {
		if !want[c] {
			t.Fatalf("unexpected capability %q", c)
		}
	}

	winID, err := r.Register("user-1", Metadata{Platform: "windows"}, &fakeTransport{})
	if err != nil {
		t.Fatal(err)
	}
	winSnap, _ := r.Snapshot(winID)
	for _, c := range winSnap.Capabilities {
		if c == "shell.unix" {
			t.Fatal("windows bridge should not get shell.unix")
		}
	}
}

func TestSelectBridge_LeastLoaded(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)

	first, _ := r.Register("user-1", Metadata{Platform: "linux"}, &fakeTransport{})
	now = now.Add(time.Second)
	second, _ := r.Register("user-1", Metadata{Platform: "linux"}, &fakeTransport{})

	pc := &fakePending{counts: map[string]int{first: 3, second: 1}}
	r.SetPendingCounter(pc)

	if got, ok := r.SelectBridge("user-1"); !ok || got != second {
		t.Fatalf("expected least-loaded bridge %s, got %s", second, got)
	}

	// Ties break deterministically toward the earliest-paired bridge.
	pc.counts[second] = 3
	if got, _ := r.SelectBridge("user-1"); got != first {
		t.Fatalf("expected tie to break to %s, got %s", first, got)
	}

	if _, ok := r.SelectBridge("user-without-bridges"); ok {
		t.Fatal("expected no bridge for unknown user")
	}
}

func TestUnregister_CascadesAndClosesTransport(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)
	transport := &fakeTransport{}
	id, _ := r.Register("user-1", Metadata{Platform: "linux"}, transport)

	var lost []string
	r.OnBridgeLost(func(bridgeID string) { lost = append(lost, bridgeID) })

	r.Unregister(id, "test")
	if !transport.closed {
		t.Fatal("transport should be closed")
	}
	if len(lost) != 1 || lost[0] != id {
		t.Fatalf("bridge-lost hook not fired: %v", lost)
	}
	if _, ok := r.Snapshot(id); ok {
		t.Fatal("bridge should be removed")
	}
	if got := r.Bridges("user-1"); len(got) != 0 {
		t.Fatalf("user entry should be empty: %v", got)
	}
}

func TestMonitor_EvictsStaleBridges(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)
	monitor := NewMonitor(r, nil)

	stale, _ := r.Register("user-1", Metadata{Platform: "linux"}, &fakeTransport{})
	fresh, _ := r.Register("user-1", Metadata{Platform: "linux"}, &fakeTransport{})

	var lost []string
	r.OnBridgeLost(func(bridgeID string) { lost = append(lost, bridgeID) })

	// Only the fresh bridge keeps heartbeating.
	now = now.Add(91 * time.Second)
	if err := r.OnHeartbeat(fresh, protocol.BridgeStats{CommandsExecuted: 2}); err != nil {
		t.Fatal(err)
	}

	evicted := monitor.SweepOnce()
	if len(evicted) != 1 || evicted[0] != stale {
		t.Fatalf("expected %s evicted, got %v", stale, evicted)
	}
	if len(lost) != 1 || lost[0] != stale {
		t.Fatalf("cascade hook should fire for %s: %v", stale, lost)
	}
	if _, ok := r.Snapshot(fresh); !ok {
		t.Fatal("fresh bridge should survive")
	}
}

func TestOnHeartbeat_UpdatesStats(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	r := newTestRegistry(&now)
	id, _ := r.Register("user-1", Metadata{Platform: "linux"}, &fakeTransport{})

	now = now.Add(30 * time.Second)
	if err := r.OnHeartbeat(id, protocol.BridgeStats{CommandsExecuted: 7, MemoryMB: 120.5}); err != nil {
		t.Fatal(err)
	}
	snap, _ := r.Snapshot(id)
	if !snap.LastHeartbeat.Equal(now) {
		t.Fatalf("last heartbeat not updated: %s", snap.LastHeartbeat)
	}
	if snap.Stats.CommandsExecuted != 7 {
		t.Fatalf("stats not updated: %+v", snap.Stats)
	}
	if err := r.OnHeartbeat("missing", protocol.BridgeStats{}); err != ErrBridgeNotFound {
		t.Fatalf("expected ErrBridgeNotFound, got %v", err)
	}
}
