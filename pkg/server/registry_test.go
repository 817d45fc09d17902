package server

import (
	"testing"
	"time"

	"github.com/lattechat/latte/pkg/protocol"
)

type fakePeer struct {
	queued []*protocol.Message
	closed bool
}

func (p *fakePeer) Enqueue(msg *protocol.Message, _ string) bool {
	p.queued = append(p.queued, msg)
	return true
}

func (p *fakePeer) ForceClose() { p.closed = true }

func TestSessionRegistryBind(t *testing.T) {
	sr := NewSessionRegistry()
	a, b := &fakePeer{}, &fakePeer{}

	if !sr.Bind("alice", a, true) {
		t.Fatal("first Bind failed")
	}
	if sr.Bind("alice", b, false) {
		t.Fatal("second Bind of taken username succeeded")
	}

	got, ok := sr.Get("alice")
	if !ok || got != Peer(a) {
		t.Fatalf("Get: want peer a, got %v (ok=%t)", got, ok)
	}

	// Unbind from the wrong peer must not release the name.
	sr.Unbind("alice", b)
	if _, ok := sr.Get("alice"); !ok {
		t.Fatal("Unbind by non-owner released the username")
	}

	sr.Unbind("alice", a)
	if _, ok := sr.Get("alice"); ok {
		t.Fatal("username still bound after owner Unbind")
	}
}

func TestSessionRegistrySnapshotSorted(t *testing.T) {
	sr := NewSessionRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		sr.Bind(name, &fakePeer{}, false)
	}

	snap := sr.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot size: want 3 got %d", len(snap))
	}
	for i, want := range []string{"alice", "bob", "carol"} {
		if snap[i].Username != want {
			t.Fatalf("snapshot[%d]: want %s got %s", i, want, snap[i].Username)
		}
	}
}

func TestGroupRegistryLifecycle(t *testing.T) {
	gr := NewGroupRegistry()

	if !gr.Create("devs") {
		t.Fatal("Create failed")
	}
	if gr.Create("devs") {
		t.Fatal("duplicate Create succeeded")
	}

	if exists, _ := gr.Join("ghosts", "alice"); exists {
		t.Fatal("Join of unknown group reported existing")
	}
	if exists, wasMember := gr.Join("devs", "alice"); !exists || wasMember {
		t.Fatalf("first Join: exists=%t wasMember=%t", exists, wasMember)
	}
	if _, wasMember := gr.Join("devs", "alice"); !wasMember {
		t.Fatal("repeat Join did not report existing membership")
	}

	gr.Join("devs", "bob")
	members := gr.Members("devs")
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("Members: got %v", members)
	}

	if exists, wasMember := gr.Leave("devs", "alice"); !exists || !wasMember {
		t.Fatalf("Leave: exists=%t wasMember=%t", exists, wasMember)
	}
	if _, wasMember := gr.Leave("devs", "alice"); wasMember {
		t.Fatal("second Leave reported membership")
	}

	// Groups survive their last member.
	gr.Leave("devs", "bob")
	if !gr.Exists("devs") {
		t.Fatal("empty group was deleted")
	}
}

func TestGroupRegistryList(t *testing.T) {
	gr := NewGroupRegistry()
	gr.Create("ops")
	gr.Create("devs")
	gr.Join("devs", "alice")

	list := gr.List("alice")
	if len(list) != 2 {
		t.Fatalf("List size: want 2 got %d", len(list))
	}
	if list[0].Name != "devs" || !list[0].Member {
		t.Fatalf("List[0]: got %+v", list[0])
	}
	if list[1].Name != "ops" || list[1].Member {
		t.Fatalf("List[1]: got %+v", list[1])
	}
}

func TestGroupRegistrySweepInactive(t *testing.T) {
	gr := NewGroupRegistry()
	now := time.Now()
	gr.now = func() time.Time { return now }

	gr.Create("devs")
	gr.Join("devs", "idle")
	now = now.Add(3 * time.Minute)
	gr.Join("devs", "fresh")

	evicted := gr.SweepInactive(2 * time.Minute)
	if len(evicted) != 1 || evicted[0].Group != "devs" || evicted[0].Username != "idle" {
		t.Fatalf("SweepInactive: got %v", evicted)
	}
	if gr.IsMember("devs", "idle") {
		t.Fatal("idle member survived the sweep")
	}
	if !gr.IsMember("devs", "fresh") {
		t.Fatal("fresh member was evicted")
	}
}

func TestGroupRegistryTouchDefersEviction(t *testing.T) {
	gr := NewGroupRegistry()
	now := time.Now()
	gr.now = func() time.Time { return now }

	gr.Create("devs")
	gr.Join("devs", "alice")
	now = now.Add(90 * time.Second)
	gr.Touch("devs", "alice")
	now = now.Add(90 * time.Second)

	if evicted := gr.SweepInactive(2 * time.Minute); len(evicted) != 0 {
		t.Fatalf("touched member evicted: %v", evicted)
	}
}

func TestTransferRegistryRendezvous(t *testing.T) {
	tr := NewTransferRegistry()
	tr.Expect("alice", "bob")

	if !tr.Pending("alice") || !tr.Pending("bob") {
		t.Fatal("Expect did not register placeholders")
	}
	if tr.Pending("carol") {
		t.Fatal("unregistered user reported pending")
	}

	legA := &FileLeg{current: "alice", remote: "bob"}
	tr.Activate("alice", legA)

	got, ok := tr.AwaitLive("alice", 10*time.Millisecond)
	if !ok || got != legA {
		t.Fatalf("AwaitLive on live leg: ok=%t got=%v", ok, got)
	}
}

func TestTransferRegistryAwaitWakesOnActivate(t *testing.T) {
	tr := NewTransferRegistry()
	tr.Expect("alice", "bob")

	legB := &FileLeg{current: "bob", remote: "alice"}
	done := make(chan struct{})
	go func() {
		defer close(done)
		got, ok := tr.AwaitLive("bob", 2*time.Second)
		if !ok || got != legB {
			t.Errorf("AwaitLive: ok=%t got=%v", ok, got)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	tr.Activate("bob", legB)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitLive did not wake on Activate")
	}
}

func TestTransferRegistryAwaitTimeout(t *testing.T) {
	tr := NewTransferRegistry()
	tr.Expect("alice", "bob")

	start := time.Now()
	if _, ok := tr.AwaitLive("bob", 50*time.Millisecond); ok {
		t.Fatal("AwaitLive on placeholder succeeded")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("AwaitLive returned before its timeout")
	}
}

func TestTransferRegistryFinishOnce(t *testing.T) {
	tr := NewTransferRegistry()
	tr.Expect("alice", "bob")

	legA := &FileLeg{current: "alice", remote: "bob"}
	legB := &FileLeg{current: "bob", remote: "alice"}
	tr.Activate("alice", legA)
	tr.Activate("bob", legB)

	// First finisher only marks itself; its partner is still live.
	tr.Finish("alice", "bob", legA)
	if !tr.Pending("alice") || !tr.Pending("bob") {
		t.Fatal("first Finish removed entries while partner was live")
	}
	if !legA.inactive.Load() {
		t.Fatal("first Finish did not mark the leg inactive")
	}

	// Second finisher sees an inactive partner and removes both.
	tr.Finish("bob", "alice", legB)
	if tr.Pending("alice") || tr.Pending("bob") {
		t.Fatal("second Finish left entries behind")
	}
}

func TestTransferRegistryFinishAgainstPlaceholder(t *testing.T) {
	// Partner never connected: its entry is still a placeholder, so
	// the finishing leg cleans up both entries itself.
	tr := NewTransferRegistry()
	tr.Expect("alice", "bob")

	legA := &FileLeg{current: "alice", remote: "bob"}
	tr.Activate("alice", legA)

	tr.Finish("alice", "bob", legA)
	if tr.Pending("alice") || tr.Pending("bob") {
		t.Fatal("Finish against placeholder left entries behind")
	}
}

func TestKeyRegistry(t *testing.T) {
	kr := NewKeyRegistry()
	if _, ok := kr.Get("alice"); ok {
		t.Fatal("empty registry returned a key")
	}
	kr.Put("alice", "key-material")
	if key, ok := kr.Get("alice"); !ok || key != "key-material" {
		t.Fatalf("Get: ok=%t key=%q", ok, key)
	}
	kr.Remove("alice")
	if _, ok := kr.Get("alice"); ok {
		t.Fatal("key survived Remove")
	}
}
