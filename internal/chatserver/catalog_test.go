package chatserver

import (
	"net"
	"testing"

	"chatty/internal/strset"
)

func TestRegisterThenUnregisterRoundTrip(t *testing.T) {
	c := NewCatalog(4, 8)
	user, inserted := c.Register("alice")
	if !inserted || user.Nickname != "alice" {
		t.Fatalf("Register = %v, %v", user, inserted)
	}
	if _, inserted := c.Register("alice"); inserted {
		t.Fatal("Register(alice) twice reported inserted=true")
	}

	removed, found := c.Unregister("alice")
	if !found || removed != user {
		t.Fatalf("Unregister = %v, %v", removed, found)
	}

	// Re-registering the same nickname must succeed with a fresh, empty
	// history (spec §8 round-trip property).
	fresh, inserted := c.Register("alice")
	if !inserted {
		t.Fatal("Register after Unregister failed")
	}
	if fresh.History.Len() != 0 {
		t.Errorf("fresh user history len = %d, want 0", fresh.History.Len())
	}
}

func TestUnregisterRemovesFromGroups(t *testing.T) {
	c := NewCatalog(4, 8)
	c.Register("alice")
	set := strset.New()
	_ = set.Insert("alice")
	c.Groups.Set("g", set)

	c.Unregister("alice")
	group, ok := c.Groups.Load("g")
	if !ok {
		t.Fatal("group g disappeared")
	}
	if group.Has("alice") {
		t.Error("alice still a member of g after Unregister")
	}
}

func TestConnectedTableAllocateAndRelease(t *testing.T) {
	tbl := NewConnectedTable(2)
	c1, _ := net.Pipe()
	c2, _ := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	if _, ok := tbl.Allocate("alice", c1, 10); !ok {
		t.Fatal("first Allocate failed")
	}
	if _, ok := tbl.Allocate("bob", c2, 11); !ok {
		t.Fatal("second Allocate failed")
	}
	if _, ok := tbl.Allocate("carol", c1, 12); ok {
		t.Fatal("third Allocate on a 2-slot table succeeded, want failure")
	}
	if !tbl.Contains("alice") || !tbl.Contains("bob") {
		t.Error("expected both alice and bob connected")
	}
	if tbl.Count() != 2 {
		t.Errorf("Count() = %d, want 2", tbl.Count())
	}

	nick, found := tbl.ReleaseByFD(10)
	if !found || nick != "alice" {
		t.Fatalf("ReleaseByFD(10) = %q, %v, want alice, true", nick, found)
	}
	if tbl.Contains("alice") {
		t.Error("alice still connected after ReleaseByFD")
	}
	if tbl.Count() != 1 {
		t.Errorf("Count() after release = %d, want 1", tbl.Count())
	}
}

func TestConnectedTableNicknamesSnapshot(t *testing.T) {
	tbl := NewConnectedTable(4)
	c1, _ := net.Pipe()
	defer c1.Close()
	tbl.Allocate("alice", c1, 1)
	tbl.Allocate("bob", c1, 2)
	names := tbl.Nicknames()
	if len(names) != 2 {
		t.Fatalf("Nicknames() = %v, want 2 entries", names)
	}
}
