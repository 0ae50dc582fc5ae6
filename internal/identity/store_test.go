package identity

import (
	"testing"
)

func openStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, dir
}

func mustCreate(t *testing.T, s *Store, principal, nick string) {
	t.Helper()
	if err := s.Create(Identity{Principal: principal, Nick: nick}); err != nil {
		t.Fatalf("create %s: %v", principal, err)
	}
}

func TestCreateAndReload(t *testing.T) {
	s, dir := openStore(t)
	mustCreate(t, s, "alice", "Alice")
	mustCreate(t, s, "bob", "")
	if err := s.UpsertPeer("alice", Peer{Principal: "carol", Address: "/a", Alias: "c"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.AppendOutbox("alice", Message{ID: "m1", From: "alice", To: "carol", Content: "hi", Timestamp: 10, Status: StatusPending}); err != nil {
		t.Fatalf("append outbox: %v", err)
	}

	reloaded, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	idents := reloaded.List()
	if len(idents) != 2 || idents[0].Principal != "alice" || idents[1].Principal != "bob" {
		t.Fatalf("hosting order not preserved: %+v", idents)
	}
	if def, ok := reloaded.Default(); !ok || def.Principal != "alice" {
		t.Fatalf("default identity wrong: %+v", def)
	}
	if p, ok := reloaded.GetPeer("alice", "carol"); !ok || p.Alias != "c" {
		t.Fatalf("peer not reloaded: %+v", p)
	}
	out := reloaded.Outbox("alice")
	if len(out) != 1 || out[0].ID != "m1" || out[0].Status != StatusPending {
		t.Fatalf("outbox not reloaded: %+v", out)
	}
}

func TestTouchPeerNeverCreates(t *testing.T) {
	s, _ := openStore(t)
	mustCreate(t, s, "alice", "")
	existed, err := s.TouchPeer("alice", "stranger", []string{"/a"}, 5)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if existed {
		t.Fatal("touch reported a peer that was never added")
	}
	if len(s.Peers("alice")) != 0 {
		t.Fatal("touch created a peer entry")
	}

	if err := s.UpsertPeer("alice", Peer{Principal: "bob", Address: "/a", LastSeen: 10}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	existed, err = s.TouchPeer("alice", "bob", []string{"/b"}, 7)
	if err != nil || !existed {
		t.Fatalf("touch existing: existed=%v err=%v", existed, err)
	}
	p, _ := s.GetPeer("alice", "bob")
	if p.Address != "/a,/b" {
		t.Fatalf("addresses not merged: %s", p.Address)
	}
	if p.LastSeen != 10 {
		t.Fatalf("lastSeen went backwards: %d", p.LastSeen)
	}
}

func TestMergePeerIdempotent(t *testing.T) {
	s, _ := openStore(t)
	mustCreate(t, s, "alice", "")
	batch := func() {
		if err := s.MergePeer("alice", "bob", []string{"/a", "/b"}, 42); err != nil {
			t.Fatalf("merge: %v", err)
		}
	}
	batch()
	first, _ := s.GetPeer("alice", "bob")
	batch()
	second, _ := s.GetPeer("alice", "bob")
	if first.Address != second.Address || first.LastSeen != second.LastSeen {
		t.Fatalf("merge not idempotent: %+v vs %+v", first, second)
	}
	if second.Alias != "" {
		t.Fatalf("gossip merge must not invent an alias: %+v", second)
	}
}

func TestResolveAliasFirstMatchWins(t *testing.T) {
	s, _ := openStore(t)
	mustCreate(t, s, "first", "")
	mustCreate(t, s, "second", "")
	// Same alias under both identities; hosting order decides.
	if err := s.UpsertPeer("second", Peer{Principal: "late", Alias: "bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertPeer("first", Peer{Principal: "early", Alias: "bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, ok := s.ResolveAlias("bob")
	if !ok || got != "early" {
		t.Fatalf("expected first-identity match, got %q ok=%v", got, ok)
	}
	// Resolving twice with an unchanged peer list yields the same
	// principal.
	again, _ := s.ResolveAlias("bob")
	if again != got {
		t.Fatalf("alias resolution not stable: %q vs %q", got, again)
	}
}

func TestFindPeerPrefersPrincipalOverAlias(t *testing.T) {
	s, _ := openStore(t)
	mustCreate(t, s, "alice", "")
	mustCreate(t, s, "gw", "")
	if err := s.UpsertPeer("alice", Peer{Principal: "bob", Alias: "target", Address: "/alias-route"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertPeer("gw", Peer{Principal: "target", Address: "/direct-route"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	owner, p, ok := s.FindPeer("target")
	if !ok || owner != "gw" || p.Principal != "target" {
		t.Fatalf("direct principal match must win: owner=%s peer=%+v", owner, p)
	}
}

func TestUpdateOutboxPersists(t *testing.T) {
	s, dir := openStore(t)
	mustCreate(t, s, "alice", "")
	msg := Message{ID: "m1", From: "alice", To: "bob", Content: "x", Timestamp: 1, Status: StatusPending}
	if err := s.AppendOutbox("alice", msg); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.UpdateOutbox("alice", "m1", func(m *Message) {
		m.Status = StatusSent
	}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateOutbox("alice", "missing", func(m *Message) {}); err == nil {
		t.Fatal("expected error for unknown message id")
	}
	reloaded, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	out := reloaded.Outbox("alice")
	if len(out) != 1 || out[0].Status != StatusSent {
		t.Fatalf("update not persisted: %+v", out)
	}
}

func TestPendingOutboxFilters(t *testing.T) {
	s, _ := openStore(t)
	mustCreate(t, s, "alice", "")
	for _, m := range []Message{
		{ID: "p1", To: "x", Status: StatusPending},
		{ID: "s1", To: "x", Status: StatusSent},
		{ID: "f1", To: "x", Status: StatusFailed},
		{ID: "p2", To: "x", Status: StatusPending},
	} {
		if err := s.AppendOutbox("alice", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	pending := s.PendingOutbox("alice")
	if len(pending) != 2 || pending[0].ID != "p1" || pending[1].ID != "p2" {
		t.Fatalf("unexpected pending set: %+v", pending)
	}
}
