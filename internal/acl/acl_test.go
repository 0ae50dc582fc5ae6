package acl

import (
	"errors"
	"testing"

	"peerchat/internal/identity"
)

func newGuard(t *testing.T) (*Guard, *identity.Store) {
	t.Helper()
	store, err := identity.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return NewGuard(store, nil), store
}

func TestCheckInboundOpenByDefault(t *testing.T) {
	g, store := newGuard(t)
	if err := store.Create(identity.Identity{Principal: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := g.CheckInbound("alice", "stranger"); err != nil {
		t.Fatalf("open identity rejected a sender: %v", err)
	}
	if err := g.CheckInbound("nobody", "stranger"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("expected unknown identity, got %v", err)
	}
}

func TestCheckInboundRestrictToPeers(t *testing.T) {
	g, store := newGuard(t)
	if err := store.Create(identity.Identity{
		Principal: "alice",
		Policy:    identity.Policy{RestrictToPeers: true},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := g.CheckInbound("alice", "eve"); !errors.Is(err, ErrSenderRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if err := store.UpsertPeer("alice", identity.Peer{Principal: "bob"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := g.CheckInbound("alice", "bob"); err != nil {
		t.Fatalf("listed peer rejected: %v", err)
	}
}

func TestResolveTarget(t *testing.T) {
	g, store := newGuard(t)
	if _, err := g.ResolveTarget(""); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("empty store should refuse sessions, got %v", err)
	}
	if err := store.Create(identity.Identity{Principal: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(identity.Identity{Principal: "bob"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	ident, err := g.ResolveTarget("")
	if err != nil || ident.Principal != "alice" {
		t.Fatalf("default binding wrong: %+v %v", ident, err)
	}
	ident, err = g.ResolveTarget("bob")
	if err != nil || ident.Principal != "bob" {
		t.Fatalf("explicit binding wrong: %+v %v", ident, err)
	}
	if _, err := g.ResolveTarget("mallory"); !errors.Is(err, ErrUnknownIdentity) {
		t.Fatalf("unhosted principal accepted: %v", err)
	}
}
