package node

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestNode(t *testing.T, root string) *Node {
	t.Helper()
	n, err := New(root, []string{"/ip4/127.0.0.1/tcp/0"})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestPrincipalStableAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	n1 := newTestNode(t, dir)
	principal := n1.Principal()
	peerID := n1.PeerID()
	if principal == "" {
		t.Fatal("empty principal")
	}
	_ = n1.Close()

	n2 := newTestNode(t, dir)
	if n2.Principal() != principal {
		t.Fatalf("principal changed: %s vs %s", principal, n2.Principal())
	}
	if n2.PeerID() != peerID {
		t.Fatalf("peer id changed: %s vs %s", peerID, n2.PeerID())
	}
}

func TestMultiaddrsCarryPeerComponent(t *testing.T) {
	n := newTestNode(t, t.TempDir())
	addrs := n.Multiaddrs()
	if len(addrs) == 0 {
		t.Fatal("no listen addresses")
	}
	for _, a := range addrs {
		if !strings.Contains(a, "/p2p/"+n.PeerID().String()) {
			t.Fatalf("address missing /p2p component: %s", a)
		}
	}
}

func TestDialRejectsAddrWithoutPeerID(t *testing.T) {
	n := newTestNode(t, t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := n.Dial(ctx, "/ip4/127.0.0.1/tcp/1"); err == nil {
		t.Fatal("dial accepted an address without a peer id")
	}
	if _, err := n.Dial(ctx, "not-a-multiaddr"); err == nil {
		t.Fatal("dial accepted garbage")
	}
}

func TestDialAndConnectedness(t *testing.T) {
	a := newTestNode(t, t.TempDir())
	b := newTestNode(t, t.TempDir())

	addrs := b.Multiaddrs()
	if len(addrs) == 0 {
		t.Fatal("b has no addresses")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pid, err := a.Dial(ctx, addrs[0])
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if pid != b.PeerID() {
		t.Fatalf("dialed wrong peer: %s", pid)
	}
	if !a.Connected(pid) {
		t.Fatal("not connected after dial")
	}
	if len(a.LiveAddrs(pid)) == 0 {
		t.Fatal("no live addresses for connected peer")
	}
}
