package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"peerchat/internal/node"
	"peerchat/internal/proto"
)

type recorder struct {
	mu       sync.Mutex
	sessions []*Session
	messages []proto.ChatMsg
	closes   []*Session
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnSession: func(s *Session) {
			r.mu.Lock()
			r.sessions = append(r.sessions, s)
			r.mu.Unlock()
		},
		OnMessage: func(m proto.ChatMsg, _ *Session) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnClose: func(s *Session) {
			r.mu.Lock()
			r.closes = append(r.closes, s)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) sessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *recorder) closeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.closes)
}

type endpoint struct {
	node  *node.Node
	layer *Layer
	rec   *recorder
}

// newEndpoint builds a node whose hello carries its real node
// principal, which peers verify against the connection key.
func newEndpoint(t *testing.T, nick string) *endpoint {
	t.Helper()
	n, err := node.New(t.TempDir(), []string{"/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })

	rec := &recorder{}
	hello := func(requested string) (proto.HelloMsg, string, bool) {
		h := proto.HelloMsg{Principal: n.Principal(), Nick: nick, Addrs: n.Multiaddrs()}
		return h, n.Principal(), true
	}
	l := NewLayer(n, hello, rec.callbacks(), Options{}, zaptest.NewLogger(t))
	l.Start()
	t.Cleanup(l.Stop)
	return &endpoint{node: n, layer: l, rec: rec}
}

func connectPair(t *testing.T, a, b *endpoint) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pid, err := a.node.Dial(ctx, b.node.Multiaddrs()[0])
	require.NoError(t, err)
	sess, err := a.layer.Connect(ctx, pid, "", "")
	require.NoError(t, err)
	return sess
}

func TestConnectExchangesHellos(t *testing.T) {
	a := newEndpoint(t, "alice")
	b := newEndpoint(t, "bob")

	sess := connectPair(t, a, b)
	require.Equal(t, b.node.Principal(), sess.Remote())
	require.Equal(t, "bob", sess.Nick())
	require.Equal(t, a.node.Principal(), sess.Local())
	require.NotEmpty(t, sess.Addrs())
	require.True(t, sess.Authenticated())

	require.Eventually(t, func() bool { return b.rec.sessionCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	b.rec.mu.Lock()
	inbound := b.rec.sessions[0]
	b.rec.mu.Unlock()
	require.Equal(t, a.node.Principal(), inbound.Remote())
	require.Equal(t, b.node.Principal(), inbound.Local())
}

func TestConnectRejectsUnexpectedPrincipal(t *testing.T) {
	a := newEndpoint(t, "alice")
	b := newEndpoint(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pid, err := a.node.Dial(ctx, b.node.Multiaddrs()[0])
	require.NoError(t, err)
	_, err = a.layer.Connect(ctx, pid, "", "mallory")
	require.Error(t, err)
}

func TestRejectsHelloPrincipalNotMatchingKey(t *testing.T) {
	honest := newEndpoint(t, "alice")

	// The liar claims a principal its connection key cannot prove.
	n, err := node.New(t.TempDir(), []string{"/ip4/127.0.0.1/tcp/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	rec := &recorder{}
	forged := func(requested string) (proto.HelloMsg, string, bool) {
		h := proto.HelloMsg{Principal: honest.node.Principal(), Nick: "mallory", Addrs: n.Multiaddrs()}
		return h, n.Principal(), true
	}
	l := NewLayer(n, forged, rec.callbacks(), Options{}, zaptest.NewLogger(t))
	l.Start()
	t.Cleanup(l.Stop)
	liar := &endpoint{node: n, layer: l, rec: rec}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pid, err := liar.node.Dial(ctx, honest.node.Multiaddrs()[0])
	require.NoError(t, err)
	_, err = liar.layer.Connect(ctx, pid, "", "")
	require.Error(t, err)

	// The honest side never tracked a session for the forged hello.
	time.Sleep(200 * time.Millisecond)
	require.Zero(t, honest.rec.sessionCount())

	// Dialing the liar fails on its forged reply hello.
	pid2, err := honest.node.Dial(ctx, liar.node.Multiaddrs()[0])
	require.NoError(t, err)
	_, err = honest.layer.Connect(ctx, pid2, "", "")
	require.Error(t, err)
}

func TestChatFrameDelivered(t *testing.T) {
	a := newEndpoint(t, "alice")
	b := newEndpoint(t, "bob")
	sess := connectPair(t, a, b)

	require.NoError(t, sess.SendChat(proto.ChatMsg{
		ID: "m1", From: a.node.Principal(), Content: "hi", Timestamp: time.Now().UnixMilli(),
	}))
	require.Eventually(t, func() bool { return b.rec.messageCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	b.rec.mu.Lock()
	got := b.rec.messages[0]
	b.rec.mu.Unlock()
	require.Equal(t, "m1", got.ID)
	require.Equal(t, "hi", got.Content)
}

func TestCloseFiresOnBothSides(t *testing.T) {
	a := newEndpoint(t, "alice")
	b := newEndpoint(t, "bob")
	sess := connectPair(t, a, b)

	require.Eventually(t, func() bool { return b.rec.sessionCount() == 1 }, 5*time.Second, 20*time.Millisecond)
	sess.Close()
	require.Eventually(t, func() bool {
		return a.rec.closeCount() == 1 && b.rec.closeCount() == 1
	}, 5*time.Second, 20*time.Millisecond)
	require.False(t, sess.Authenticated())
	require.Error(t, sess.SendChat(proto.ChatMsg{ID: "m2", Content: "late"}))
}
