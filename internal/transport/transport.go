// Package transport implements the authenticated chat-session layer
// on top of libp2p streams. Each session is one long-lived stream: a
// hello exchange binds it to principals on both ends, then chat frames
// flow as JSON lines until the stream closes.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"peerchat/internal/node"
	"peerchat/internal/proto"
)

const ProtocolID = protocol.ID("/peerchat/chat/1.0.0")

// LocalHello supplies the hello for a session plus the principal of
// the hosted identity the session binds to locally. requested is the
// principal the remote asked for ("" for outbound sessions, where the
// caller picks the identity). The hello's Principal must be the node
// principal, since the remote verifies it against the connection's
// key. ok=false rejects the session.
type LocalHello func(requested string) (hello proto.HelloMsg, local string, ok bool)

type Callbacks struct {
	// OnSession fires after the hello exchange completes, before any
	// chat frame from the session is handed over.
	OnSession func(*Session)
	// OnMessage fires per inbound chat frame.
	OnMessage func(proto.ChatMsg, *Session)
	// OnClose fires exactly once when the session's stream ends.
	OnClose func(*Session)
}

type Layer struct {
	node  *node.Node
	hello LocalHello
	cbs   Callbacks
	log   *zap.Logger

	helloTimeout time.Duration
	maxFrame     int

	mu       sync.Mutex
	sessions map[string]*Session // stream id → session
	stopped  bool
}

type Options struct {
	HelloTimeout time.Duration
	MaxFrame     int
}

func NewLayer(n *node.Node, hello LocalHello, cbs Callbacks, opts Options, log *zap.Logger) *Layer {
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = 8 * time.Second
	}
	if opts.MaxFrame <= 0 {
		opts.MaxFrame = proto.MaxFrameSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Layer{
		node:         n,
		hello:        hello,
		cbs:          cbs,
		log:          log,
		helloTimeout: opts.HelloTimeout,
		maxFrame:     opts.MaxFrame,
		sessions:     make(map[string]*Session),
	}
}

// Start registers the inbound stream handler.
func (l *Layer) Start() {
	l.node.Host().SetStreamHandler(ProtocolID, l.handleInbound)
}

// Stop removes the handler and closes every tracked session.
func (l *Layer) Stop() {
	l.node.Host().RemoveStreamHandler(ProtocolID)
	l.mu.Lock()
	l.stopped = true
	open := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		open = append(open, s)
	}
	l.mu.Unlock()
	for _, s := range open {
		s.Close()
	}
}

// Connect opens an authenticated session to a connected peer on
// behalf of the hosted identity named by local. The remote's hello
// principal is verified against the connection's key; expect ("" =
// any) additionally insists on which hosted identity the remote binds.
func (l *Layer) Connect(ctx context.Context, p peer.ID, local string, expect string) (*Session, error) {
	localHello, bound, ok := l.hello("")
	if !ok {
		return nil, fmt.Errorf("no local identity for outbound session")
	}
	if local != "" {
		bound = local
	}
	localHello.To = expect

	stream, err := l.node.Host().NewStream(network.WithAllowLimitedConn(ctx, "peerchat-chat"), p, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open chat stream: %w", err)
	}
	sc := l.newScanner(stream)
	_ = stream.SetDeadline(time.Now().Add(l.helloTimeout))

	if err := writeHello(stream, localHello); err != nil {
		_ = stream.Reset()
		return nil, err
	}
	remoteHello, err := readHello(sc)
	if err != nil {
		_ = stream.Reset()
		return nil, err
	}
	if err := verifyHello(stream, remoteHello); err != nil {
		_ = stream.Reset()
		return nil, err
	}
	// The listener echoes the identity it bound in To; a bare hello
	// means it bound its node identity.
	remoteID := remoteHello.To
	if remoteID == "" {
		remoteID = remoteHello.Principal
	}
	if expect != "" && remoteID != expect {
		_ = stream.Reset()
		return nil, fmt.Errorf("peer %s answered as %s, expected %s", p, remoteID, expect)
	}
	_ = stream.SetDeadline(time.Time{})

	sess := l.track(stream, remoteID, remoteHello, bound)
	if sess == nil {
		_ = stream.Reset()
		return nil, fmt.Errorf("transport stopped")
	}
	if l.cbs.OnSession != nil {
		l.cbs.OnSession(sess)
	}
	go l.readLoop(sess, sc)
	return sess, nil
}

func (l *Layer) handleInbound(stream network.Stream) {
	sc := l.newScanner(stream)
	_ = stream.SetDeadline(time.Now().Add(l.helloTimeout))
	remoteHello, err := readHello(sc)
	if err != nil {
		l.log.Debug("inbound hello failed",
			zap.String("peer", stream.Conn().RemotePeer().String()),
			zap.Error(err))
		_ = stream.Reset()
		return
	}
	if err := verifyHello(stream, remoteHello); err != nil {
		l.log.Warn("rejecting inbound session",
			zap.String("peer", stream.Conn().RemotePeer().String()),
			zap.Error(err))
		_ = stream.Reset()
		return
	}
	localHello, bound, ok := l.hello(remoteHello.To)
	if !ok {
		l.log.Warn("rejecting inbound session",
			zap.String("peer", stream.Conn().RemotePeer().String()),
			zap.String("principal", remoteHello.Principal))
		_ = stream.Reset()
		return
	}
	localHello.To = bound
	if err := writeHello(stream, localHello); err != nil {
		_ = stream.Reset()
		return
	}
	_ = stream.SetDeadline(time.Time{})

	sess := l.track(stream, remoteHello.Principal, remoteHello, bound)
	if sess == nil {
		_ = stream.Reset()
		return
	}
	if l.cbs.OnSession != nil {
		l.cbs.OnSession(sess)
	}
	l.readLoop(sess, sc)
}

func (l *Layer) newScanner(stream network.Stream) *bufio.Scanner {
	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 0, 4096), l.maxFrame)
	return sc
}

func (l *Layer) track(stream network.Stream, remote string, hello proto.HelloMsg, local string) *Session {
	sess := &Session{
		remote: remote,
		nick:   hello.Nick,
		local:  local,
		peerID: stream.Conn().RemotePeer(),
		addrs:  hello.Addrs,
		stream: stream,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return nil
	}
	l.sessions[stream.ID()] = sess
	return sess
}

// readLoop consumes chat frames until the stream ends, then fires the
// close callback. It runs exactly once per session, so OnClose fires
// exactly once.
func (l *Layer) readLoop(sess *Session, sc *bufio.Scanner) {
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		kind, err := proto.PeekType(line)
		if err != nil {
			l.log.Debug("undecodable frame", zap.String("remote", sess.remote), zap.Error(err))
			continue
		}
		if kind != proto.MsgTypeChat {
			l.log.Debug("unexpected frame on chat stream",
				zap.String("remote", sess.remote), zap.String("kind", kind))
			continue
		}
		msg, err := proto.DecodeChat(line)
		if err != nil {
			l.log.Debug("bad chat frame", zap.String("remote", sess.remote), zap.Error(err))
			continue
		}
		if l.cbs.OnMessage != nil {
			l.cbs.OnMessage(msg, sess)
		}
	}
	l.mu.Lock()
	delete(l.sessions, sess.stream.ID())
	l.mu.Unlock()
	sess.markClosed()
	_ = sess.stream.Reset()
	if l.cbs.OnClose != nil {
		l.cbs.OnClose(sess)
	}
}

// verifyHello checks that the hello's principal is the one derived
// from the public key libp2p authenticated on this connection. A
// session never exists for a principal the remote cannot prove.
func verifyHello(stream network.Stream, m proto.HelloMsg) error {
	pub := stream.Conn().RemotePublicKey()
	if pub == nil {
		return fmt.Errorf("connection carries no authenticated key")
	}
	derived, err := node.DerivePrincipal(pub)
	if err != nil {
		return fmt.Errorf("derive remote principal: %w", err)
	}
	if m.Principal != derived {
		return fmt.Errorf("hello principal %s does not match connection key", m.Principal)
	}
	return nil
}

func readHello(sc *bufio.Scanner) (proto.HelloMsg, error) {
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return proto.HelloMsg{}, fmt.Errorf("read hello: %w", err)
		}
		return proto.HelloMsg{}, fmt.Errorf("stream closed before hello")
	}
	return proto.DecodeHello(sc.Bytes())
}

func writeHello(stream network.Stream, m proto.HelloMsg) error {
	data, err := proto.EncodeHello(m)
	if err != nil {
		return err
	}
	if _, err := stream.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write hello: %w", err)
	}
	return nil
}
