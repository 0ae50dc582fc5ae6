// Package pex implements peer exchange: a bounded cache of known
// peer routes, a resolve protocol for asking a connected peer where a
// principal lives, and a push protocol for gossiping routes to
// session peers.
package pex

import (
	"bufio"
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"peerchat/internal/node"
	"peerchat/internal/proto"
)

const ProtocolID = protocol.ID("/peerchat/pex/1.0.0")

const rpcTimeout = 10 * time.Second

// OnPeers is invoked when a remote pushes peer routes to us. The
// receiver decides what to persist; the pex cache has already been
// updated.
type OnPeers func(from peer.ID, peers []proto.PexPeer)

type Service struct {
	node    *node.Node
	log     *zap.Logger
	cache   *lru.Cache[string, proto.PexPeer]
	onPeers OnPeers
}

func NewService(n *node.Node, cacheSize int, onPeers OnPeers, log *zap.Logger) (*Service, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	cache, err := lru.New[string, proto.PexPeer](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Service{node: n, log: log, cache: cache, onPeers: onPeers}, nil
}

func (s *Service) Start() {
	s.node.Host().SetStreamHandler(ProtocolID, s.handleStream)
}

func (s *Service) Stop() {
	s.node.Host().RemoveStreamHandler(ProtocolID)
}

// AddVerified records a route learned first-hand, from a completed
// session handshake. First-hand routes overwrite gossiped ones.
func (s *Service) AddVerified(principal string, p peer.ID, multiaddrs []string) {
	if principal == "" {
		return
	}
	s.cache.Add(principal, proto.PexPeer{
		Principal:  principal,
		PeerID:     p.String(),
		Multiaddrs: multiaddrs,
		LastSeen:   time.Now().UnixMilli(),
	})
}

// merge folds a gossiped route into the cache. A gossiped entry never
// replaces a newer one.
func (s *Service) merge(p proto.PexPeer) bool {
	if p.Principal == "" {
		return false
	}
	if cur, ok := s.cache.Get(p.Principal); ok && cur.LastSeen >= p.LastSeen {
		return false
	}
	s.cache.Add(p.Principal, p)
	return true
}

// Lookup returns the cached route for a principal, if any.
func (s *Service) Lookup(principal string) (proto.PexPeer, bool) {
	return s.cache.Get(principal)
}

// Snapshot returns every cached route, for a gossip push.
func (s *Service) Snapshot() []proto.PexPeer {
	keys := s.cache.Keys()
	out := make([]proto.PexPeer, 0, len(keys))
	for _, k := range keys {
		if p, ok := s.cache.Peek(k); ok {
			out = append(out, p)
		}
	}
	return out
}

// Resolve asks a connected peer whether it knows a route to the
// principal. A nil result with nil error means the peer answered but
// had nothing.
func (s *Service) Resolve(ctx context.Context, via peer.ID, principal string) (*proto.PexPeer, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	stream, err := s.node.Host().NewStream(network.WithAllowLimitedConn(ctx, "peerchat-pex"), via, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open pex stream: %w", err)
	}
	defer func() { _ = stream.Close() }()
	_ = stream.SetDeadline(time.Now().Add(rpcTimeout))

	req, err := proto.EncodePexResolveReq(proto.PexResolveReq{Principal: principal})
	if err != nil {
		return nil, err
	}
	if _, err := stream.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("write resolve request: %w", err)
	}

	sc := newScanner(stream)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read resolve response: %w", err)
		}
		return nil, fmt.Errorf("stream closed before resolve response")
	}
	resp, err := proto.DecodePexResolveResp(sc.Bytes())
	if err != nil {
		return nil, err
	}
	if !resp.Found || resp.Peer == nil {
		return nil, nil
	}
	s.merge(*resp.Peer)
	return resp.Peer, nil
}

// Push gossips routes to a connected peer. Fire and forget; the remote
// sends no reply.
func (s *Service) Push(ctx context.Context, to peer.ID, peers []proto.PexPeer) error {
	if len(peers) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	stream, err := s.node.Host().NewStream(network.WithAllowLimitedConn(ctx, "peerchat-pex"), to, ProtocolID)
	if err != nil {
		return fmt.Errorf("open pex stream: %w", err)
	}
	defer func() { _ = stream.Close() }()
	_ = stream.SetDeadline(time.Now().Add(rpcTimeout))

	data, err := proto.EncodePexPush(proto.PexPushMsg{Peers: peers})
	if err != nil {
		return err
	}
	if _, err := stream.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write pex push: %w", err)
	}
	return nil
}

func (s *Service) handleStream(stream network.Stream) {
	defer func() { _ = stream.Close() }()
	_ = stream.SetDeadline(time.Now().Add(rpcTimeout))

	remote := stream.Conn().RemotePeer()
	sc := newScanner(stream)
	if !sc.Scan() {
		return
	}
	line := sc.Bytes()
	kind, err := proto.PeekType(line)
	if err != nil {
		s.log.Debug("undecodable pex frame", zap.String("peer", remote.String()), zap.Error(err))
		return
	}
	switch kind {
	case proto.MsgTypePexResolveReq:
		s.handleResolve(stream, line)
	case proto.MsgTypePexPush:
		s.handlePush(remote, line)
	default:
		s.log.Debug("unexpected pex frame", zap.String("peer", remote.String()), zap.String("kind", kind))
	}
}

func (s *Service) handleResolve(stream network.Stream, line []byte) {
	req, err := proto.DecodePexResolveReq(line)
	if err != nil {
		return
	}
	resp := proto.PexResolveResp{}
	if p, ok := s.cache.Get(req.Principal); ok {
		resp.Found = true
		resp.Peer = &p
	}
	data, err := proto.EncodePexResolveResp(resp)
	if err != nil {
		return
	}
	_, _ = stream.Write(append(data, '\n'))
}

func (s *Service) handlePush(from peer.ID, line []byte) {
	push, err := proto.DecodePexPush(line)
	if err != nil {
		return
	}
	merged := make([]proto.PexPeer, 0, len(push.Peers))
	for _, p := range push.Peers {
		if s.merge(p) {
			merged = append(merged, p)
		}
	}
	if len(merged) > 0 {
		s.log.Debug("merged gossiped routes",
			zap.String("peer", from.String()), zap.Int("count", len(merged)))
	}
	if s.onPeers != nil && len(push.Peers) > 0 {
		s.onPeers(from, push.Peers)
	}
}

func newScanner(stream network.Stream) *bufio.Scanner {
	sc := bufio.NewScanner(stream)
	sc.Buffer(make([]byte, 0, 4096), proto.MaxFrameSize)
	return sc
}
