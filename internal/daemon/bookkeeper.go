package daemon

import (
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"peerchat/internal/events"
	"peerchat/internal/identity"
	"peerchat/internal/proto"
	"peerchat/internal/transport"
)

// onSession runs when a session finishes its hello exchange, inbound
// or outbound. It keys the session map by remote principal, refreshes
// the matching peer record, registers the route as verified, and
// gossips the owning identity's peer set to the new session.
func (d *Daemon) onSession(sess *transport.Session) {
	d.sessions.put(sess)
	d.ctrs.SessionsOpened.Add(1)

	addrs := identity.MergeAddressLists(d.node.LiveAddrs(sess.PeerID()), sess.Addrs())
	now := d.clock.Now().UnixMilli()

	// Only an existing peer entry is refreshed; a session alone does
	// not add a stranger to the peer list.
	if _, err := d.store.TouchPeer(sess.Local(), sess.Remote(), addrs, now); err != nil {
		d.log.Warn("peer refresh failed",
			zap.String("identity", sess.Local()),
			zap.String("peer", sess.Remote()),
			zap.Error(err))
	}
	d.pex.AddVerified(sess.Remote(), sess.PeerID(), addrs)

	d.pushPeers(sess)

	d.bus.SessionUp.Publish(events.SessionUp{
		Remote: sess.Remote(),
		PeerID: sess.PeerID().String(),
		Local:  sess.Local(),
		Addrs:  addrs,
		Nick:   sess.Nick(),
	})
	d.log.Info("session up",
		zap.String("remote", sess.Remote()),
		zap.String("local", sess.Local()),
		zap.String("peerId", sess.PeerID().String()))
}

// onMessage runs per inbound chat frame on an authenticated session.
// The sender is the session's verified principal; the frame's own from
// field is display metadata at best and is never trusted for access
// control or attribution.
func (d *Daemon) onMessage(m proto.ChatMsg, sess *transport.Session) {
	msg := identity.Message{
		ID:        m.ID,
		From:      sess.Remote(),
		FromNick:  m.FromNick,
		To:        sess.Local(),
		Content:   m.Content,
		Timestamp: m.Timestamp,
		Status:    identity.StatusDelivered,
	}
	if err := d.guard.CheckInbound(sess.Local(), msg.From); err != nil {
		d.ctrs.InboundRejected.Add(1)
		d.log.Warn("inbound message dropped",
			zap.String("identity", sess.Local()),
			zap.String("from", msg.From),
			zap.Error(err))
		return
	}
	if err := d.store.AppendInbox(sess.Local(), msg); err != nil {
		d.log.Error("inbox append failed",
			zap.String("identity", sess.Local()), zap.Error(err))
		return
	}
	d.ctrs.InboundAccepted.Add(1)
	d.bus.MessageStored.Publish(events.MessageStored{Identity: sess.Local(), Message: msg})
	if ident, ok := d.store.Get(sess.Local()); ok && ident.Policy.WakeOnMessage {
		d.wake(sess.Local(), msg.From)
	}
}

// onClose runs once per session when its stream ends. Peer list and
// gossip cache keep the last known route for future reconnects.
func (d *Daemon) onClose(sess *transport.Session) {
	d.sessions.drop(sess.Remote(), sess)
	d.ctrs.SessionsClosed.Add(1)
	d.bus.SessionDown.Publish(events.SessionDown{
		Remote: sess.Remote(),
		PeerID: sess.PeerID().String(),
		Local:  sess.Local(),
	})
	d.log.Info("session down",
		zap.String("remote", sess.Remote()),
		zap.String("local", sess.Local()))
}

// onPeersReceived merges a gossip batch into every hosted identity's
// peer list. Gossip is not scoped to one identity; an entry for a
// hosted principal itself is skipped.
func (d *Daemon) onPeersReceived(from peer.ID, peers []proto.PexPeer) {
	merged := 0
	for _, ident := range d.store.List() {
		for _, p := range peers {
			if p.Principal == "" || p.Principal == ident.Principal {
				continue
			}
			if err := d.store.MergePeer(ident.Principal, p.Principal, p.Multiaddrs, p.LastSeen); err != nil {
				d.log.Warn("gossip merge failed",
					zap.String("identity", ident.Principal),
					zap.String("peer", p.Principal),
					zap.Error(err))
				continue
			}
			merged++
		}
	}
	d.ctrs.PeersLearned.Add(int64(merged))
	d.bus.PeersDiscovered.Publish(events.PeersDiscovered{From: from.String(), Count: len(peers)})
}
