package daemon

import (
	"context"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"peerchat/internal/events"
	"peerchat/internal/identity"
	"peerchat/internal/proto"
)

// principalLen is the byte length of a decoded principal (a sha3-256
// digest).
const principalLen = 32

func looksLikePrincipal(s string) bool {
	raw, err := base58.Decode(s)
	return err == nil && len(raw) == principalLen
}

// attemptDelivery tries every delivery path for one outbound message,
// in fixed order, stopping at the first success:
//
//  1. alias resolution (rewrites to once, persisted)
//  2. local short-circuit, which never touches the transport
//  3. live session keyed by the recipient principal
//  4. reconnect over the recipient's stored addresses, in listed order
//  5. gossip-assisted resolve through each active session, in held order
//
// A false return leaves the message pending for the next sweep.
func (d *Daemon) attemptDelivery(owner string, msg identity.Message) bool {
	// Step 1: an alias rewrites to its principal exactly once.
	if !looksLikePrincipal(msg.To) {
		if p, ok := d.store.ResolveAlias(msg.To); ok && p != msg.To {
			d.rewriteTo(owner, &msg, p)
		}
	}

	// Step 2: recipient hosted on this node.
	if d.store.Hosts(msg.To) {
		return d.deliverLocal(owner, msg)
	}

	// Step 3: existing authenticated session.
	if sess, ok := d.sessions.get(msg.To); ok {
		if err := sess.SendChat(chatFrame(msg)); err == nil {
			d.markSent(owner, msg.ID)
			d.ctrs.SentSession.Add(1)
			return true
		}
		// Stale session: evict and fall through to reconnect.
		d.log.Debug("session send failed, dropping session",
			zap.String("remote", msg.To))
		d.sessions.drop(msg.To, sess)
		sess.Close()
	}

	// Step 4: dial the stored addresses. A direct principal match wins
	// over an alias match; an alias hit rewrites to.
	if _, p, ok := d.store.FindPeer(msg.To); ok {
		if p.Principal != msg.To {
			d.rewriteTo(owner, &msg, p.Principal)
		}
		for _, addr := range identity.SplitAddresses(p.Address) {
			if d.connectSend(addr, owner, msg) {
				d.markSent(owner, msg.ID)
				d.ctrs.SentReconnect.Add(1)
				return true
			}
		}
	}

	// Step 5: ask connected peers for a route.
	for _, sess := range d.sessions.list() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DialTimeout)
		route, err := d.pex.Resolve(ctx, sess.PeerID(), msg.To)
		cancel()
		if err != nil || route == nil {
			continue
		}
		for _, addr := range route.Multiaddrs {
			if d.connectSend(addr, owner, msg) {
				d.markSent(owner, msg.ID)
				d.ctrs.SentGossip.Add(1)
				return true
			}
		}
	}

	// Step 6: still pending; the sweep retries.
	return false
}

// deliverLocal appends a delivered copy to the hosted recipient's
// inbox and marks the original sent. This path never touches the
// transport layer.
func (d *Daemon) deliverLocal(owner string, msg identity.Message) bool {
	delivered := msg
	delivered.Status = identity.StatusDelivered
	delivered.Attempts = 0
	delivered.NextAttempt = 0
	if err := d.store.AppendInbox(msg.To, delivered); err != nil {
		d.log.Error("local delivery failed",
			zap.String("to", msg.To), zap.Error(err))
		return false
	}
	d.markSent(owner, msg.ID)
	d.ctrs.SentLocal.Add(1)
	d.bus.MessageStored.Publish(events.MessageStored{Identity: msg.To, Message: delivered})
	if ident, ok := d.store.Get(msg.To); ok && ident.Policy.WakeOnMessage {
		d.wake(msg.To, msg.From)
	}
	return true
}

// connectSend dials one address, establishes a session for the
// recipient, and sends. Any failure just moves on to the next
// candidate address.
func (d *Daemon) connectSend(addr, owner string, msg identity.Message) bool {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DialTimeout)
	defer cancel()
	pid, err := d.node.Dial(ctx, addr)
	if err != nil {
		d.log.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
		return false
	}
	// A session for the recipient may have appeared while dialing
	// (their side connected first); re-check before opening another.
	if sess, ok := d.sessions.get(msg.To); ok {
		if err := sess.SendChat(chatFrame(msg)); err == nil {
			return true
		}
		d.sessions.drop(msg.To, sess)
		sess.Close()
	}
	sess, err := d.tl.Connect(ctx, pid, owner, msg.To)
	if err != nil {
		d.log.Debug("session establish failed",
			zap.String("addr", addr), zap.Error(err))
		return false
	}
	if err := sess.SendChat(chatFrame(msg)); err != nil {
		d.log.Debug("send after connect failed",
			zap.String("remote", msg.To), zap.Error(err))
		return false
	}
	return true
}

// sweep re-attempts pending messages across every hosted identity, in
// hosting order then outbox order. Messages backing off are skipped
// until their next-attempt time.
func (d *Daemon) sweep() {
	now := d.clock.Now().UnixMilli()
	for _, ident := range d.store.List() {
		for _, msg := range d.store.PendingOutbox(ident.Principal) {
			select {
			case <-d.stopped:
				return
			default:
			}
			if msg.NextAttempt > now {
				continue
			}
			if msg.Attempts > 0 {
				d.ctrs.Retries.Add(1)
			}
			if d.attemptDelivery(ident.Principal, msg) {
				continue
			}
			d.noteFailure(ident.Principal, msg.ID)
		}
	}
}

// noteFailure records one failed attempt: exponential backoff from the
// sweep interval up to the configured cap, and dead-lettering once the
// attempt budget is spent. A zero budget retries forever.
func (d *Daemon) noteFailure(owner, msgID string) {
	deadLettered := false
	err := d.store.UpdateOutbox(owner, msgID, func(m *identity.Message) {
		if m.Status != identity.StatusPending {
			return
		}
		m.Attempts++
		if d.cfg.RetryMaxAttempts > 0 && m.Attempts >= d.cfg.RetryMaxAttempts {
			m.Status = identity.StatusFailed
			deadLettered = true
			return
		}
		backoff := d.cfg.SweepInterval
		for i := 1; i < m.Attempts && backoff < d.cfg.RetryMaxBackoff; i++ {
			backoff *= 2
		}
		if backoff > d.cfg.RetryMaxBackoff {
			backoff = d.cfg.RetryMaxBackoff
		}
		m.NextAttempt = d.clock.Now().Add(backoff).UnixMilli()
	})
	if err != nil {
		d.log.Warn("retry bookkeeping failed",
			zap.String("identity", owner), zap.String("id", msgID), zap.Error(err))
		return
	}
	if deadLettered {
		d.ctrs.DeadLettered.Add(1)
		d.log.Warn("message dead-lettered",
			zap.String("identity", owner), zap.String("id", msgID))
	}
}

func (d *Daemon) rewriteTo(owner string, msg *identity.Message, principal string) {
	if err := d.store.UpdateOutbox(owner, msg.ID, func(m *identity.Message) {
		m.To = principal
	}); err != nil {
		d.log.Warn("alias rewrite failed",
			zap.String("identity", owner), zap.String("id", msg.ID), zap.Error(err))
	}
	msg.To = principal
}

func (d *Daemon) markSent(owner, msgID string) {
	if err := d.store.UpdateOutbox(owner, msgID, func(m *identity.Message) {
		m.Status = identity.StatusSent
	}); err != nil {
		d.log.Warn("outbox update failed",
			zap.String("identity", owner), zap.String("id", msgID), zap.Error(err))
	}
}

func chatFrame(msg identity.Message) proto.ChatMsg {
	return proto.ChatMsg{
		ID:        msg.ID,
		From:      msg.From,
		FromNick:  msg.FromNick,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
}
