package daemon

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerchat/internal/events"
	"peerchat/internal/identity"
)

// Request is one control command. Cmd selects the operation; the
// other fields are per-command arguments. As selects the hosted
// identity to act for and defaults to the first hosted identity.
type Request struct {
	Cmd string `json:"cmd"`
	As  string `json:"as,omitempty"`

	To      string `json:"to,omitempty"`
	Content string `json:"content,omitempty"`

	Since   int64 `json:"since,omitempty"`
	Timeout int64 `json:"timeout,omitempty"` // milliseconds

	Principal string `json:"principal,omitempty"`
	Address   string `json:"address,omitempty"`
	Alias     string `json:"alias,omitempty"`
	Through   string `json:"through,omitempty"`
	Multiaddr string `json:"multiaddr,omitempty"`
}

// Response is the uniform command envelope.
type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func ok(data any) Response    { return Response{OK: true, Data: data} }
func fail(err error) Response { return Response{OK: false, Error: err.Error()} }
func failf(f string, a ...any) Response {
	return Response{OK: false, Error: fmt.Sprintf(f, a...)}
}

// Dispatch executes one command and always returns an envelope. A
// panic anywhere below this boundary becomes an error envelope; no
// command may crash the daemon.
func (d *Daemon) Dispatch(req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("command panicked",
				zap.String("cmd", req.Cmd), zap.Any("panic", r))
			resp = failf("internal error: %v", r)
		}
	}()

	switch req.Cmd {
	case "send":
		return d.cmdSend(req)
	case "recv":
		return d.cmdRecv(req)
	case "inbox":
		return d.cmdInbox(req)
	case "outbox":
		return d.cmdOutbox(req)
	case "peers":
		return d.cmdPeers(req)
	case "peer_add":
		return d.cmdPeerAdd(req)
	case "peer_remove":
		return d.cmdPeerRemove(req)
	case "peer_resolve":
		return d.cmdPeerResolve(req)
	case "status":
		return d.cmdStatus(req)
	case "multiaddrs":
		return ok(map[string]any{"multiaddrs": d.node.Multiaddrs()})
	case "connect":
		return d.cmdConnect(req)
	case "stop":
		go func() {
			// Let the control layer flush this response first.
			time.Sleep(100 * time.Millisecond)
			if err := d.Stop(); err != nil {
				d.log.Warn("shutdown error", zap.Error(err))
			}
		}()
		return ok(map[string]any{"status": "stopping"})
	default:
		return failf("Unknown command")
	}
}

// selectIdentity resolves the as selector; empty selects the default
// identity. An unknown selector is a typed command failure.
func (d *Daemon) selectIdentity(as string) (identity.Identity, error) {
	if as == "" {
		ident, ok := d.store.Default()
		if !ok {
			return identity.Identity{}, fmt.Errorf("no identities hosted")
		}
		return ident, nil
	}
	ident, ok := d.store.Get(as)
	if !ok {
		return identity.Identity{}, fmt.Errorf("unknown identity: %s", as)
	}
	return ident, nil
}

func (d *Daemon) cmdSend(req Request) Response {
	ident, err := d.selectIdentity(req.As)
	if err != nil {
		return fail(err)
	}
	if req.To == "" {
		return failf("missing to")
	}
	msg := identity.Message{
		ID:        uuid.NewString(),
		From:      ident.Principal,
		FromNick:  ident.Nick,
		To:        req.To,
		Content:   req.Content,
		Timestamp: d.clock.Now().UnixMilli(),
		Status:    identity.StatusPending,
	}
	if err := d.store.AppendOutbox(ident.Principal, msg); err != nil {
		return fail(err)
	}
	// One immediate best-effort attempt; a failure here is not an
	// error, the sweep retries.
	if !d.attemptDelivery(ident.Principal, msg) {
		d.noteFailure(ident.Principal, msg.ID)
	}
	return ok(map[string]any{"id": msg.ID, "status": "queued"})
}

func (d *Daemon) cmdRecv(req Request) Response {
	ident, err := d.selectIdentity(req.As)
	if err != nil {
		return fail(err)
	}
	if req.Timeout <= 0 {
		return ok(map[string]any{"messages": inboxSince(d.store.Inbox(ident.Principal), req.Since)})
	}
	msgs := d.timedReceive(ident.Principal, req.Since, time.Duration(req.Timeout)*time.Millisecond)
	return ok(map[string]any{"messages": msgs})
}

func (d *Daemon) cmdInbox(req Request) Response {
	ident, err := d.selectIdentity(req.As)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"messages": nonNil(d.store.Inbox(ident.Principal))})
}

func (d *Daemon) cmdOutbox(req Request) Response {
	ident, err := d.selectIdentity(req.As)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"messages": nonNil(d.store.Outbox(ident.Principal))})
}

// peerView is a peer entry annotated with live-session state.
type peerView struct {
	identity.Peer
	Connected bool `json:"connected"`
}

func (d *Daemon) cmdPeers(req Request) Response {
	ident, err := d.selectIdentity(req.As)
	if err != nil {
		return fail(err)
	}
	peers := d.store.Peers(ident.Principal)
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		_, connected := d.sessions.get(p.Principal)
		out = append(out, peerView{Peer: p, Connected: connected})
	}
	return ok(map[string]any{"peers": out})
}

func (d *Daemon) cmdPeerAdd(req Request) Response {
	ident, err := d.selectIdentity(req.As)
	if err != nil {
		return fail(err)
	}
	if req.Principal == "" {
		return failf("missing principal")
	}
	p := identity.Peer{
		Principal: req.Principal,
		Address:   req.Address,
		Alias:     req.Alias,
	}
	// An upsert keeps what the caller did not set to overwrite.
	if old, found := d.store.GetPeer(ident.Principal, req.Principal); found {
		p.LastSeen = old.LastSeen
		if p.Alias == "" {
			p.Alias = old.Alias
		}
		p.Address = identity.MergeAddresses(old.Address, identity.SplitAddresses(req.Address))
	}
	if err := d.store.UpsertPeer(ident.Principal, p); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"peer": p})
}

func (d *Daemon) cmdPeerRemove(req Request) Response {
	ident, err := d.selectIdentity(req.As)
	if err != nil {
		return fail(err)
	}
	if req.Principal == "" {
		return failf("missing principal")
	}
	removed, err := d.store.RemovePeer(ident.Principal, req.Principal)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"removed": removed})
}

func (d *Daemon) cmdPeerResolve(req Request) Response {
	if _, err := d.selectIdentity(req.As); err != nil {
		return fail(err)
	}
	if req.Principal == "" {
		return failf("missing principal")
	}
	if req.Through != "" {
		sess, connected := d.sessions.get(req.Through)
		if connected {
			ctx, cancel := d.rpcContext()
			defer cancel()
			route, err := d.pex.Resolve(ctx, sess.PeerID(), req.Principal)
			if err != nil {
				return fail(err)
			}
			if route == nil {
				return ok(map[string]any{"found": false})
			}
			return ok(map[string]any{"found": true, "peer": route})
		}
	}
	if route, found := d.pex.Lookup(req.Principal); found {
		return ok(map[string]any{"found": true, "peer": route})
	}
	return ok(map[string]any{"found": false})
}

func (d *Daemon) cmdStatus(req Request) Response {
	ident, err := d.selectIdentity(req.As)
	if err != nil {
		return fail(err)
	}
	idents := d.store.List()
	hosted := make([]map[string]string, 0, len(idents))
	for _, i := range idents {
		hosted = append(hosted, map[string]string{"principal": i.Principal, "nick": i.Nick})
	}
	return ok(map[string]any{
		"principal":   ident.Principal,
		"nick":        ident.Nick,
		"peerId":      d.node.PeerID().String(),
		"listen":      d.cfg.ListenAddrs,
		"multiaddrs":  d.node.Multiaddrs(),
		"connected":   d.sessions.principals(),
		"connections": len(d.node.ConnectedPeers()),
		"inbox":       len(d.store.Inbox(ident.Principal)),
		"outbox":      len(d.store.Outbox(ident.Principal)),
		"identities":  hosted,
	})
}

func (d *Daemon) cmdConnect(req Request) Response {
	ident, err := d.selectIdentity(req.As)
	if err != nil {
		return fail(err)
	}
	if req.Multiaddr == "" {
		return failf("missing multiaddr")
	}
	ctx, cancel := d.rpcContext()
	defer cancel()
	pid, err := d.node.Dial(ctx, req.Multiaddr)
	if err != nil {
		return fail(err)
	}
	sess, err := d.tl.Connect(ctx, pid, ident.Principal, "")
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"peerId": pid.String(), "principal": sess.Remote()})
}

// timedReceive always waits the full timeout, collecting stored-message
// events on top of an inbox snapshot. It subscribes before taking the
// snapshot so a message stored between the two steps is seen at least
// once; the id dedupe absorbs seeing it twice. The subscription is
// released on every exit path.
func (d *Daemon) timedReceive(principal string, since int64, timeout time.Duration) []identity.Message {
	ch, cancel := d.bus.MessageStored.Subscribe()
	defer cancel()
	return d.collectMessages(principal, since, timeout, ch)
}

func (d *Daemon) collectMessages(principal string, since int64, timeout time.Duration, ch <-chan events.MessageStored) []identity.Message {
	collected := inboxSince(d.store.Inbox(principal), since)

	timer := d.clock.Timer(timeout)
	defer timer.Stop()
	for {
		select {
		case ev, open := <-ch:
			if !open {
				return dedupeByID(collected)
			}
			if ev.Identity == principal && ev.Message.Timestamp > since {
				collected = append(collected, ev.Message)
			}
		case <-timer.C:
			return dedupeByID(collected)
		case <-d.stopped:
			return dedupeByID(collected)
		}
	}
}

func inboxSince(msgs []identity.Message, since int64) []identity.Message {
	out := make([]identity.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Timestamp > since {
			out = append(out, m)
		}
	}
	return out
}

func dedupeByID(msgs []identity.Message) []identity.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := make([]identity.Message, 0, len(msgs))
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func nonNil(msgs []identity.Message) []identity.Message {
	if msgs == nil {
		return []identity.Message{}
	}
	return msgs
}
