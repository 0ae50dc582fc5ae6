// Package daemon is the chat daemon core: the delivery engine for
// outbound messages, the bookkeeper that keeps sessions, peer lists
// and the gossip cache consistent, and the command dispatcher behind
// the control socket.
package daemon

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"peerchat/internal/acl"
	"peerchat/internal/events"
	"peerchat/internal/identity"
	"peerchat/internal/metrics"
	"peerchat/internal/node"
	"peerchat/internal/pex"
	"peerchat/internal/proto"
	"peerchat/internal/transport"
)

type Config struct {
	SweepInterval    time.Duration
	GossipInterval   time.Duration
	RetryMaxBackoff  time.Duration
	RetryMaxAttempts int // 0 retries forever
	DialTimeout      time.Duration
	HelloTimeout     time.Duration
	MaxFrameBytes    int
	PexCacheSize     int
	WakeCommand      string
	ListenAddrs      []string
	MetricsPath      string
}

type Daemon struct {
	cfg   Config
	node  *node.Node
	store *identity.Store
	guard *acl.Guard
	bus   *events.Bus
	pex   *pex.Service
	tl    *transport.Layer
	ctrs  *metrics.Counters
	clock clock.Clock
	log   *zap.Logger

	sessions sessionTable

	stopOnce sync.Once
	stopped  chan struct{}
	loops    sync.WaitGroup
}

// New wires the daemon around an already-open store and node. The
// clock is injectable so timers can be driven in tests; pass
// clock.New() in production.
func New(n *node.Node, store *identity.Store, cfg Config, clk clock.Clock, log *zap.Logger) (*Daemon, error) {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Daemon{
		cfg:     cfg,
		node:    n,
		store:   store,
		guard:   acl.NewGuard(store, log.Named("acl")),
		bus:     events.NewBus(),
		ctrs:    &metrics.Counters{},
		clock:   clk,
		log:     log,
		stopped: make(chan struct{}),
	}
	d.sessions.init()

	px, err := pex.NewService(n, cfg.PexCacheSize, d.onPeersReceived, log.Named("pex"))
	if err != nil {
		return nil, err
	}
	d.pex = px
	d.tl = transport.NewLayer(n, d.localHello, transport.Callbacks{
		OnSession: d.onSession,
		OnMessage: d.onMessage,
		OnClose:   d.onClose,
	}, transport.Options{
		HelloTimeout: cfg.HelloTimeout,
		MaxFrame:     cfg.MaxFrameBytes,
	}, log.Named("transport"))
	return d, nil
}

// Start registers the protocol handlers and starts the sweep and
// gossip timers.
func (d *Daemon) Start() {
	d.pex.Start()
	d.tl.Start()
	d.loops.Add(2)
	go d.sweepLoop()
	go d.gossipLoop()
	d.log.Info("daemon started",
		zap.String("peerId", d.node.PeerID().String()),
		zap.Strings("listen", d.node.Multiaddrs()))
}

// Stop shuts the daemon down: network layers stop accepting work
// first, then sessions close, then the event bus. Safe to call more
// than once. Every step is attempted even if an earlier one fails.
func (d *Daemon) Stop() error {
	var errs error
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.pex.Stop()
		d.tl.Stop()
		d.loops.Wait()
		d.bus.Close()
		if d.cfg.MetricsPath != "" {
			if err := d.ctrs.WriteSnapshot(d.cfg.MetricsPath); err != nil {
				d.log.Warn("metrics snapshot failed", zap.Error(err))
			}
		}
		errs = multierr.Append(errs, d.node.Close())
	})
	return errs
}

// Stopped is closed once shutdown begins; the process main waits on
// it to tear down the control listener.
func (d *Daemon) Stopped() <-chan struct{} {
	return d.stopped
}

func (d *Daemon) Bus() *events.Bus {
	return d.bus
}

func (d *Daemon) Counters() *metrics.Counters {
	return d.ctrs
}

// localHello builds the hello for a session bound to the hosted
// identity the remote asked for ("" binds to the default). The hello
// always carries the node principal, the one the remote can verify
// against our connection key; the bound identity travels separately.
func (d *Daemon) localHello(requested string) (proto.HelloMsg, string, bool) {
	ident, err := d.guard.ResolveTarget(requested)
	if err != nil {
		return proto.HelloMsg{}, "", false
	}
	return proto.HelloMsg{
		Principal: d.node.Principal(),
		Nick:      ident.Nick,
		Addrs:     d.node.Multiaddrs(),
	}, ident.Principal, true
}

func (d *Daemon) sweepLoop() {
	defer d.loops.Done()
	t := d.clock.Ticker(d.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stopped:
			return
		case <-t.C:
			d.sweep()
		}
	}
}

func (d *Daemon) gossipLoop() {
	defer d.loops.Done()
	t := d.clock.Ticker(d.cfg.GossipInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stopped:
			return
		case <-t.C:
			d.gossipAll()
			if d.cfg.MetricsPath != "" {
				if err := d.ctrs.WriteSnapshot(d.cfg.MetricsPath); err != nil {
					d.log.Debug("metrics snapshot failed", zap.Error(err))
				}
			}
		}
	}
}

// gossipAll pushes each session's owning-identity peer set to that
// session's remote, in session insertion order.
func (d *Daemon) gossipAll() {
	for _, sess := range d.sessions.list() {
		d.pushPeers(sess)
	}
}

func (d *Daemon) pushPeers(sess *transport.Session) {
	entries := d.knownPeers(sess.Local())
	if len(entries) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DialTimeout)
	defer cancel()
	if err := d.pex.Push(ctx, sess.PeerID(), entries); err != nil {
		d.log.Debug("gossip push failed",
			zap.String("to", sess.Remote()), zap.Error(err))
		return
	}
	d.ctrs.GossipPushes.Add(1)
}

// knownPeers converts an identity's peer list to gossip entries,
// enriching each with the cached peer id when the pex cache has one.
func (d *Daemon) knownPeers(identityPrincipal string) []proto.PexPeer {
	peers := d.store.Peers(identityPrincipal)
	out := make([]proto.PexPeer, 0, len(peers))
	for _, p := range peers {
		entry := proto.PexPeer{
			Principal:  p.Principal,
			Multiaddrs: identity.SplitAddresses(p.Address),
			LastSeen:   p.LastSeen,
		}
		if cached, ok := d.pex.Lookup(p.Principal); ok {
			entry.PeerID = cached.PeerID
			if len(entry.Multiaddrs) == 0 {
				entry.Multiaddrs = cached.Multiaddrs
			}
		}
		out = append(out, entry)
	}
	return out
}

// rpcContext bounds one dial or pex round trip.
func (d *Daemon) rpcContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.cfg.DialTimeout)
}

// wake invokes the external wake hook for an identity. Fire and
// forget; a hook failure is logged and never fatal.
func (d *Daemon) wake(identityPrincipal, from string) {
	cmd := d.cfg.WakeCommand
	if cmd == "" {
		return
	}
	go func() {
		if err := exec.Command(cmd, identityPrincipal, from).Run(); err != nil {
			d.log.Warn("wake hook failed",
				zap.String("identity", identityPrincipal), zap.Error(err))
		}
	}()
}

// sessionTable is the principal → session map plus insertion order,
// which gossip and resolve iteration depend on.
type sessionTable struct {
	mu    sync.Mutex
	byRem map[string]*transport.Session
	order []string
}

func (t *sessionTable) init() {
	t.byRem = make(map[string]*transport.Session)
}

func (t *sessionTable) put(sess *transport.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byRem[sess.Remote()]; !ok {
		t.order = append(t.order, sess.Remote())
	}
	t.byRem[sess.Remote()] = sess
}

func (t *sessionTable) get(remote string) (*transport.Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byRem[remote]
	return s, ok
}

// drop removes the entry for remote only if it still maps to sess, so
// a close event for a replaced session cannot evict its successor.
func (t *sessionTable) drop(remote string, sess *transport.Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.byRem[remote]
	if !ok || (sess != nil && cur != sess) {
		return false
	}
	delete(t.byRem, remote)
	for i, r := range t.order {
		if r == remote {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return true
}

func (t *sessionTable) list() []*transport.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*transport.Session, 0, len(t.order))
	for _, r := range t.order {
		out = append(out, t.byRem[r])
	}
	return out
}

func (t *sessionTable) principals() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
