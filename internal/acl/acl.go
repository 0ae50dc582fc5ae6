// Package acl decides whether inbound traffic may reach a hosted
// identity. The rules are per-identity policy: an identity that
// restricts to peers only accepts senders already on its peer list.
package acl

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"peerchat/internal/identity"
)

var (
	ErrUnknownIdentity = errors.New("unknown identity")
	ErrSenderRejected  = errors.New("sender not in peer list")
)

type Guard struct {
	store *identity.Store
	log   *zap.Logger
}

func NewGuard(store *identity.Store, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{store: store, log: log}
}

// CheckInbound validates an inbound message from the given sender to
// the hosted identity named by local.
func (g *Guard) CheckInbound(local, from string) error {
	ident, ok := g.store.Get(local)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownIdentity, local)
	}
	if !ident.Policy.RestrictToPeers {
		return nil
	}
	if _, ok := g.store.GetPeer(local, from); !ok {
		g.log.Warn("inbound message rejected",
			zap.String("identity", local),
			zap.String("from", from))
		return fmt.Errorf("%w: %s", ErrSenderRejected, from)
	}
	return nil
}

// ResolveTarget maps an inbound session's requested identity to the
// hosted identity that should receive its traffic. An empty request
// binds to the default identity. A request for a principal this node
// does not host is refused.
func (g *Guard) ResolveTarget(requested string) (identity.Identity, error) {
	if requested == "" {
		ident, ok := g.store.Default()
		if !ok {
			return identity.Identity{}, fmt.Errorf("%w: no identities hosted", ErrUnknownIdentity)
		}
		return ident, nil
	}
	ident, ok := g.store.Get(requested)
	if !ok {
		return identity.Identity{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, requested)
	}
	return ident, nil
}
