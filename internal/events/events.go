package events

import "peerchat/internal/identity"

// SessionUp is published after a session finishes its hello exchange.
type SessionUp struct {
	Remote string // remote principal
	PeerID string
	Local  string // local principal the session is bound to
	Addrs  []string
	Nick   string
}

// SessionDown is published when a session's stream closes.
type SessionDown struct {
	Remote string
	PeerID string
	Local  string
}

// MessageStored is published after a delivered message lands in a
// hosted identity's inbox (local short-circuit or inbound).
type MessageStored struct {
	Identity string // receiving principal
	Message  identity.Message
}

// PeersDiscovered is published after a gossip batch merges into the
// hosted identities' peer lists.
type PeersDiscovered struct {
	From  string // peer id the batch arrived from, if known
	Count int
}

// Bus groups one broker per notification kind.
type Bus struct {
	SessionUp       *Broker[SessionUp]
	SessionDown     *Broker[SessionDown]
	MessageStored   *Broker[MessageStored]
	PeersDiscovered *Broker[PeersDiscovered]
}

func NewBus() *Bus {
	return &Bus{
		SessionUp:       NewBroker[SessionUp](),
		SessionDown:     NewBroker[SessionDown](),
		MessageStored:   NewBroker[MessageStored](),
		PeersDiscovered: NewBroker[PeersDiscovered](),
	}
}

func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.SessionUp.Close()
	b.SessionDown.Close()
	b.MessageStored.Close()
	b.PeersDiscovered.Close()
}
