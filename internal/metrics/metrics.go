// Package metrics keeps daemon-wide counters. Counters are cheap
// atomics updated from hot paths; a snapshot can be written to disk
// for inspection without stopping the daemon.
package metrics

import (
	"encoding/json"
	"os"
	"sync/atomic"
	"time"
)

type Counters struct {
	SentLocal     atomic.Int64
	SentSession   atomic.Int64
	SentReconnect atomic.Int64
	SentGossip    atomic.Int64

	Retries      atomic.Int64
	DeadLettered atomic.Int64

	InboundAccepted atomic.Int64
	InboundRejected atomic.Int64

	GossipPushes atomic.Int64
	PeersLearned atomic.Int64

	SessionsOpened atomic.Int64
	SessionsClosed atomic.Int64
}

// Snapshot is the JSON shape written to disk.
type Snapshot struct {
	Timestamp int64 `json:"timestamp"`

	SentLocal     int64 `json:"sentLocal"`
	SentSession   int64 `json:"sentSession"`
	SentReconnect int64 `json:"sentReconnect"`
	SentGossip    int64 `json:"sentGossip"`

	Retries      int64 `json:"retries"`
	DeadLettered int64 `json:"deadLettered"`

	InboundAccepted int64 `json:"inboundAccepted"`
	InboundRejected int64 `json:"inboundRejected"`

	GossipPushes int64 `json:"gossipPushes"`
	PeersLearned int64 `json:"peersLearned"`

	SessionsOpened int64 `json:"sessionsOpened"`
	SessionsClosed int64 `json:"sessionsClosed"`
}

func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Timestamp:       time.Now().Unix(),
		SentLocal:       c.SentLocal.Load(),
		SentSession:     c.SentSession.Load(),
		SentReconnect:   c.SentReconnect.Load(),
		SentGossip:      c.SentGossip.Load(),
		Retries:         c.Retries.Load(),
		DeadLettered:    c.DeadLettered.Load(),
		InboundAccepted: c.InboundAccepted.Load(),
		InboundRejected: c.InboundRejected.Load(),
		GossipPushes:    c.GossipPushes.Load(),
		PeersLearned:    c.PeersLearned.Load(),
		SessionsOpened:  c.SessionsOpened.Load(),
		SessionsClosed:  c.SessionsClosed.Load(),
	}
}

// WriteSnapshot writes the current counters as indented JSON. The
// write is best-effort; a failure leaves any previous snapshot intact.
func (c *Counters) WriteSnapshot(path string) error {
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
