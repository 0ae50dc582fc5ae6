// Package identity holds the hosted-identity data model and its
// owning repository store. All mutation goes through store accessors
// that persist after mutating; other packages never share mutable
// identity records.
package identity

import "strings"

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	// StatusFailed is the dead-letter state: delivery attempts
	// exhausted, kept in outbox history, never retried.
	StatusFailed Status = "failed"
)

type Policy struct {
	WakeOnMessage bool `json:"wakeOnMessage"`
	// RestrictToPeers rejects inbound messages from principals not in
	// this identity's peer list.
	RestrictToPeers bool `json:"restrictToPeers,omitempty"`
}

type Identity struct {
	Principal string `json:"principal"`
	Nick      string `json:"nick,omitempty"`
	Policy    Policy `json:"policy"`
}

// Peer belongs to exactly one identity's peer list. Address is a
// comma-joined multiaddress list, most-preferred first. LastSeen is
// unix milliseconds.
type Peer struct {
	Principal string `json:"principal"`
	Address   string `json:"address,omitempty"`
	Alias     string `json:"alias,omitempty"`
	LastSeen  int64  `json:"lastSeen,omitempty"`
}

// Message timestamps are unix milliseconds, as is NextAttempt.
type Message struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	FromNick  string `json:"fromNick,omitempty"`
	To        string `json:"to"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Status    Status `json:"status"`
	// Attempts and NextAttempt drive the bounded retry policy for
	// pending outbox messages.
	Attempts    int   `json:"attempts,omitempty"`
	NextAttempt int64 `json:"nextAttempt,omitempty"`
}

// SplitAddresses splits a comma-joined address field, dropping empty
// entries.
func SplitAddresses(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MergeAddressLists set-unions two address lists, keeping a's order
// and appending unseen entries of b in their given order.
func MergeAddressLists(a, b []string) []string {
	return SplitAddresses(MergeAddresses(strings.Join(a, ","), b))
}

// MergeAddresses set-unions addrs into joined, keeping existing order
// and appending unseen entries in their given order. Idempotent.
func MergeAddresses(joined string, addrs []string) string {
	existing := SplitAddresses(joined)
	seen := make(map[string]struct{}, len(existing))
	for _, a := range existing {
		seen[a] = struct{}{}
	}
	for _, a := range addrs {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		existing = append(existing, a)
	}
	return strings.Join(existing, ",")
}
