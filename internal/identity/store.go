package identity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const maxScanSize = 1 << 20

// Store owns every hosted identity and its peers, inbox and outbox.
// Hosting order is creation order and is stable across restarts; the
// first identity is the default. Every mutating accessor persists
// before returning.
type Store struct {
	mu    sync.Mutex
	root  string
	order []string // principals in hosting order
	ids   map[string]*record
}

type record struct {
	ident  Identity
	peers  []Peer
	inbox  []Message
	outbox []Message
}

func Open(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("missing store root")
	}
	if err := os.MkdirAll(filepath.Join(root, "identities"), 0700); err != nil {
		return nil, err
	}
	s := &Store{root: root, ids: make(map[string]*record)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	idents, err := readIdentityList(s.indexPath())
	if err != nil {
		return err
	}
	for _, ident := range idents {
		rec := &record{ident: ident}
		dir := s.identityDir(ident.Principal)
		rec.peers, err = readPeers(filepath.Join(dir, "peers.json"))
		if err != nil {
			return fmt.Errorf("load peers for %s: %w", ident.Principal, err)
		}
		rec.inbox, err = readMessages(filepath.Join(dir, "inbox.jsonl"))
		if err != nil {
			return fmt.Errorf("load inbox for %s: %w", ident.Principal, err)
		}
		rec.outbox, err = readMessages(filepath.Join(dir, "outbox.jsonl"))
		if err != nil {
			return fmt.Errorf("load outbox for %s: %w", ident.Principal, err)
		}
		s.order = append(s.order, ident.Principal)
		s.ids[ident.Principal] = rec
	}
	return nil
}

func (s *Store) indexPath() string {
	return filepath.Join(s.root, "identities.json")
}

func (s *Store) identityDir(principal string) string {
	return filepath.Join(s.root, "identities", principal)
}

// Create adds a hosted identity at the end of the hosting order.
func (s *Store) Create(ident Identity) error {
	if ident.Principal == "" {
		return fmt.Errorf("missing principal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[ident.Principal]; ok {
		return fmt.Errorf("identity %s already hosted", ident.Principal)
	}
	if err := os.MkdirAll(s.identityDir(ident.Principal), 0700); err != nil {
		return err
	}
	s.order = append(s.order, ident.Principal)
	s.ids[ident.Principal] = &record{ident: ident}
	return s.writeIndexLocked()
}

// Get returns the identity for a principal.
func (s *Store) Get(principal string) (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[principal]
	if !ok {
		return Identity{}, false
	}
	return rec.ident, true
}

// Default returns the first identity in hosting order.
func (s *Store) Default() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return Identity{}, false
	}
	return s.ids[s.order[0]].ident, true
}

// List returns all hosted identities in hosting order.
func (s *Store) List() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, 0, len(s.order))
	for _, p := range s.order {
		out = append(out, s.ids[p].ident)
	}
	return out
}

func (s *Store) Hosts(principal string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[principal]
	return ok
}

func (s *Store) SetPolicy(principal string, pol Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[principal]
	if !ok {
		return fmt.Errorf("unknown identity %s", principal)
	}
	rec.ident.Policy = pol
	return s.writeIndexLocked()
}

// Peers returns a copy of an identity's peer list in list order.
func (s *Store) Peers(principal string) []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[principal]
	if !ok {
		return nil
	}
	out := make([]Peer, len(rec.peers))
	copy(out, rec.peers)
	return out
}

// GetPeer finds a peer entry by its principal.
func (s *Store) GetPeer(identity, peerPrincipal string) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[identity]
	if !ok {
		return Peer{}, false
	}
	for _, p := range rec.peers {
		if p.Principal == peerPrincipal {
			return p, true
		}
	}
	return Peer{}, false
}

// UpsertPeer inserts or replaces a peer entry and persists the peer
// list. An update keeps the peer's position; an insert appends.
func (s *Store) UpsertPeer(identity string, p Peer) error {
	if p.Principal == "" {
		return fmt.Errorf("missing peer principal")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[identity]
	if !ok {
		return fmt.Errorf("unknown identity %s", identity)
	}
	replaced := false
	for i := range rec.peers {
		if rec.peers[i].Principal == p.Principal {
			rec.peers[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		rec.peers = append(rec.peers, p)
	}
	return s.writePeersLocked(identity, rec)
}

// TouchPeer merges addrs (set union) into an existing peer entry,
// bumps lastSeen to the max of existing/given, and persists. It never
// creates an entry; ok reports whether the peer existed.
func (s *Store) TouchPeer(identity, peerPrincipal string, addrs []string, lastSeen int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[identity]
	if !ok {
		return false, fmt.Errorf("unknown identity %s", identity)
	}
	for i := range rec.peers {
		if rec.peers[i].Principal != peerPrincipal {
			continue
		}
		merged := MergeAddresses(rec.peers[i].Address, addrs)
		changed := merged != rec.peers[i].Address
		rec.peers[i].Address = merged
		if lastSeen > rec.peers[i].LastSeen {
			rec.peers[i].LastSeen = lastSeen
			changed = true
		}
		if !changed {
			return true, nil
		}
		return true, s.writePeersLocked(identity, rec)
	}
	return false, nil
}

// MergePeer is the gossip merge: union addresses and max lastSeen on
// an existing entry, or append a new alias-less entry. Idempotent.
func (s *Store) MergePeer(identity, peerPrincipal string, addrs []string, lastSeen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[identity]
	if !ok {
		return fmt.Errorf("unknown identity %s", identity)
	}
	for i := range rec.peers {
		if rec.peers[i].Principal != peerPrincipal {
			continue
		}
		merged := MergeAddresses(rec.peers[i].Address, addrs)
		changed := merged != rec.peers[i].Address
		rec.peers[i].Address = merged
		if lastSeen > rec.peers[i].LastSeen {
			rec.peers[i].LastSeen = lastSeen
			changed = true
		}
		if !changed {
			return nil
		}
		return s.writePeersLocked(identity, rec)
	}
	rec.peers = append(rec.peers, Peer{
		Principal: peerPrincipal,
		Address:   MergeAddresses("", addrs),
		LastSeen:  lastSeen,
	})
	return s.writePeersLocked(identity, rec)
}

// RemovePeer deletes a peer entry by principal and persists. ok
// reports whether an entry was removed.
func (s *Store) RemovePeer(identity, peerPrincipal string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[identity]
	if !ok {
		return false, fmt.Errorf("unknown identity %s", identity)
	}
	for i := range rec.peers {
		if rec.peers[i].Principal == peerPrincipal {
			rec.peers = append(rec.peers[:i], rec.peers[i+1:]...)
			return true, s.writePeersLocked(identity, rec)
		}
	}
	return false, nil
}

// ResolveAlias scans identities in hosting order and each peer list in
// list order, returning the principal of the first peer whose alias
// matches. The first match wins; this tie-break is a documented
// contract, not incidental iteration order.
func (s *Store) ResolveAlias(alias string) (string, bool) {
	if alias == "" {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ip := range s.order {
		for _, p := range s.ids[ip].peers {
			if p.Alias == alias {
				return p.Principal, true
			}
		}
	}
	return "", false
}

// FindPeer searches every hosted identity's peer list for a direct
// principal match, and only if none exists anywhere, for an alias
// match. Same hosting-order/list-order tie-break as ResolveAlias.
// The returned owner is the hosting identity's principal.
func (s *Store) FindPeer(target string) (owner string, peer Peer, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ip := range s.order {
		for _, p := range s.ids[ip].peers {
			if p.Principal == target {
				return ip, p, true
			}
		}
	}
	for _, ip := range s.order {
		for _, p := range s.ids[ip].peers {
			if p.Alias == target {
				return ip, p, true
			}
		}
	}
	return "", Peer{}, false
}

// Inbox returns a copy of an identity's inbox.
func (s *Store) Inbox(principal string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[principal]
	if !ok {
		return nil
	}
	out := make([]Message, len(rec.inbox))
	copy(out, rec.inbox)
	return out
}

// Outbox returns a copy of an identity's outbox.
func (s *Store) Outbox(principal string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[principal]
	if !ok {
		return nil
	}
	out := make([]Message, len(rec.outbox))
	copy(out, rec.outbox)
	return out
}

// AppendInbox appends a delivered message and persists.
func (s *Store) AppendInbox(principal string, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[principal]
	if !ok {
		return fmt.Errorf("unknown identity %s", principal)
	}
	if err := appendMessage(filepath.Join(s.identityDir(principal), "inbox.jsonl"), m); err != nil {
		return err
	}
	rec.inbox = append(rec.inbox, m)
	return nil
}

// AppendOutbox appends a new outbound message and persists.
func (s *Store) AppendOutbox(principal string, m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[principal]
	if !ok {
		return fmt.Errorf("unknown identity %s", principal)
	}
	if err := appendMessage(filepath.Join(s.identityDir(principal), "outbox.jsonl"), m); err != nil {
		return err
	}
	rec.outbox = append(rec.outbox, m)
	return nil
}

// UpdateOutbox applies fn to the outbox message with the given id and
// rewrites the outbox file atomically. fn runs under the store lock
// and must not call back into the store.
func (s *Store) UpdateOutbox(principal, msgID string, fn func(*Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[principal]
	if !ok {
		return fmt.Errorf("unknown identity %s", principal)
	}
	for i := range rec.outbox {
		if rec.outbox[i].ID != msgID {
			continue
		}
		fn(&rec.outbox[i])
		return rewriteMessages(filepath.Join(s.identityDir(principal), "outbox.jsonl"), rec.outbox)
	}
	return fmt.Errorf("message %s not in outbox of %s", msgID, principal)
}

// PendingOutbox returns copies of an identity's pending messages in
// outbox order.
func (s *Store) PendingOutbox(principal string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.ids[principal]
	if !ok {
		return nil
	}
	var out []Message
	for _, m := range rec.outbox {
		if m.Status == StatusPending {
			out = append(out, m)
		}
	}
	return out
}

func (s *Store) writeIndexLocked() error {
	idents := make([]Identity, 0, len(s.order))
	for _, p := range s.order {
		idents = append(idents, s.ids[p].ident)
	}
	data, err := json.MarshalIndent(idents, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.indexPath(), data)
}

func (s *Store) writePeersLocked(principal string, rec *record) error {
	data, err := json.MarshalIndent(rec.peers, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(s.identityDir(principal), "peers.json"), data)
}

func readIdentityList(path string) ([]Identity, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Identity
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func readPeers(path string) ([]Peer, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Peer
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func readMessages(path string) ([]Message, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []Message
	sc := newScanner(f)
	for sc.Scan() {
		var m Message
		if err := json.Unmarshal(sc.Bytes(), &m); err == nil {
			out = append(out, m)
		}
	}
	return out, sc.Err()
}

func appendMessage(path string, m Message) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(m); err != nil {
		return err
	}
	return f.Sync()
}

func rewriteMessages(path string, msgs []Message) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	return sc
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
