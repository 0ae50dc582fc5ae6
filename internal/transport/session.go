package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"

	"peerchat/internal/proto"
)

const writeTimeout = 10 * time.Second

// Session is one authenticated chat stream to a remote peer. It only
// exists after both hellos passed key verification. Inbound sessions
// record the remote node's verified principal; outbound sessions
// record the hosted identity the listener bound for us, vouched for by
// its verified node.
type Session struct {
	remote string
	nick   string
	local  string
	peerID peer.ID
	addrs  []string // listen addrs the remote advertised in its hello

	mu     sync.Mutex
	stream network.Stream
	closed bool
}

func (s *Session) Remote() string  { return s.remote }
func (s *Session) Nick() string    { return s.nick }
func (s *Session) Local() string   { return s.local }
func (s *Session) PeerID() peer.ID { return s.peerID }
func (s *Session) Addrs() []string { return s.addrs }

// Authenticated reports whether the session is still usable. A session
// is authenticated from construction until its stream closes.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// SendChat writes one chat frame. It fails once the session closed.
func (s *Session) SendChat(m proto.ChatMsg) error {
	data, err := proto.EncodeChat(m)
	if err != nil {
		return err
	}
	return s.writeFrame(data)
}

func (s *Session) writeFrame(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session to %s closed", s.remote)
	}
	_ = s.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.stream.Write(append(data, '\n')); err != nil {
		return err
	}
	_ = s.stream.SetWriteDeadline(time.Time{})
	return nil
}

// Close resets the stream; the layer's read loop observes the reset
// and fires the close callback.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.stream.Reset()
}

func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}
