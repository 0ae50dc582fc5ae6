// Package control serves the command protocol over a local unix
// socket. One JSON request per line, exactly one JSON response line
// per request.
package control

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"peerchat/internal/daemon"
	"peerchat/internal/proto"
)

type Server struct {
	d    *daemon.Daemon
	ln   net.Listener
	log  *zap.Logger
	path string

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// Listen binds the control socket, replacing a stale socket file left
// by an unclean shutdown.
func Listen(path string, d *daemon.Daemon, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind control socket: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		_ = ln.Close()
		return nil, err
	}
	return &Server{d: d, ln: ln, log: log, path: path, conns: make(map[net.Conn]struct{})}, nil
}

// Serve accepts connections until Close. It returns nil on orderly
// shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		if !s.trackConn(conn) {
			_ = conn.Close()
			return nil
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), proto.MaxFrameSize)
	enc := json.NewEncoder(conn)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req daemon.Request
		resp := daemon.Response{}
		if err := json.Unmarshal(line, &req); err != nil {
			resp = daemon.Response{OK: false, Error: fmt.Sprintf("bad request: %v", err)}
		} else {
			resp = s.d.Dispatch(req)
		}
		if err := enc.Encode(resp); err != nil {
			s.log.Debug("control write failed", zap.Error(err))
			return
		}
	}
}

// Close stops accepting, closes open connections and removes the
// socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range open {
		_ = c.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.path)
	return err
}

// removeStaleSocket deletes a leftover socket file, but refuses to
// remove one that still answers.
func removeStaleSocket(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("control socket %s is in use", path)
	}
	return os.Remove(path)
}
