package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"peerchat/internal/daemon"
	"peerchat/internal/proto"
)

// Client talks to a running daemon's control socket.
type Client struct {
	conn net.Conn
	sc   *bufio.Scanner
	enc  *json.Encoder
}

func DialSocket(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial control socket %s: %w", path, err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), proto.MaxFrameSize)
	return &Client{conn: conn, sc: sc, enc: json.NewEncoder(conn)}, nil
}

// Do sends one request and reads its response line. The deadline
// covers the round trip; commands that legitimately block (timed
// recv) extend it by their own timeout.
func (c *Client) Do(req daemon.Request) (daemon.Response, error) {
	deadline := 30 * time.Second
	if req.Timeout > 0 {
		deadline += time.Duration(req.Timeout) * time.Millisecond
	}
	_ = c.conn.SetDeadline(time.Now().Add(deadline))
	if err := c.enc.Encode(req); err != nil {
		return daemon.Response{}, fmt.Errorf("write request: %w", err)
	}
	if !c.sc.Scan() {
		if err := c.sc.Err(); err != nil {
			return daemon.Response{}, fmt.Errorf("read response: %w", err)
		}
		return daemon.Response{}, fmt.Errorf("connection closed")
	}
	var resp daemon.Response
	if err := json.Unmarshal(c.sc.Bytes(), &resp); err != nil {
		return daemon.Response{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
