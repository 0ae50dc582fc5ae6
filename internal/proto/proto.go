// Package proto defines the JSON wire frames spoken on chat and
// peer-exchange streams. One JSON value per line; every frame carries
// a type tag that decoders validate.
package proto

import (
	"encoding/json"
	"fmt"
)

const (
	MsgTypeHello = "hello"
	MsgTypeChat  = "chat"

	MsgTypePexResolveReq  = "pex_resolve_req"
	MsgTypePexResolveResp = "pex_resolve_resp"
	MsgTypePexPush        = "pex_push"

	// MaxFrameSize bounds any single wire frame.
	MaxFrameSize = 64 << 10
)

// HelloMsg opens a chat stream in both directions. Principal is the
// sender's node principal; receivers must check it against the
// connection's authenticated key before trusting the session. Listen
// addresses let the receiving side refresh its peer record without a
// pex round trip.
type HelloMsg struct {
	Type      string   `json:"type"`
	Principal string   `json:"principal"`
	Nick      string   `json:"nick,omitempty"`
	Addrs     []string `json:"addrs,omitempty"`
	// To names a hosted identity. Dialer to listener it requests which
	// identity the session should reach; listener to dialer it echoes
	// the identity the session was bound to.
	To string `json:"to,omitempty"`
}

type ChatMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	From      string `json:"from"`
	FromNick  string `json:"fromNick,omitempty"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

type PexPeer struct {
	Principal  string   `json:"principal"`
	PeerID     string   `json:"peerId,omitempty"`
	Multiaddrs []string `json:"multiaddrs,omitempty"`
	LastSeen   int64    `json:"lastSeen,omitempty"`
}

type PexResolveReq struct {
	Type      string `json:"type"`
	Principal string `json:"principal"`
}

type PexResolveResp struct {
	Type  string   `json:"type"`
	Found bool     `json:"found"`
	Peer  *PexPeer `json:"peer,omitempty"`
}

type PexPushMsg struct {
	Type  string    `json:"type"`
	Peers []PexPeer `json:"peers"`
}

func EncodeHello(m HelloMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeHello
	}
	if m.Principal == "" {
		return nil, fmt.Errorf("hello missing principal")
	}
	return json.Marshal(m)
}

func DecodeHello(data []byte) (HelloMsg, error) {
	var m HelloMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return HelloMsg{}, err
	}
	if m.Type != MsgTypeHello {
		return HelloMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.Principal == "" {
		return HelloMsg{}, fmt.Errorf("hello missing principal")
	}
	return m, nil
}

func EncodeChat(m ChatMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypeChat
	}
	if m.ID == "" {
		return nil, fmt.Errorf("chat missing id")
	}
	return json.Marshal(m)
}

func DecodeChat(data []byte) (ChatMsg, error) {
	var m ChatMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return ChatMsg{}, err
	}
	if m.Type != MsgTypeChat {
		return ChatMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.ID == "" {
		return ChatMsg{}, fmt.Errorf("chat missing id")
	}
	return m, nil
}

// PeekType reads only the type tag so stream loops can route a frame
// before fully decoding it.
func PeekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	if env.Type == "" {
		return "", fmt.Errorf("frame missing type")
	}
	return env.Type, nil
}

func EncodePexResolveReq(m PexResolveReq) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypePexResolveReq
	}
	if m.Principal == "" {
		return nil, fmt.Errorf("resolve missing principal")
	}
	return json.Marshal(m)
}

func DecodePexResolveReq(data []byte) (PexResolveReq, error) {
	var m PexResolveReq
	if err := json.Unmarshal(data, &m); err != nil {
		return PexResolveReq{}, err
	}
	if m.Type != MsgTypePexResolveReq {
		return PexResolveReq{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	if m.Principal == "" {
		return PexResolveReq{}, fmt.Errorf("resolve missing principal")
	}
	return m, nil
}

func EncodePexResolveResp(m PexResolveResp) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypePexResolveResp
	}
	return json.Marshal(m)
}

func DecodePexResolveResp(data []byte) (PexResolveResp, error) {
	var m PexResolveResp
	if err := json.Unmarshal(data, &m); err != nil {
		return PexResolveResp{}, err
	}
	if m.Type != MsgTypePexResolveResp {
		return PexResolveResp{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}

func EncodePexPush(m PexPushMsg) ([]byte, error) {
	if m.Type == "" {
		m.Type = MsgTypePexPush
	}
	return json.Marshal(m)
}

func DecodePexPush(data []byte) (PexPushMsg, error) {
	var m PexPushMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return PexPushMsg{}, err
	}
	if m.Type != MsgTypePexPush {
		return PexPushMsg{}, fmt.Errorf("unexpected msg type: %s", m.Type)
	}
	return m, nil
}
