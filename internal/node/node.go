// Package node owns the libp2p host: identity key persistence,
// principal derivation, listening addresses and dialing.
package node

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p"
	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mr-tron/base58"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/crypto/sha3"
)

const keyFile = "node.key"

type Node struct {
	host      host.Host
	principal string
}

// New loads (or on first run creates) the identity key under root and
// starts a libp2p host listening on the given multiaddrs.
func New(root string, listenAddrs []string) (*Node, error) {
	if root == "" {
		return nil, fmt.Errorf("missing node root")
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, err
	}
	priv, err := loadOrCreateKey(filepath.Join(root, keyFile))
	if err != nil {
		return nil, err
	}
	opts := []libp2p.Option{libp2p.Identity(priv)}
	if len(listenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(listenAddrs...))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create host: %w", err)
	}
	principal, err := DerivePrincipal(priv.GetPublic())
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return &Node{host: h, principal: principal}, nil
}

// DerivePrincipal maps a public key to its stable principal:
// base58(sha3-256(raw public key)).
func DerivePrincipal(pub ic.PubKey) (string, error) {
	raw, err := pub.Raw()
	if err != nil {
		return "", err
	}
	sum := sha3.Sum256(raw)
	return base58.Encode(sum[:]), nil
}

func loadOrCreateKey(path string) (ic.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ic.UnmarshalPrivateKey(data)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	priv, _, err := ic.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err = ic.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, err
	}
	return priv, nil
}

func (n *Node) Host() host.Host {
	return n.host
}

func (n *Node) PeerID() peer.ID {
	return n.host.ID()
}

func (n *Node) Principal() string {
	return n.principal
}

// Multiaddrs returns the host's listen addresses with the /p2p peer
// component appended, ready to hand to another node.
func (n *Node) Multiaddrs() []string {
	p2p, err := ma.NewMultiaddr("/p2p/" + n.host.ID().String())
	if err != nil {
		return nil
	}
	addrs := n.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Encapsulate(p2p).String())
	}
	return out
}

// Dial connects to a full multiaddr. The address must carry a /p2p
// peer component; libp2p cannot dial an unidentified endpoint.
func (n *Node) Dial(ctx context.Context, raw string) (peer.ID, error) {
	info, err := peer.AddrInfoFromString(raw)
	if err != nil {
		return "", fmt.Errorf("invalid multiaddr %q: %w", raw, err)
	}
	if info.ID == "" {
		return "", fmt.Errorf("multiaddr %q has no peer id", raw)
	}
	if len(info.Addrs) == 0 {
		return "", fmt.Errorf("multiaddr %q has no transport address", raw)
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return "", err
	}
	return info.ID, nil
}

// ConnectedPeers lists peer ids with at least one live connection.
func (n *Node) ConnectedPeers() []peer.ID {
	return n.host.Network().Peers()
}

// LiveAddrs returns the remote multiaddrs of current connections to a
// peer, /p2p-encapsulated.
func (n *Node) LiveAddrs(p peer.ID) []string {
	conns := n.host.Network().ConnsToPeer(p)
	if len(conns) == 0 {
		return nil
	}
	p2p, err := ma.NewMultiaddr("/p2p/" + p.String())
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.RemoteMultiaddr().Encapsulate(p2p).String())
	}
	return out
}

// Connectedness reports whether the host currently has a usable
// connection to the peer.
func (n *Node) Connected(p peer.ID) bool {
	return n.host.Network().Connectedness(p) == network.Connected
}

func (n *Node) Close() error {
	return n.host.Close()
}
