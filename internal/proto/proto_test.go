package proto

import "testing"

func TestHelloRequiresPrincipal(t *testing.T) {
	if _, err := EncodeHello(HelloMsg{}); err == nil {
		t.Fatal("expected error for missing principal")
	}
	data, err := EncodeHello(HelloMsg{Principal: "p1", Nick: "n", To: "hosted"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	m, err := DecodeHello(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Principal != "p1" || m.To != "hosted" {
		t.Fatalf("roundtrip lost fields: %+v", m)
	}
}

func TestDecodeRejectsWrongType(t *testing.T) {
	data, err := EncodeChat(ChatMsg{ID: "m1", From: "a", Content: "hi"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeHello(data); err == nil {
		t.Fatal("chat frame decoded as hello")
	}
	if _, err := DecodePexPush(data); err == nil {
		t.Fatal("chat frame decoded as pex push")
	}
}

func TestPeekType(t *testing.T) {
	data, _ := EncodePexResolveReq(PexResolveReq{Principal: "p"})
	kind, err := PeekType(data)
	if err != nil || kind != MsgTypePexResolveReq {
		t.Fatalf("peek: %q %v", kind, err)
	}
	if _, err := PeekType([]byte(`{"nope":1}`)); err == nil {
		t.Fatal("frame without type accepted")
	}
	if _, err := PeekType([]byte(`garbage`)); err == nil {
		t.Fatal("non-JSON accepted")
	}
}

func TestPexResolveRoundTrip(t *testing.T) {
	resp := PexResolveResp{Found: true, Peer: &PexPeer{
		Principal:  "carol",
		PeerID:     "QmPeer",
		Multiaddrs: []string{"/ip4/1.2.3.4/tcp/9"},
		LastSeen:   7,
	}}
	data, err := EncodePexResolveResp(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodePexResolveResp(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Found || got.Peer == nil || got.Peer.Principal != "carol" {
		t.Fatalf("roundtrip lost route: %+v", got)
	}
}
