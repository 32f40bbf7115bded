package protocol

import (
	"net/netip"
	"testing"
)

func TestHandshakeRoundTripInduction(t *testing.T) {
	hs := &Handshake{
		Version:    HandshakeVersion4,
		InitialSeq: NewSeq(123456),
		MTU:        1500,
		FlowWindow: 8192,
		ConnType:   ConnInduction,
		SocketID:   0x1001,
		PeerAddr:   netip.MustParseAddr("192.168.1.10"),
	}

	decoded, err := UnmarshalHandshake(MarshalHandshake(hs))
	if err != nil {
		t.Fatalf("UnmarshalHandshake failed: %v", err)
	}

	if decoded.Version != hs.Version || decoded.ConnType != hs.ConnType ||
		decoded.InitialSeq != hs.InitialSeq || decoded.SocketID != hs.SocketID {
		t.Errorf("base fields mismatch: got %+v", decoded)
	}
	if decoded.PeerAddr != hs.PeerAddr {
		t.Errorf("peer address: got %s, want %s", decoded.PeerAddr, hs.PeerAddr)
	}
	if decoded.HS != nil {
		t.Error("induction packet should carry no extension blocks")
	}
}

func TestHandshakeRoundTripConclusion(t *testing.T) {
	hs := &Handshake{
		Version:    HandshakeVersion5,
		Encryption: EncryptNone,
		Extension:  ExtFlagHS | ExtFlagGroup,
		InitialSeq: NewSeq(MaxSeq - 3),
		MTU:        1500,
		FlowWindow: 8192,
		ConnType:   ConnConclusion,
		SocketID:   0x2002,
		SynCookie:  0xC00C1E,
		PeerAddr:   netip.MustParseAddr("2001:db8::5"),
		HS: &HSExtension{
			Version:     0x00010500,
			Flags:       CapTSBPDSend | CapTSBPDRecv | CapTLPktDrop | CapPeriodicNAK | CapRexmitFlag,
			RecvLatency: 120,
			SendLatency: 80,
		},
		Group: &GroupExtension{GroupID: 77, Mode: 1, Weight: 10},
	}

	decoded, err := UnmarshalHandshake(MarshalHandshake(hs))
	if err != nil {
		t.Fatalf("UnmarshalHandshake failed: %v", err)
	}

	if decoded.SynCookie != hs.SynCookie {
		t.Errorf("cookie: got %#x, want %#x", decoded.SynCookie, hs.SynCookie)
	}
	if decoded.PeerAddr != hs.PeerAddr {
		t.Errorf("peer address: got %s, want %s", decoded.PeerAddr, hs.PeerAddr)
	}
	if decoded.HS == nil {
		t.Fatal("HS extension missing after round trip")
	}
	if *decoded.HS != *hs.HS {
		t.Errorf("HS extension: got %+v, want %+v", *decoded.HS, *hs.HS)
	}
	if decoded.IsResponse {
		t.Error("HSREQ decoded as response")
	}
	if decoded.Group == nil || *decoded.Group != *hs.Group {
		t.Errorf("group extension: got %+v, want %+v", decoded.Group, hs.Group)
	}
}

func TestHandshakeResponseExtensionType(t *testing.T) {
	hs := &Handshake{
		Version:    HandshakeVersion5,
		ConnType:   ConnAgreement,
		PeerAddr:   netip.MustParseAddr("127.0.0.1"),
		IsResponse: true,
		HS:         &HSExtension{Version: 1, Flags: CapTSBPDSend, RecvLatency: 120, SendLatency: 120},
	}

	decoded, err := UnmarshalHandshake(MarshalHandshake(hs))
	if err != nil {
		t.Fatal(err)
	}
	if !decoded.IsResponse {
		t.Error("HSRSP should decode with IsResponse set")
	}
}

func TestHandshakeDecodeErrors(t *testing.T) {
	short := make([]byte, handshakeBaseLen-1)
	if _, err := UnmarshalHandshake(short); err == nil {
		t.Error("short CIF should fail")
	}

	valid := MarshalHandshake(&Handshake{
		Version:  HandshakeVersion5,
		ConnType: ConnConclusion,
		PeerAddr: netip.MustParseAddr("10.0.0.1"),
		HS:       &HSExtension{Version: 1},
	})

	// Truncate inside the extension block.
	if _, err := UnmarshalHandshake(valid[:len(valid)-2]); err == nil {
		t.Error("truncated extension should fail")
	}
}
