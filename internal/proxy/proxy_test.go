package proxy

import (
	"bytes"
	"net"
	"testing"
)

func TestRoundTripTCP4(t *testing.T) {
	peer := &net.TCPAddr{IP: net.IPv4(10, 1, 2, 3).To4(), Port: 54321}
	self := &net.TCPAddr{IP: net.IPv4(192, 168, 0, 1).To4(), Port: 143}

	leader, err := Encode(peer, self)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	h, n, err := Parse(leader)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if n != len(leader) {
		t.Errorf("consumed %d bytes, want %d", n, len(leader))
	}
	if h.Local {
		t.Error("PROXY command decoded as LOCAL")
	}
	if h.Peer.String() != peer.String() || h.Self.String() != self.String() {
		t.Errorf("round trip: got (%v, %v), want (%v, %v)",
			h.Peer, h.Self, peer, self)
	}
}

func TestRoundTripTCP6(t *testing.T) {
	peer := &net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 9999}
	self := &net.TCPAddr{IP: net.ParseIP("2001:db8::2"), Port: 993}

	leader, err := Encode(peer, self)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h, _, err := Parse(leader)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if h.Peer.String() != peer.String() || h.Self.String() != self.String() {
		t.Errorf("round trip: got (%v, %v), want (%v, %v)",
			h.Peer, h.Self, peer, self)
	}
}

func TestRoundTripUnix(t *testing.T) {
	peer := &net.UnixAddr{Net: "unix", Name: "/var/run/haproxy.sock"}
	self := &net.UnixAddr{Net: "unix", Name: "/var/run/aox/imap.sock"}

	leader, err := Encode(peer, self)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h, _, err := Parse(leader)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if h.Peer.String() != peer.String() || h.Self.String() != self.String() {
		t.Errorf("round trip: got (%v, %v), want (%v, %v)",
			h.Peer, h.Self, peer, self)
	}
}

func TestParseNoMatch(t *testing.T) {
	_, _, err := Parse([]byte("A001 CAPABILITY\r\n"))
	if err != ErrNoMatch {
		t.Errorf("Parse(imap line) = %v, want ErrNoMatch", err)
	}
}

func TestParseIncomplete(t *testing.T) {
	peer := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 1}
	self := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2).To4(), Port: 2}
	leader, _ := Encode(peer, self)

	for _, cut := range []int{1, 8, 15, len(leader) - 1} {
		_, _, err := Parse(leader[:cut])
		if err != ErrIncomplete {
			t.Errorf("Parse(%d bytes) = %v, want ErrIncomplete", cut, err)
		}
	}
}

func TestParseLocal(t *testing.T) {
	var leader []byte
	leader = append(leader, signature...)
	leader = append(leader, 0x20, 0x00, 0x00, 0x00)

	h, n, err := Parse(leader)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !h.Local || h.Peer != nil || h.Self != nil {
		t.Errorf("LOCAL leader decoded as %+v", h)
	}
	if n != 16 {
		t.Errorf("consumed %d, want 16", n)
	}
}

func TestParseBadVersion(t *testing.T) {
	var leader []byte
	leader = append(leader, signature...)
	leader = append(leader, 0x10, 0x00, 0x00, 0x00)

	_, _, err := Parse(leader)
	if err == nil || err == ErrNoMatch || err == ErrIncomplete {
		t.Errorf("Parse(version 1 nibble) = %v, want version error", err)
	}
}

func TestParseUnknownFamily(t *testing.T) {
	var leader []byte
	leader = append(leader, signature...)
	leader = append(leader, 0x21, 0x42, 0x00, 0x04, 1, 2, 3, 4)

	h, n, err := Parse(leader)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if h.Peer != nil || h.Self != nil {
		t.Error("unknown family should keep socket addresses")
	}
	if n != 20 {
		t.Errorf("consumed %d, want 20", n)
	}
}

func TestSignatureBytes(t *testing.T) {
	want := []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}
	if !bytes.Equal(signature, want) {
		t.Errorf("signature = %v, want %v", signature, want)
	}
}
