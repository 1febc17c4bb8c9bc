// Package proxy implements the PROXY protocol v2 binary leader that a
// load balancer may prepend to an inbound connection.
package proxy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// signature is the fixed 12-byte PROXY v2 preamble.
var signature = []byte("\r\n\r\n\x00\r\nQUIT\n")

// SignatureLen is the length of the v2 preamble.
const SignatureLen = 12

// MatchesSignaturePrefix reports whether b is a prefix of the v2
// signature. Readers use it to rule out a leader after as little as
// one byte, without blocking for the full preamble.
func MatchesSignaturePrefix(b []byte) bool {
	if len(b) > SignatureLen {
		b = b[:SignatureLen]
	}
	return bytes.Equal(b, signature[:len(b)])
}

const (
	cmdLocal = 0x0
	cmdProxy = 0x1

	famTCP4 = 0x11
	famTCP6 = 0x21
	famUnix = 0x31
)

// ErrIncomplete means more bytes are needed before the leader can be
// judged.
var ErrIncomplete = errors.New("proxy leader incomplete")

// ErrNoMatch means the input does not start with the v2 signature and
// must be treated as ordinary protocol bytes.
var ErrNoMatch = errors.New("not a proxy leader")

// Header is a decoded PROXY v2 leader. Peer and Self are nil for the
// LOCAL command and for unsupported address families; the caller keeps
// the socket addresses in that case.
type Header struct {
	Local bool
	Peer  net.Addr
	Self  net.Addr
}

// Parse examines buf for a PROXY v2 leader. On success it returns the
// header and the number of leading bytes to discard.
func Parse(buf []byte) (*Header, int, error) {
	if len(buf) < 16 {
		if bytes.HasPrefix(signature, buf) || bytes.HasPrefix(buf, signature) {
			return nil, 0, ErrIncomplete
		}
		return nil, 0, ErrNoMatch
	}
	if !bytes.Equal(buf[:12], signature) {
		return nil, 0, ErrNoMatch
	}

	verCmd := buf[12]
	if verCmd&0xf0 != 0x20 {
		return nil, 0, fmt.Errorf("proxy signature present, but version != 2")
	}

	fam := buf[13]
	addrLen := int(binary.BigEndian.Uint16(buf[14:16]))
	size := 16 + addrLen
	if len(buf) < size {
		return nil, 0, ErrIncomplete
	}
	addr := buf[16:size]

	h := &Header{}
	switch verCmd & 0xf {
	case cmdLocal:
		h.Local = true
		return h, size, nil
	case cmdProxy:
	default:
		return nil, size, fmt.Errorf("proxy unknown command %d", verCmd&0xf)
	}

	switch fam {
	case famTCP4:
		if addrLen < 12 {
			return nil, size, fmt.Errorf("proxy TCPv4 address block too short: %d", addrLen)
		}
		h.Peer = &net.TCPAddr{
			IP:   net.IP(append([]byte(nil), addr[0:4]...)),
			Port: int(binary.BigEndian.Uint16(addr[8:10])),
		}
		h.Self = &net.TCPAddr{
			IP:   net.IP(append([]byte(nil), addr[4:8]...)),
			Port: int(binary.BigEndian.Uint16(addr[10:12])),
		}
	case famTCP6:
		if addrLen < 36 {
			return nil, size, fmt.Errorf("proxy TCPv6 address block too short: %d", addrLen)
		}
		h.Peer = &net.TCPAddr{
			IP:   net.IP(append([]byte(nil), addr[0:16]...)),
			Port: int(binary.BigEndian.Uint16(addr[32:34])),
		}
		h.Self = &net.TCPAddr{
			IP:   net.IP(append([]byte(nil), addr[16:32]...)),
			Port: int(binary.BigEndian.Uint16(addr[34:36])),
		}
	case famUnix:
		if addrLen < 216 {
			return nil, size, fmt.Errorf("proxy AF_UNIX address block too short: %d", addrLen)
		}
		h.Peer = &net.UnixAddr{Net: "unix", Name: cstring(addr[0:108])}
		h.Self = &net.UnixAddr{Net: "unix", Name: cstring(addr[108:216])}
	default:
		// Valid blob with a family we cannot use; the caller logs
		// and keeps the socket addresses.
		return h, size, nil
	}
	return h, size, nil
}

// Encode builds a PROXY command leader for the (peer, self) pair.
func Encode(peer, self net.Addr) ([]byte, error) {
	var fam byte
	var addr []byte

	switch p := peer.(type) {
	case *net.TCPAddr:
		s, ok := self.(*net.TCPAddr)
		if !ok {
			return nil, fmt.Errorf("peer and self families differ")
		}
		if p4, s4 := p.IP.To4(), s.IP.To4(); p4 != nil && s4 != nil {
			fam = famTCP4
			addr = make([]byte, 12)
			copy(addr[0:4], p4)
			copy(addr[4:8], s4)
			binary.BigEndian.PutUint16(addr[8:10], uint16(p.Port))
			binary.BigEndian.PutUint16(addr[10:12], uint16(s.Port))
		} else {
			fam = famTCP6
			addr = make([]byte, 36)
			copy(addr[0:16], p.IP.To16())
			copy(addr[16:32], s.IP.To16())
			binary.BigEndian.PutUint16(addr[32:34], uint16(p.Port))
			binary.BigEndian.PutUint16(addr[34:36], uint16(s.Port))
		}
	case *net.UnixAddr:
		s, ok := self.(*net.UnixAddr)
		if !ok {
			return nil, fmt.Errorf("peer and self families differ")
		}
		fam = famUnix
		addr = make([]byte, 216)
		copy(addr[0:108], p.Name)
		copy(addr[108:216], s.Name)
	default:
		return nil, fmt.Errorf("unsupported address type %T", peer)
	}

	out := make([]byte, 0, 16+len(addr))
	out = append(out, signature...)
	out = append(out, 0x20|cmdProxy, fam)
	out = binary.BigEndian.AppendUint16(out, uint16(len(addr)))
	out = append(out, addr...)
	return out, nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
