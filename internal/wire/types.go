// Package wire defines the on-the-wire shapes shared by the UDP probe
// path and the TCP sidechannel: the four-byte-aligned identifiers, the
// fixed-length UDP payload, and the framed sidechannel record.
package wire

import (
	"encoding/binary"
	"net"
)

// ProbeId identifies a measurement session. This uses the full 32 bits
// the wire format reserves for it.
type ProbeId uint32

// SequenceNumber is monotonic per session; it is never reused.
type SequenceNumber uint32

// Dscp is a 6-bit Differentiated Services Code Point.
type Dscp uint8

// TimePoint is a signed seconds + nanoseconds pair. Sec == -1
// (UnsetTimePoint) is the explicit "unset" sentinel, chosen so an unset
// TimePoint is distinguishable from one at the Unix epoch. The Go zero
// value {0, 0} is what a receive without an OS timestamp delivers; see
// IsZero.
type TimePoint struct {
	Sec  int64
	Nsec int64
}

// UnsetTimePoint is the canonical unset sentinel.
var UnsetTimePoint = TimePoint{Sec: -1}

// IsSet reports whether t carries a real timestamp.
func (t TimePoint) IsSet() bool {
	return t.Sec >= 0
}

// IsZero reports whether t is the zero-value sentinel used by classify
// to detect a timestamp that was never actually populated by the OS
// (e.g. a RecvError::NoRxTimestamp frame delivered with a zero TimePoint).
func (t TimePoint) IsZero() bool {
	return t.Sec == 0 && t.Nsec == 0
}

// Sub returns t-u as a signed nanosecond duration.
func (t TimePoint) Sub(u TimePoint) int64 {
	return (t.Sec-u.Sec)*1e9 + (t.Nsec - u.Nsec)
}

func (t TimePoint) putBytes(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], uint64(t.Sec))
	binary.BigEndian.PutUint64(b[8:16], uint64(t.Nsec))
}

func timePointFromBytes(b []byte) TimePoint {
	return TimePoint{
		Sec:  int64(binary.BigEndian.Uint64(b[0:8])),
		Nsec: int64(binary.BigEndian.Uint64(b[8:16])),
	}
}

// PacketKind is the single-byte discriminator of a UDP payload.
type PacketKind byte

const (
	KindPing       PacketKind = 'i'
	KindPong       PacketKind = 'o'
	KindTimeReport PacketKind = 't'
	KindHello      PacketKind = 'h'
)

func (k PacketKind) Valid() bool {
	switch k {
	case KindPing, KindPong, KindTimeReport, KindHello:
		return true
	default:
		return false
	}
}

func (k PacketKind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindTimeReport:
		return "time-report"
	case KindHello:
		return "hello"
	default:
		return "unknown"
	}
}

// AddressKey is a fixed-size IPv6 address, with IPv4 addresses stored
// v4-mapped. Port is tracked separately by callers (sessions, sidechannel
// workers) since a single address may host multiple sessions.
type AddressKey [16]byte

// AddressKeyFromIP converts a net.IP (v4 or v6) into its fixed-size key.
func AddressKeyFromIP(ip net.IP) AddressKey {
	var k AddressKey
	copy(k[:], ip.To16())
	return k
}

// IP converts the key back into a net.IP.
func (k AddressKey) IP() net.IP {
	ip := make(net.IP, 16)
	copy(ip, k[:])
	return ip
}
