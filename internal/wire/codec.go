package wire

import (
	"encoding/binary"
	"fmt"
)

// PayloadLen is the fixed UDP payload size: 1 (kind) + 4 (seq) + 4 (probe_id)
// + 16 (t2) + 16 (t3) + 7 (reserved) = 48 bytes.
const PayloadLen = 48

const (
	offKind     = 0
	offSeq      = 1
	offProbeID  = 5
	offT2       = 9
	offT3       = 25
	offReserved = 41
	reservedLen = 7
)

// Payload is the decoded form of a UDP probe packet. Ping/Pong carry no
// timestamps in the body: T1/T4 are observed at send/receive time by the
// caller, not transmitted. Only TimeReport packets carry T2/T3.
type Payload struct {
	Kind    PacketKind
	Seq     SequenceNumber
	ProbeID ProbeId
	T2      TimePoint
	T3      TimePoint
}

// ErrBadKind is returned when an unknown kind byte is decoded.
type ErrBadKind struct{ Kind byte }

func (e ErrBadKind) Error() string { return fmt.Sprintf("wire: unknown packet kind %q", e.Kind) }

// ErrShortFrame is returned when a buffer is shorter than PayloadLen.
var ErrShortFrame = fmt.Errorf("wire: short frame (want %d bytes)", PayloadLen)

// Encode writes p into a freshly allocated PayloadLen-byte buffer.
func (p Payload) Encode() [PayloadLen]byte {
	var b [PayloadLen]byte
	b[offKind] = byte(p.Kind)
	binary.BigEndian.PutUint32(b[offSeq:offSeq+4], uint32(p.Seq))
	binary.BigEndian.PutUint32(b[offProbeID:offProbeID+4], uint32(p.ProbeID))
	if p.Kind == KindTimeReport {
		p.T2.putBytes(b[offT2 : offT2+16])
		p.T3.putBytes(b[offT3 : offT3+16])
	}
	// bytes[offReserved:] are left zero, as required on send.
	return b
}

// Decode parses a received buffer into a Payload. Unknown kinds and
// partial reads are rejected without allocation beyond the returned
// Payload value itself.
func Decode(b []byte) (Payload, error) {
	if len(b) < PayloadLen {
		return Payload{}, ErrShortFrame
	}
	kind := PacketKind(b[offKind])
	if !kind.Valid() {
		return Payload{}, ErrBadKind{Kind: b[offKind]}
	}
	p := Payload{
		Kind:    kind,
		Seq:     SequenceNumber(binary.BigEndian.Uint32(b[offSeq : offSeq+4])),
		ProbeID: ProbeId(binary.BigEndian.Uint32(b[offProbeID : offProbeID+4])),
	}
	if kind == KindTimeReport {
		p.T2 = timePointFromBytes(b[offT2 : offT2+16])
		p.T3 = timePointFromBytes(b[offT3 : offT3+16])
	}
	return p, nil
}

// SidechannelFrameLen is the fixed size of one TCP sidechannel record:
// a 16-byte address prefix, the 48-byte UDP payload, and a 16-byte
// TimePoint, with no length prefix.
const SidechannelFrameLen = 16 + PayloadLen + 16

// SidechannelFrame is one {addr, payload, timepoint} triple carried over
// the TCP sidechannel: the authoritative T2/T3 pair for a probe, reported
// by the peer that observed them.
type SidechannelFrame struct {
	Addr    AddressKey
	Payload Payload
	TS      TimePoint
}

// Encode serializes f into a fixed-size frame buffer.
func (f SidechannelFrame) Encode() [SidechannelFrameLen]byte {
	var b [SidechannelFrameLen]byte
	copy(b[0:16], f.Addr[:])
	payload := f.Payload.Encode()
	copy(b[16:16+PayloadLen], payload[:])
	f.TS.putBytes(b[16+PayloadLen : 16+PayloadLen+16])
	return b
}

// DecodeSidechannelFrame parses a fixed-size frame buffer. Partial reads
// are a framing violation and must be treated as fatal by the caller
// (the sidechannel worker dies rather than attempt resynchronization).
func DecodeSidechannelFrame(b []byte) (SidechannelFrame, error) {
	if len(b) < SidechannelFrameLen {
		return SidechannelFrame{}, ErrShortFrame
	}
	var f SidechannelFrame
	copy(f.Addr[:], b[0:16])
	payload, err := Decode(b[16 : 16+PayloadLen])
	if err != nil {
		return SidechannelFrame{}, err
	}
	f.Payload = payload
	f.TS = timePointFromBytes(b[16+PayloadLen : 16+PayloadLen+16])
	return f, nil
}
