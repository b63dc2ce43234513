// Package probe implements the open-probe registry: it joins the UDP
// PING/PONG events and the TCP sidechannel's TimeReport events into a
// single ProbeResult per (address, probe id, sequence number), and
// classifies each into a terminal outcome once it is complete or stale.
package probe

import (
	"time"

	"probed/internal/wire"
)

// StatusMask is a bitset of which events a ProbeResult has observed.
type StatusMask uint8

const (
	GotPing StatusMask = 1 << iota
	GotPong
	GotTimeReport
	DscpMismatch
)

func (m StatusMask) has(bit StatusMask) bool { return m&bit != 0 }

// FinalState is the terminal classification of a ProbeResult. Pending is
// the only non-terminal value; every other value is assigned exactly
// once, immediately before the entry is removed from the ResultTable.
type FinalState int

const (
	Pending FinalState = iota
	Ok
	DscpError
	TimestampError
	PongLoss
	Timeout
	Duplicate
)

func (s FinalState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ok:
		return "ok"
	case DscpError:
		return "dscp_error"
	case TimestampError:
		return "timestamp_error"
	case PongLoss:
		return "pong_loss"
	case Timeout:
		return "timeout"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// ProbeResult is the central entity of the measurement engine: one
// outstanding (or just-completed) four-point timestamp join for a single
// probe transmission.
type ProbeResult struct {
	Created time.Time
	Addr    wire.AddressKey
	Port    int
	ProbeID wire.ProbeId
	Seq     wire.SequenceNumber

	// TS holds T1..T4: local send egress, peer receive ingress, peer send
	// egress, local receive ingress. T1 is set on creation and never
	// mutated; T4 is set at most once on PONG receipt; T2/T3 are set at
	// most once, together, on TimeReport receipt.
	TS [4]wire.TimePoint

	Status     StatusMask
	FinalState FinalState

	// ObservedDscp and ConfiguredDscp are recorded so the classifier can
	// explain a DscpError after the fact (used by the Reporter).
	ObservedDscp   wire.Dscp
	ConfiguredDscp wire.Dscp
}

// RTT returns (T4-T1) - (T3-T2) in nanoseconds. It is only meaningful
// once FinalState == Ok; callers should not call it otherwise.
func (r *ProbeResult) RTT() int64 {
	return r.TS[3].Sub(r.TS[0]) - (r.TS[2].Sub(r.TS[1]))
}

// allTimestampsSet reports whether T1..T4 are all populated with
// non-sentinel, non-zero values.
func (r *ProbeResult) allTimestampsSet() bool {
	for _, ts := range r.TS {
		if !ts.IsSet() || ts.IsZero() {
			return false
		}
	}
	return true
}
