// Package timestamp abstracts acquiring send/receive timestamps for a UDP
// datagram from userland, the kernel network stack, or NIC hardware. The
// three modes differ in syscall shape but share one semantic: the recorded
// T-stamp is the time the local NIC observed the packet. Upper layers
// (internal/engine, internal/probe) treat a Timestamper as the sole
// source of truth and never reach around it for a raw time.Now().
package timestamp

import (
	"errors"
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"probed/internal/wire"
)

// Mode selects how send/receive timestamps are acquired.
type Mode int

const (
	// Userland captures time.Now() immediately around the syscall.
	Userland Mode = iota
	// Kernel requests SO_TIMESTAMPING software timestamps from the OS.
	Kernel
	// Hardware requests NIC hardware timestamps on a named interface.
	Hardware
)

func (m Mode) String() string {
	switch m {
	case Userland:
		return "userland"
	case Kernel:
		return "kernel"
	case Hardware:
		return "hardware"
	default:
		return "unknown"
	}
}

// ParseMode parses a CLI/config mode name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "userland", "":
		return Userland, nil
	case "kernel":
		return Kernel, nil
	case "hardware":
		return Hardware, nil
	default:
		return 0, errors.New("timestamp: unknown mode " + s)
	}
}

// ErrNoTxTimestamp is returned when Kernel/Hardware mode cannot obtain an
// authoritative egress timestamp within its poll budget.
var ErrNoTxTimestamp = errors.New("timestamp: no tx timestamp available")

// ErrNoRxTimestamp is returned when the OS did not tag a received
// datagram with a kernel timestamp. The frame is still delivered by the
// caller; this error is logged, not fatal.
var ErrNoRxTimestamp = errors.New("timestamp: no rx timestamp available")

// Timestamper acquires T-stamps for datagrams sent/received on a UDP
// socket, and sets the DSCP used for subsequent sends.
type Timestamper struct {
	mode  Mode
	iface string

	// pollBudget bounds how long Kernel/Hardware mode polls the error
	// queue for a TX timestamp before giving up. Recommended 50ms.
	pollBudget time.Duration
}

// New builds a Timestamper for the given mode. iface is only consulted in
// Hardware mode, to bind the hardware timestamping request to one NIC.
func New(mode Mode, iface string) *Timestamper {
	return &Timestamper{mode: mode, iface: iface, pollBudget: 50 * time.Millisecond}
}

// Mode reports the configured mode.
func (t *Timestamper) Mode() Mode { return t.mode }

// SetDscp sets the outgoing traffic class for subsequent sends on conn.
// DSCP occupies the top 6 bits of the IP TOS/DS byte.
func (t *Timestamper) SetDscp(conn *net.UDPConn, d wire.Dscp) error {
	return ipv4.NewConn(conn).SetTOS(int(d) << 2)
}

// now returns a TimePoint for the current instant, used by the Userland
// path and as the fallback when kernel/hardware timestamps are
// unavailable.
func now() wire.TimePoint {
	n := time.Now()
	return wire.TimePoint{Sec: n.Unix(), Nsec: int64(n.Nanosecond())}
}
