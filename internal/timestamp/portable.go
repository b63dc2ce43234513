package timestamp

import (
	"net"

	"probed/internal/wire"
)

// Send transmits b to dest and returns the egress timestamp. In Userland
// mode the timestamp is captured immediately before handing the datagram
// to the OS. In Kernel/Hardware mode the call blocks, polling the error
// queue for the authoritative timestamp within the configured budget.
func (t *Timestamper) Send(conn *net.UDPConn, dest *net.UDPAddr, b []byte) (wire.TimePoint, error) {
	switch t.mode {
	case Kernel, Hardware:
		return t.sendKernel(conn, dest, b)
	default:
		return t.sendUserland(conn, dest, b)
	}
}

// Recv reads one datagram and returns its sender, payload bytes, the
// ingress timestamp, and the observed DSCP with a flag reporting whether
// it was actually read off the wire. Absence of an OS-provided timestamp
// is logged by the caller and does not drop the frame: it is delivered
// with a zero TimePoint, which the ResultTable classifies as
// TimestampError. The DSCP is only observable in Kernel/Hardware mode
// (it rides the same ancillary-data recvmsg call as the RX timestamp);
// Userland mode reports dscpObserved=false so the upper layer skips
// mismatch detection instead of comparing against a value it never saw.
func (t *Timestamper) Recv(conn *net.UDPConn, buf []byte) (*net.UDPAddr, int, wire.TimePoint, wire.Dscp, bool, error) {
	switch t.mode {
	case Kernel, Hardware:
		return t.recvKernel(conn, buf)
	default:
		addr, n, ts, err := t.recvUserland(conn, buf)
		return addr, n, ts, 0, false, err
	}
}

func (t *Timestamper) sendUserland(conn *net.UDPConn, dest *net.UDPAddr, b []byte) (wire.TimePoint, error) {
	ts := now()
	if _, err := conn.WriteToUDP(b, dest); err != nil {
		return wire.TimePoint{}, err
	}
	return ts, nil
}

func (t *Timestamper) recvUserland(conn *net.UDPConn, buf []byte) (*net.UDPAddr, int, wire.TimePoint, error) {
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		return nil, 0, wire.TimePoint{}, err
	}
	return from, n, now(), nil
}

// recvUserlandAsKernel adapts recvUserland to recvKernel's six-value
// signature, used by the Kernel/Hardware fallback paths that degrade to
// plain userland reads (no raw fd, sockopt rejected).
func (t *Timestamper) recvUserlandAsKernel(conn *net.UDPConn, buf []byte) (*net.UDPAddr, int, wire.TimePoint, wire.Dscp, bool, error) {
	addr, n, ts, err := t.recvUserland(conn, buf)
	return addr, n, ts, 0, false, err
}
