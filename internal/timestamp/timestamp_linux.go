//go:build linux

package timestamp

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"probed/internal/wire"
)

// The SO_TIMESTAMPING sockopt is applied once per fd; each Timestamper
// may own a distinct socket, so the guard is keyed per-fd instead of
// being a single sync.Once.
var (
	enableMu    sync.Mutex
	enabledByFd = map[int]bool{}

	fallbackWarnOnce sync.Once
)

// fallbackToUserland reports whether a failed timestamping enablement may
// degrade to the userland path. Kernel mode falls back with a one-time
// warning (e.g. the sockopt is rejected inside a restricted container);
// Hardware mode never does: it is opt-in, and a silent downgrade would
// defeat its purpose.
func (t *Timestamper) fallbackToUserland(err error) bool {
	if t.mode == Hardware {
		return false
	}
	fallbackWarnOnce.Do(func() {
		logrus.WithField("component", "timestamp").WithError(err).
			Warn("kernel timestamping unavailable, falling back to userland")
	})
	return true
}

func (t *Timestamper) sockoptFlags() int {
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE |
		unix.SOF_TIMESTAMPING_OPT_CMSG |
		unix.SOF_TIMESTAMPING_OPT_TSONLY
	if t.mode == Hardware {
		flags |= unix.SOF_TIMESTAMPING_TX_HARDWARE |
			unix.SOF_TIMESTAMPING_RX_HARDWARE |
			unix.SOF_TIMESTAMPING_RAW_HARDWARE
	}
	return flags
}

func rawFd(conn *net.UDPConn) (int, error) {
	sc, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int
	err = sc.Control(func(fdPtr uintptr) {
		fd = int(fdPtr)
	})
	if err != nil {
		return 0, err
	}
	return fd, nil
}

func (t *Timestamper) enableTimestamping(fd int) error {
	enableMu.Lock()
	defer enableMu.Unlock()
	if enabledByFd[fd] {
		return nil
	}
	if t.mode == Hardware && t.iface != "" {
		if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, t.iface); err != nil {
			return err
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, t.sockoptFlags()); err != nil {
		return err
	}
	// IP_RECVTOS rides the same ancillary-data path as SCM_TIMESTAMPING, so
	// DSCP-mismatch detection piggybacks on Kernel/Hardware mode rather than
	// needing its own enablement call.
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_RECVTOS, 1); err != nil {
		return err
	}
	enabledByFd[fd] = true
	return nil
}

// parseScmTimestamping extracts the software (index 0) or hardware
// (index 2) timespec from a SCM_TIMESTAMPING control message, per
// struct scm_timestamping { systime, hwtimesys, hwtimeraw }.
func parseScmTimestamping(data []byte, hardware bool) (wire.TimePoint, bool) {
	idx := 0
	if hardware {
		idx = 2
	}
	off := idx * 16
	if len(data) < off+16 {
		return wire.TimePoint{}, false
	}
	sec := int64(binary.LittleEndian.Uint64(data[off : off+8]))
	nsec := int64(binary.LittleEndian.Uint64(data[off+8 : off+16]))
	if sec == 0 && nsec == 0 {
		return wire.TimePoint{}, false
	}
	return wire.TimePoint{Sec: sec, Nsec: nsec}, true
}

func (t *Timestamper) sendKernel(conn *net.UDPConn, dest *net.UDPAddr, b []byte) (wire.TimePoint, error) {
	fd, err := rawFd(conn)
	if err != nil || fd == 0 {
		if t.fallbackToUserland(err) {
			return t.sendUserland(conn, dest, b)
		}
		return wire.TimePoint{}, ErrNoTxTimestamp
	}
	if err := t.enableTimestamping(fd); err != nil {
		if t.fallbackToUserland(err) {
			return t.sendUserland(conn, dest, b)
		}
		return wire.TimePoint{}, ErrNoTxTimestamp
	}

	if _, err := conn.WriteToUDP(b, dest); err != nil {
		return wire.TimePoint{}, err
	}

	deadline := time.Now().Add(t.pollBudget)
	oob := make([]byte, 256)
	scratch := make([]byte, 1500)
	for time.Now().Before(deadline) {
		n, oobn, _, _, err := unix.Recvmsg(fd, scratch, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
		_ = n
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				time.Sleep(100 * time.Microsecond)
				continue
			}
			break
		}
		if ts, ok := extractCmsgTimestamp(oob[:oobn], t.mode == Hardware); ok {
			return ts, nil
		}
	}
	return wire.TimePoint{}, ErrNoTxTimestamp
}

func extractCmsgTimestamp(oob []byte, hardware bool) (wire.TimePoint, bool) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return wire.TimePoint{}, false
	}
	for _, scm := range scms {
		if scm.Header.Level == unix.SOL_SOCKET && scm.Header.Type == unix.SCM_TIMESTAMPING {
			if ts, ok := parseScmTimestamping(scm.Data, hardware); ok {
				return ts, true
			}
		}
	}
	return wire.TimePoint{}, false
}

// extractObservedDscp pulls the IP_TOS ancillary byte out of the same
// control-message block the RX timestamp came from; DSCP is the top 6 bits
// of the TOS/DS byte.
func extractObservedDscp(oob []byte) (wire.Dscp, bool) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return 0, false
	}
	for _, scm := range scms {
		if scm.Header.Level == unix.IPPROTO_IP && scm.Header.Type == unix.IP_TOS && len(scm.Data) >= 1 {
			return wire.Dscp(scm.Data[0] >> 2), true
		}
	}
	return 0, false
}

func (t *Timestamper) recvKernel(conn *net.UDPConn, buf []byte) (*net.UDPAddr, int, wire.TimePoint, wire.Dscp, bool, error) {
	fd, err := rawFd(conn)
	if err != nil || fd == 0 {
		return t.recvKernelDegraded(conn, buf, err)
	}
	if err := t.enableTimestamping(fd); err != nil {
		return t.recvKernelDegraded(conn, buf, err)
	}

	oob := make([]byte, 256)
	n, oobn, _, from, err := unix.Recvmsg(fd, buf, oob, 0)
	if err != nil {
		return nil, 0, wire.TimePoint{}, 0, false, err
	}

	udpAddr := sockaddrToUDPAddr(from)
	dscp, dscpObserved := extractObservedDscp(oob[:oobn])

	ts, ok := extractCmsgTimestamp(oob[:oobn], t.mode == Hardware)
	if !ok {
		// No kernel timestamp on this datagram: deliver with a zero
		// TimePoint; the caller logs ErrNoRxTimestamp rather than dropping.
		return udpAddr, n, wire.TimePoint{}, dscp, dscpObserved, ErrNoRxTimestamp
	}
	return udpAddr, n, ts, dscp, dscpObserved, nil
}

// recvKernelDegraded handles a receive when timestamping could not be
// enabled on the socket. Kernel mode degrades to a plain userland read;
// Hardware mode still delivers the frame, but with a zero TimePoint and
// ErrNoRxTimestamp so the upper layer classifies it instead of silently
// accepting a software timestamp.
func (t *Timestamper) recvKernelDegraded(conn *net.UDPConn, buf []byte, cause error) (*net.UDPAddr, int, wire.TimePoint, wire.Dscp, bool, error) {
	if t.fallbackToUserland(cause) {
		return t.recvUserlandAsKernel(conn, buf)
	}
	addr, n, _, err := t.recvUserland(conn, buf)
	if err != nil {
		return nil, 0, wire.TimePoint{}, 0, false, err
	}
	return addr, n, wire.TimePoint{}, 0, false, ErrNoRxTimestamp
}

func sockaddrToUDPAddr(sa unix.Sockaddr) *net.UDPAddr {
	switch addr := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(addr.Addr[:]), Port: addr.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(addr.Addr[:]), Port: addr.Port}
	default:
		return nil
	}
}
