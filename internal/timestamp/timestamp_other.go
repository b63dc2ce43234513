//go:build !linux

package timestamp

import (
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"probed/internal/wire"
)

// Kernel/Hardware timestamping is a Linux-specific cmsg path
// (SO_TIMESTAMPING/SCM_TIMESTAMPING). On other platforms Kernel mode
// degrades to Userland with a one-time logged warning rather than fail
// every probe. Hardware mode never degrades: it is opt-in, so probes run
// without an authoritative timestamp report ErrNoTxTimestamp /
// ErrNoRxTimestamp instead of silently carrying a userland one.
var fallbackWarnOnce sync.Once

func warnFallback(m Mode) {
	fallbackWarnOnce.Do(func() {
		logrus.WithField("component", "timestamp").
			Warnf("%s timestamping is not available on this platform, falling back to userland", m)
	})
}

func (t *Timestamper) sendKernel(conn *net.UDPConn, dest *net.UDPAddr, b []byte) (wire.TimePoint, error) {
	if t.mode == Hardware {
		return wire.TimePoint{}, ErrNoTxTimestamp
	}
	warnFallback(t.mode)
	return t.sendUserland(conn, dest, b)
}

func (t *Timestamper) recvKernel(conn *net.UDPConn, buf []byte) (*net.UDPAddr, int, wire.TimePoint, wire.Dscp, bool, error) {
	if t.mode == Hardware {
		addr, n, _, err := t.recvUserland(conn, buf)
		if err != nil {
			return nil, 0, wire.TimePoint{}, 0, false, err
		}
		return addr, n, wire.TimePoint{}, 0, false, ErrNoRxTimestamp
	}
	warnFallback(t.mode)
	return t.recvUserlandAsKernel(conn, buf)
}
