// Package sidechannel implements the TCP side-channel worker: one
// isolated goroutine per unique destination address, maintaining a TCP
// connection and funneling received timestamp records back to the main
// loop over a channel. A goroutine+channel pair gives the same
// independent-failure property as one process per destination would,
// without needing actual process-boundary isolation.
package sidechannel

import (
	"context"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"probed/internal/wire"
)

// ReadIdleTimeout is how long a worker waits for a byte before treating
// the connection as dead and reconnecting.
const ReadIdleTimeout = 60 * time.Second

// ReconnectDelay is how long a worker sleeps after a connect or I/O
// error before retrying.
const ReconnectDelay = 1 * time.Second

// Event is one message a worker emits to the main loop: either a hello
// (the peer issues a hello frame as the first record after accepting the
// connection, which unblocks PING emission for every session on this
// address) or a received TimeReport frame.
type Event struct {
	Addr  wire.AddressKey
	Hello bool
	Frame wire.SidechannelFrame
}

// ErrFramingViolation is returned (and logged) when a worker reads a
// partial record it cannot resynchronize from; the worker treats this as
// fatal to the current connection and reconnects.
type ErrFramingViolation struct{ N int }

func (e ErrFramingViolation) Error() string { return "sidechannel: framing violation" }

// Worker owns one TCP connection to dst and forwards every record it
// receives to Events. All bytes written to Events are complete records:
// a worker that cannot assemble one full SidechannelFrameLen frame dies
// and reconnects rather than emit a partial record.
type Worker struct {
	Dst    *net.TCPAddr
	Events chan<- Event

	log *logrus.Entry
}

// New builds a worker for dst, writing events to events.
func New(dst *net.TCPAddr, events chan<- Event) *Worker {
	return &Worker{
		Dst:    dst,
		Events: events,
		log:    logrus.WithField("component", "sidechannel").WithField("dst", dst.String()),
	}
}

// Run maintains the connection until ctx is canceled. On parent
// termination (ctx.Done()) the worker exits; the parent is responsible
// for not leaking unattached children, satisfied here because Run never
// outlives its ctx.
func (w *Worker) Run(ctx context.Context) {
	addrKey := wire.AddressKeyFromIP(w.Dst.IP)
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := w.dial(ctx)
		if err != nil {
			w.log.WithError(err).Warn("sidechannel connect failed, retrying")
			if !sleepOrDone(ctx, ReconnectDelay) {
				return
			}
			continue
		}

		// Closing conn on ctx cancellation unblocks the otherwise-blocking
		// Read inside readLoop; the read-idle deadline alone would leave a
		// canceled worker alive for up to ReadIdleTimeout.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-watchDone:
			}
		}()

		err = w.readLoop(ctx, conn, addrKey)
		close(watchDone)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			w.log.WithError(err).Warn("sidechannel read failed, reconnecting")
		}
		if !sleepOrDone(ctx, ReconnectDelay) {
			return
		}
	}
}

func (w *Worker) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", w.Dst.String())
}

func (w *Worker) readLoop(ctx context.Context, conn net.Conn, addrKey wire.AddressKey) error {
	buf := make([]byte, wire.SidechannelFrameLen)
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(ReadIdleTimeout))
		n, err := readFull(conn, buf)
		if err != nil {
			return err
		}
		if n != wire.SidechannelFrameLen {
			return ErrFramingViolation{N: n}
		}
		frame, err := wire.DecodeSidechannelFrame(buf)
		if err != nil {
			return err
		}
		ev := Event{Addr: addrKey, Frame: frame}
		if frame.Payload.Kind == wire.KindHello {
			ev = Event{Addr: addrKey, Hello: true}
		}
		select {
		case w.Events <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}

// readFull reads exactly len(buf) bytes or returns an error; a short
// read followed by EOF/timeout is treated as a framing violation.
func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			if total > 0 && total < len(buf) {
				return total, ErrFramingViolation{N: total}
			}
			return total, err
		}
	}
	return total, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
