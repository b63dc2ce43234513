package engine

import (
	"context"
	"net"

	"probed/internal/timestamp"
	"probed/internal/wire"
)

// udpDatagram is one received UDP datagram handed from readUDPLoop to the
// main select loop, already timestamped. DscpObserved distinguishes a
// DSCP actually read off the wire from the zero value a userland receive
// reports because it never sees the TOS byte.
type udpDatagram struct {
	From         *net.UDPAddr
	Buf          []byte
	TS           wire.TimePoint
	Dscp         wire.Dscp
	DscpObserved bool
	Err          error
}

// readUDPLoop runs on its own goroutine, since Go has no portable way to
// add a UDP socket to the same select as channels; it funnels every
// datagram (and any read error) into events. Closing e.udpConn — done by
// the ctx-cancellation watcher below — is what unblocks a pending Read on
// shutdown.
func (e *Engine) readUDPLoop(ctx context.Context, events chan<- udpDatagram) {
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.udpConn.Close()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	for {
		buf := make([]byte, wire.PayloadLen)
		from, n, ts, dscp, dscpObserved, err := e.ts.Recv(e.udpConn, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == timestamp.ErrNoRxTimestamp {
				// Frame still delivered, just missing an OS timestamp; log
				// and fall through to dispatch it with a zero TimePoint.
				e.log.WithField("peer", from).Debug("udp frame with no rx timestamp")
			} else {
				e.log.WithError(err).Warn("udp read failed")
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
		}
		select {
		case events <- udpDatagram{From: from, Buf: buf[:n], TS: ts, Dscp: dscp, DscpObserved: dscpObserved, Err: err}:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) handleUDP(ctx context.Context, dg udpDatagram) {
	if dg.From == nil {
		return
	}
	payload, err := wire.Decode(dg.Buf)
	if err != nil {
		e.log.WithError(err).WithField("peer", dg.From).Debug("dropping malformed udp payload")
		return
	}

	switch payload.Kind {
	case wire.KindPong:
		e.handlePong(dg.From, payload, dg.TS, dg.Dscp, dg.DscpObserved)
	case wire.KindPing:
		// A peer's PING triggers a server-side echo-with-PONG so two
		// probed instances can actually measure each other.
		e.respondToPing(dg.From, payload, dg.TS)
	default:
		e.log.WithField("kind", payload.Kind).Debug("dropping udp payload of unexpected kind")
	}
}

func (e *Engine) handlePong(from *net.UDPAddr, payload wire.Payload, t4 wire.TimePoint, observedDscp wire.Dscp, dscpObserved bool) {
	addrKey := wire.AddressKeyFromIP(from.IP)
	outcome, ok := e.results.PongReceived(addrKey, payload.ProbeID, payload.Seq, t4, observedDscp, dscpObserved)
	if ok {
		e.emit(outcome)
	}
}
