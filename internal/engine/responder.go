// Responding to a peer's PING with a PONG, and relaying the authoritative
// T2/T3 pair back over an accepted sidechannel connection, is separate
// from the measurement components proper: a measurement peer needs an
// echo responder to be useful end to end, but the responder's own
// bookkeeping is small enough not to warrant its own package.

package engine

import (
	"net"

	"probed/internal/wire"
)

func (e *Engine) respondToPing(from *net.UDPAddr, ping wire.Payload, t2 wire.TimePoint) {
	pong := wire.Payload{Kind: wire.KindPong, Seq: ping.Seq, ProbeID: ping.ProbeID}
	b := pong.Encode()

	t3, err := e.ts.Send(e.udpConn, from, b[:])
	if err != nil {
		e.log.WithError(err).WithField("peer", from).Warn("pong send failed")
		return
	}

	e.relayTimeReport(from, ping, t2, t3)
}

// relayTimeReport writes the authoritative T2/T3 pair to every sidechannel
// connection accepted from from's address. A peer that has not yet
// attached its sidechannel worker simply misses this report; its own
// ResultTable will classify the probe as TimestampError once the timeout
// fires with GotPong set but no GotTimeReport.
func (e *Engine) relayTimeReport(from *net.UDPAddr, ping wire.Payload, t2, t3 wire.TimePoint) {
	key := wire.AddressKeyFromIP(from.IP)

	e.mu.Lock()
	conns := append([]net.Conn(nil), e.peerConns[key]...)
	e.mu.Unlock()

	if len(conns) == 0 {
		return
	}

	report := wire.Payload{Kind: wire.KindTimeReport, Seq: ping.Seq, ProbeID: ping.ProbeID, T2: t2, T3: t3}
	frame := wire.SidechannelFrame{
		Addr:    wire.AddressKeyFromIP(e.udpConn.LocalAddr().(*net.UDPAddr).IP),
		Payload: report,
		TS:      t3,
	}
	b := frame.Encode()

	var dead []net.Conn
	for _, c := range conns {
		if _, err := c.Write(b[:]); err != nil {
			e.log.WithError(err).WithField("peer", from).Warn("sidechannel relay write failed")
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		e.dropDeadConns(key, dead)
	}
}

func (e *Engine) dropDeadConns(key wire.AddressKey, dead []net.Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := e.peerConns[key][:0]
	for _, c := range e.peerConns[key] {
		keep := true
		for _, d := range dead {
			if c == d {
				keep = false
				break
			}
		}
		if keep {
			live = append(live, c)
		} else {
			c.Close()
		}
	}
	e.peerConns[key] = live
}
