package engine

import (
	"context"
	"net"

	"probed/internal/wire"
)

// acceptLoop runs on its own goroutine and funnels accepted sidechannel
// connections into the main loop. Accepting inbound sidechannel
// attachments is what makes the peer on the other end of a measurement
// actually receive TimeReports.
func (e *Engine) acceptLoop(ctx context.Context, events chan<- net.Conn) {
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.tcpLn.Close()
		case <-watchDone:
		}
	}()
	defer close(watchDone)

	for {
		conn, err := e.tcpLn.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.log.WithError(err).Warn("tcp accept failed")
			continue
		}
		select {
		case events <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// handleAccept registers an inbound sidechannel connection as the relay
// target for TimeReports about PINGs arriving from that peer's address,
// and issues the hello frame that lets the peer set got_hello on its
// sessions for this address.
func (e *Engine) handleAccept(conn net.Conn) {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}
	ip := net.ParseIP(host)
	if ip == nil {
		conn.Close()
		return
	}
	key := wire.AddressKeyFromIP(ip)

	hello := wire.SidechannelFrame{
		Addr:    key,
		Payload: wire.Payload{Kind: wire.KindHello},
	}
	b := hello.Encode()
	if _, err := conn.Write(b[:]); err != nil {
		e.log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn("sidechannel hello write failed")
		conn.Close()
		return
	}

	e.mu.Lock()
	e.peerConns[key] = append(e.peerConns[key], conn)
	e.mu.Unlock()

	e.log.WithField("peer", conn.RemoteAddr()).Info("sidechannel peer attached")
}
