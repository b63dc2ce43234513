package engine

import (
	"probed/internal/sidechannel"
)

// handleSidechannelEvent dispatches one event from the sidechannel
// manager's fan-in channel: a Hello unblocks PING emission for every
// session sharing that destination, and a Frame carries the peer's
// authoritative T2/T3 for one probe into the ResultTable.
func (e *Engine) handleSidechannelEvent(ev sidechannel.Event) {
	if ev.Hello {
		e.sessions.MarkHelloReceived(ev.Addr)
		return
	}

	p := ev.Frame.Payload
	outcome, ok := e.results.TimeReport(ev.Addr, p.ProbeID, p.Seq, p.T2, p.T3)
	if ok {
		e.emit(outcome)
	}
}
