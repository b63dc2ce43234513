// Package engine implements the measurement main loop: a single
// cooperative loop that multiplexes the UDP socket, the TCP accept
// socket, and the sidechannel worker pipe, dispatching events to the
// session table and the ResultTable. Go has no portable multi-fd select
// primitive, so the UDP read path and the TCP accept path each run on
// their own goroutine funneling into channels that the main loop
// selects over, rather than one literal single-thread multiplex.
package engine

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"probed/internal/metrics"
	"probed/internal/probe"
	"probed/internal/report"
	"probed/internal/session"
	"probed/internal/sidechannel"
	"probed/internal/timestamp"
	"probed/internal/wire"
)

// USleep is the default main-loop tick granularity: how often sessions
// get an emit_next opportunity and the ResultTable is ticked for
// timeouts, independent of any socket activity.
const USleep = time.Millisecond

// Config configures one Engine instance.
type Config struct {
	Port          int
	TimestampMode timestamp.Mode
	Iface         string
	ProbeTimeout  time.Duration
	Tick          time.Duration
	Clock         clockwork.Clock
}

func (c *Config) setDefaults() {
	if c.Port == 0 {
		c.Port = 60666
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = probe.DefaultTimeout
	}
	if c.Tick == 0 {
		c.Tick = USleep
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Engine owns every piece of core mutable state — the result table, the
// session table, socket handles, and aggregate counters — as fields of
// one value passed around by reference rather than package-level
// globals.
type Engine struct {
	cfg Config
	log *logrus.Entry

	udpConn *net.UDPConn
	ts      *timestamp.Timestamper

	sessions    *session.Table
	results     *probe.Table
	sidechannel *sidechannel.Manager
	reporter    report.Sink

	tcpLn net.Listener

	mu        sync.Mutex
	peerConns map[wire.AddressKey][]net.Conn // accepted inbound sidechannel conns, server-side relay target
}

// New builds an Engine bound to cfg.Port for both UDP and TCP. The UDP
// socket uses the "udp" network with an unspecified IP, which gives a
// dual-stack IPv6 socket accepting IPv4-mapped addresses on Linux.
func New(cfg Config, reporter report.Sink) (*Engine, error) {
	cfg.setDefaults()

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, err
	}

	tcpLn, err := net.Listen("tcp", (&net.TCPAddr{Port: cfg.Port}).String())
	if err != nil {
		udpConn.Close()
		return nil, err
	}

	e := &Engine{
		cfg:         cfg,
		log:         logrus.WithField("component", "engine"),
		udpConn:     udpConn,
		ts:          timestamp.New(cfg.TimestampMode, cfg.Iface),
		sessions:    session.NewTable(),
		results:     probe.NewTable(cfg.ProbeTimeout),
		sidechannel: sidechannel.NewManager(cfg.Port),
		reporter:    reporter,
		tcpLn:       tcpLn,
		peerConns:   make(map[wire.AddressKey][]net.Conn),
	}
	e.results.ConfiguredDscp = e.sessions.ConfiguredDscp
	return e, nil
}

// AddSession registers a new measurement session and ensures its
// destination has a sidechannel worker.
func (e *Engine) AddSession(ctx context.Context, id wire.ProbeId, dst *net.UDPAddr, interval time.Duration, dscp wire.Dscp) {
	e.sessions.Add(id, dst, interval, dscp)
	e.sidechannel.Ensure(ctx, dst)
}

// RemoveSession drops a session. Its destination's sidechannel worker is
// not stopped, even when no other session targets that address; workers
// are only stopped by Reload and Close.
func (e *Engine) RemoveSession(id wire.ProbeId) {
	e.sessions.Remove(id)
}

// Reload atomically replaces every session with sessions, all at once:
// every worker is stopped, the event pipe drained, the session and
// result tables cleared, and the whole set rebuilt. Surviving
// destinations get fresh workers, whose reconnect is what re-delivers
// the hello each rebuilt session's got_hello gate waits on.
func (e *Engine) Reload(ctx context.Context, sessions []SessionSpec) {
	e.sidechannel.StopAll()
	e.sidechannel.Drain()
	e.sessions.Clear()
	e.results.Clear()
	for _, s := range sessions {
		e.sessions.Add(s.ID, s.Dst, s.Interval, s.Dscp)
	}
	for _, dst := range e.sessions.DestinationAddrs() {
		e.sidechannel.Ensure(ctx, dst)
	}
}

// SessionSpec is one config-file/CLI session entry, used by Reload and
// by internal/config to hand the engine a parsed session list.
type SessionSpec struct {
	ID       wire.ProbeId
	Dst      *net.UDPAddr
	Interval time.Duration
	Dscp     wire.Dscp
}

// Close releases the engine's sockets.
func (e *Engine) Close() error {
	e.sidechannel.StopAll()
	e.tcpLn.Close()
	return e.udpConn.Close()
}

// Run drives the main loop until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	udpEvents := make(chan udpDatagram, 256)
	go e.readUDPLoop(ctx, udpEvents)

	acceptEvents := make(chan net.Conn, 16)
	go e.acceptLoop(ctx, acceptEvents)

	ticker := e.cfg.Clock.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case dg := <-udpEvents:
			e.handleUDP(ctx, dg)

		case conn := <-acceptEvents:
			e.handleAccept(conn)

		case ev := <-e.sidechannel.Events():
			e.handleSidechannelEvent(ev)

		case <-ticker.Chan():
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := e.cfg.Clock.Now()
	for _, s := range e.sessions.All() {
		if !s.Due(now) {
			continue
		}
		e.sendPing(ctx, s, now)
	}
	for _, outcome := range e.results.Tick(now) {
		e.emit(outcome)
	}
}

func (e *Engine) sendPing(ctx context.Context, s *session.Session, now time.Time) {
	seq := s.EmitNext(now)
	payload := wire.Payload{Kind: wire.KindPing, Seq: seq, ProbeID: s.ID}
	b := payload.Encode()

	if err := e.ts.SetDscp(e.udpConn, s.Dscp); err != nil {
		e.log.WithError(err).Warn("failed to set dscp before send")
	}

	t1, err := e.ts.Send(e.udpConn, s.Dst, b[:])
	if err != nil {
		e.log.WithError(err).WithField("session", s.ID).Warn("ping send failed, probe not registered")
		metrics.SendErrors.Inc()
		return
	}

	addrKey := wire.AddressKeyFromIP(s.Dst.IP)
	e.results.Sent(now, addrKey, s.Dst.Port, s.ID, seq, t1)
	metrics.ProbesSent.Inc()
}

func (e *Engine) emit(outcome probe.Outcome) {
	metrics.Observe(outcome.Result.FinalState)
	if outcome.Result.FinalState == probe.Ok {
		metrics.ObserveRTT(outcome.Result.RTT())
	}
	e.reporter.Emit(outcome)
}
