package sidechannel

import (
	"context"
	"net"
	"testing"
	"time"

	"probed/internal/wire"
)

func helloFrame(addr net.IP) []byte {
	f := wire.SidechannelFrame{
		Addr:    wire.AddressKeyFromIP(addr),
		Payload: wire.Payload{Kind: wire.KindHello},
	}
	b := f.Encode()
	return b[:]
}

func TestWorkerEmitsHelloThenFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(helloFrame(net.ParseIP("127.0.0.1")))
		frame := wire.SidechannelFrame{
			Addr:    wire.AddressKeyFromIP(net.ParseIP("192.0.2.1")),
			Payload: wire.Payload{Kind: wire.KindTimeReport, Seq: 1, ProbeID: 1},
			TS:      wire.TimePoint{Sec: 1, Nsec: 2},
		}
		b := frame.Encode()
		conn.Write(b[:])
	}()

	events := make(chan Event, 4)
	tcpAddr := ln.Addr().(*net.TCPAddr)
	w := New(tcpAddr, events)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case ev := <-events:
		if !ev.Hello {
			t.Fatalf("expected hello event first, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hello")
	}

	select {
	case ev := <-events:
		if ev.Hello || ev.Frame.Payload.Seq != 1 {
			t.Fatalf("expected frame event with seq 1, got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}

	<-serverDone
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			conn.Write(helloFrame(net.ParseIP("127.0.0.1")))
			<-make(chan struct{}) // hold connection open until test ends
		}
	}()

	events := make(chan Event, 4)
	w := New(ln.Addr().(*net.TCPAddr), events)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	<-events // hello

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop promptly after cancel")
	}
}

func TestManagerSharesWorkerPerAddress(t *testing.T) {
	m := NewManager(60666)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dst := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 60777}
	m.Ensure(ctx, dst)
	m.Ensure(ctx, dst)

	if m.Count() != 1 {
		t.Fatalf("expected 1 worker for repeated Ensure on same addr, got %d", m.Count())
	}
}

func TestManagerStopAllAndDrain(t *testing.T) {
	m := NewManager(60666)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Ensure(ctx, &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 60666})
	m.Ensure(ctx, &net.UDPAddr{IP: net.ParseIP("203.0.113.2"), Port: 60666})
	if m.Count() != 2 {
		t.Fatalf("expected 2 workers, got %d", m.Count())
	}

	m.StopAll()
	if m.Count() != 0 {
		t.Fatalf("expected 0 workers after StopAll, got %d", m.Count())
	}

	// A stale event buffered before StopAll must not survive a Drain.
	m.events <- Event{Addr: wire.AddressKeyFromIP(net.ParseIP("203.0.113.1")), Hello: true}
	m.Drain()
	select {
	case ev := <-m.Events():
		t.Fatalf("expected drained channel, got %+v", ev)
	default:
	}
}
