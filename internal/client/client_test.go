package client

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/hqnet/reliagram/internal/wire"
	"github.com/hqnet/reliagram/lalog"
)

func fakeServer(t *testing.T, handle func(conn *net.UDPConn, from *net.UDPAddr, frame wire.Frame)) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			frame, decErr := wire.Decode(buf[:n])
			if decErr != nil {
				continue
			}
			handle(conn, from, frame)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func newTestClient(t *testing.T, addr *net.UDPAddr, timeout time.Duration) *Client {
	t.Helper()
	c, err := New(addr.IP.String(), addr.Port, timeout, &lalog.Logger{}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSendLineHappyPath(t *testing.T) {
	addr := fakeServer(t, func(conn *net.UDPConn, from *net.UDPAddr, frame wire.Frame) {
		if frame.Kind == wire.KindData {
			conn.WriteToUDP(wire.NewAck(frame.Seq).Encode(), from)
		}
	})
	c := newTestClient(t, addr, 200*time.Millisecond)

	latency, err := c.SendLine("hello")
	if err != nil {
		t.Fatal(err)
	}
	if latency < 0 {
		t.Fatalf("unexpected negative latency %v", latency)
	}
	if c.nextSeq != 2 {
		t.Fatalf("expected nextSeq 2, got %d", c.nextSeq)
	}
}

func TestSendLineRetransmitsThenSucceeds(t *testing.T) {
	var attempts int
	addr := fakeServer(t, func(conn *net.UDPConn, from *net.UDPAddr, frame wire.Frame) {
		if frame.Kind != wire.KindData {
			return
		}
		attempts++
		if attempts < 2 {
			return // drop the first attempt
		}
		conn.WriteToUDP(wire.NewAck(frame.Seq).Encode(), from)
	})
	c := newTestClient(t, addr, 100*time.Millisecond)

	if _, err := c.SendLine("x"); err != nil {
		t.Fatal(err)
	}
	if attempts < 2 {
		t.Fatalf("expected at least 2 attempts, got %d", attempts)
	}
}

func TestSendLineExhaustsRetriesAndAdvances(t *testing.T) {
	addr := fakeServer(t, func(conn *net.UDPConn, from *net.UDPAddr, frame wire.Frame) {
		// Never reply.
	})
	c := newTestClient(t, addr, 20*time.Millisecond)
	c.maxRetries = 2

	_, err := c.SendLine("never acked")
	if err != ErrFailed {
		t.Fatalf("expected ErrFailed, got %v", err)
	}
	if c.nextSeq != 2 {
		t.Fatalf("expected nextSeq to advance despite failure, got %d", c.nextSeq)
	}
}

func TestSendLineIgnoresStaleAck(t *testing.T) {
	addr := fakeServer(t, func(conn *net.UDPConn, from *net.UDPAddr, frame wire.Frame) {
		if frame.Kind == wire.KindData {
			// Reply with a stale ack first, then the real one.
			conn.WriteToUDP(wire.NewAck(999).Encode(), from)
			conn.WriteToUDP(wire.NewAck(frame.Seq).Encode(), from)
		}
	})
	c := newTestClient(t, addr, 200*time.Millisecond)

	if _, err := c.SendLine("hi"); err != nil {
		t.Fatal(err)
	}
}

func TestRunExitSendsTerminate(t *testing.T) {
	terminateReceived := make(chan struct{}, 1)
	addr := fakeServer(t, func(conn *net.UDPConn, from *net.UDPAddr, frame wire.Frame) {
		if frame.Kind == wire.KindTerminate {
			terminateReceived <- struct{}{}
		}
	})
	c := newTestClient(t, addr, 100*time.Millisecond)

	var out bytes.Buffer
	if err := c.Run(strings.NewReader("exit\n"), &out); err != nil {
		t.Fatal(err)
	}
	select {
	case <-terminateReceived:
	case <-time.After(time.Second):
		t.Fatal("expected TERMINATE datagram")
	}
}
