package proxy

import (
	"net"
	"testing"
	"time"

	"github.com/hqnet/reliagram/internal/proxyconfig"
	"github.com/hqnet/reliagram/internal/wire"
	"github.com/hqnet/reliagram/lalog"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWithin(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, bool) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, false
	}
	return buf[:n], true
}

func newTestProxy(t *testing.T, target *net.UDPAddr, cfg *proxyconfig.Config) (*Proxy, *DataApp) {
	t.Helper()
	p := New(target.IP.String(), target.Port, cfg, nil, nil, &lalog.Logger{})
	return p, NewDataApp(p)
}

func TestForwardsImmediatelyWithZeroChances(t *testing.T) {
	serverSocket := listen(t)
	proxySocket := listen(t)
	p, app := newTestProxy(t, serverSocket.LocalAddr().(*net.UDPAddr), proxyconfig.New())

	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40001}
	app.HandleUDPClient(&lalog.Logger{}, clientAddr.IP.String(), clientAddr, wire.NewData(1, "hi").Encode(), proxySocket)

	body, ok := readWithin(t, serverSocket, time.Second)
	if !ok {
		t.Fatal("expected forwarded datagram at server")
	}
	if string(body) != "1:hi" {
		t.Fatalf("got %q", body)
	}
	if p.Totals().Forwarded != 1 {
		t.Fatalf("expected forwarded count 1, got %+v", p.Totals())
	}
}

func TestDropChanceOneDropsEverything(t *testing.T) {
	serverSocket := listen(t)
	proxySocket := listen(t)
	cfg := proxyconfig.New()
	cfg.SetField("client-drop", "1.0")
	_, app := newTestProxy(t, serverSocket.LocalAddr().(*net.UDPAddr), cfg)

	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40002}
	for i := 1; i <= 5; i++ {
		app.HandleUDPClient(&lalog.Logger{}, clientAddr.IP.String(), clientAddr, wire.NewData(i, "x").Encode(), proxySocket)
	}
	if _, ok := readWithin(t, serverSocket, 100*time.Millisecond); ok {
		t.Fatal("expected no datagrams to be forwarded")
	}
}

func TestDelayReleasesAfterWindow(t *testing.T) {
	serverSocket := listen(t)
	proxySocket := listen(t)
	cfg := proxyconfig.New()
	cfg.SetField("client-delay", "1.0")
	cfg.SetField("client-delay-time", "20-20")
	p, app := newTestProxy(t, serverSocket.LocalAddr().(*net.UDPAddr), cfg)

	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40003}
	app.HandleUDPClient(&lalog.Logger{}, clientAddr.IP.String(), clientAddr, wire.NewData(1, "hi").Encode(), proxySocket)

	if _, ok := readWithin(t, serverSocket, 5*time.Millisecond); ok {
		t.Fatal("expected datagram to be delayed, not forwarded immediately")
	}

	time.Sleep(25 * time.Millisecond)
	p.releaseDue(proxyconfig.ClientToServer)

	body, ok := readWithin(t, serverSocket, time.Second)
	if !ok {
		t.Fatal("expected delayed datagram to be released")
	}
	if string(body) != "1:hi" {
		t.Fatalf("got %q", body)
	}
	if p.Totals().Delayed != 1 || p.Totals().Forwarded != 1 {
		t.Fatalf("unexpected totals %+v", p.Totals())
	}
}

func TestServerToClientDropsWhenNoClientKnown(t *testing.T) {
	serverAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9876}
	proxySocket := listen(t)
	clientSocket := listen(t)
	_, app := newTestProxy(t, serverAddr, proxyconfig.New())

	app.HandleUDPClient(&lalog.Logger{}, serverAddr.IP.String(), serverAddr, wire.NewAck(1).Encode(), proxySocket)

	if _, ok := readWithin(t, clientSocket, 50*time.Millisecond); ok {
		t.Fatal("expected no forwarding without a known client peer")
	}
}

func TestTerminateAndResendAckBypassFaultInjection(t *testing.T) {
	serverSocket := listen(t)
	proxySocket := listen(t)
	cfg := proxyconfig.New()
	cfg.SetField("client-drop", "1.0")
	_, app := newTestProxy(t, serverSocket.LocalAddr().(*net.UDPAddr), cfg)

	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 40004}
	app.HandleUDPClient(&lalog.Logger{}, clientAddr.IP.String(), clientAddr, wire.Terminate.Encode(), proxySocket)
	body, ok := readWithin(t, serverSocket, time.Second)
	if !ok || string(body) != "TERMINATE" {
		t.Fatalf("expected TERMINATE forwarded unconditionally, got %q ok=%v", body, ok)
	}

	app.HandleUDPClient(&lalog.Logger{}, clientAddr.IP.String(), clientAddr, wire.NewResendAck(3).Encode(), proxySocket)
	body, ok = readWithin(t, serverSocket, time.Second)
	if !ok || string(body) != "RESEND_ACK:3" {
		t.Fatalf("expected RESEND_ACK forwarded unconditionally, got %q ok=%v", body, ok)
	}
}

func TestControlAppGetAndSet(t *testing.T) {
	cfg := proxyconfig.New()
	app := NewControlApp(cfg)
	controlSocket := listen(t)
	clientSocket := listen(t)

	app.HandleUDPClient(&lalog.Logger{}, clientSocket.LocalAddr().String(), clientSocket.LocalAddr().(*net.UDPAddr), []byte("SET client-drop=1.0"), controlSocket)
	body, ok := readWithin(t, clientSocket, time.Second)
	if !ok {
		t.Fatal("expected a SET response")
	}
	if string(body) != "Updated client-drop from 0 to 1" {
		t.Fatalf("got %q", body)
	}

	app.HandleUDPClient(&lalog.Logger{}, clientSocket.LocalAddr().String(), clientSocket.LocalAddr().(*net.UDPAddr), []byte("GET"), controlSocket)
	body, ok = readWithin(t, clientSocket, time.Second)
	if !ok {
		t.Fatal("expected a GET response")
	}
	if string(body) == "" {
		t.Fatal("expected non-empty JSON body")
	}
}
