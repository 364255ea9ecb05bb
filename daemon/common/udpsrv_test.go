package common

import (
	"fmt"
	"log"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hqnet/reliagram/lalog"
	"github.com/hqnet/reliagram/misc"
)

type UDPTestApp struct {
	stats *misc.Stats
}

func (app *UDPTestApp) GetUDPStatsCollector() *misc.Stats {
	return app.stats
}

func (app *UDPTestApp) HandleUDPClient(logger *lalog.Logger, clientIP string, client *net.UDPAddr, packet []byte, srv *net.UDPConn) {
	if clientIP == "" {
		panic("client IP must not be empty")
	}
	if !reflect.DeepEqual(packet, []byte{0}) {
		log.Panicf("unexpected incoming packet %v", packet)
	}
	if n, err := srv.WriteToUDP([]byte("hello"), client); err != nil || n != 5 {
		log.Panicf("n %d err %v", n, err)
	}
}

func TestUDPServer(t *testing.T) {
	srv := UDPServer{
		ListenAddr:  "127.0.0.1",
		ListenPort:  12382,
		AppName:     "TestUDPServer",
		App:         &UDPTestApp{stats: misc.NewStats()},
		LimitPerSec: 5,
	}
	srv.Initialise()

	// Expect server to start within three seconds
	serverStopped := make(chan struct{}, 1)
	go func() {
		if err := srv.StartAndBlock(); err != nil {
			t.Error(err)
			return
		}
		serverStopped <- struct{}{}
	}()
	time.Sleep(3 * time.Second)
	if !srv.IsRunning() {
		t.Fatal("not running")
	}

	// Connect to the server and expect a hello response
	client, err := net.Dial("udp", fmt.Sprintf("%s:%d", srv.ListenAddr, srv.ListenPort))
	if err != nil {
		t.Fatal(err)
	}
	if n, err := client.Write([]byte{0}); err != nil || n != 1 {
		t.Fatal(err, n)
	}
	buf := make([]byte, 5)
	if n, err := client.Read(buf); err != nil || n != 5 {
		t.Fatal(n, err)
	}
	if string(buf) != "hello" {
		t.Fatal(buf)
	}

	// Wait for connection to close and then check stats counter
	time.Sleep(ServerRateLimitIntervalSec * 2)
	if count := srv.App.GetUDPStatsCollector().Count(); count != 1 {
		t.Fatal(count)
	}

	// Attempt to exceed the rate limit via connection attempts
	var success int
	for i := 0; i < 10; i++ {
		client, err := net.Dial("udp", fmt.Sprintf("%s:%d", srv.ListenAddr, srv.ListenPort))
		if err != nil {
			t.Fatal(err)
		}
		if n, err := client.Write([]byte{0}); err != nil || n != 1 {
			t.Fatal(err, n)
		}
		buf := make([]byte, 5)
		_ = client.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, _ = client.Read(buf)
		if string(buf) == "hello" {
			success++
		}
		time.Sleep(50 * time.Millisecond)
	}
	if success > srv.LimitPerSec*2 || success < srv.LimitPerSec/2 {
		t.Fatal(success)
	}

	// Attempt to exceed the rate limit via conversation
	time.Sleep(ServerRateLimitIntervalSec * 2)
	success = 0
	for i := 0; i < 10; i++ {
		if srv.AddAndCheckRateLimit("test") {
			success++
		}
	}
	if success > srv.LimitPerSec*2 || success < srv.LimitPerSec/2 {
		t.Fatal(success)
	}

	// Server must shut down within three seconds
	srv.Stop()
	<-serverStopped
	if srv.IsRunning() {
		t.Fatal("must not be running anymore")
	}

	// It is OK to repeatedly shut down a server
	srv.Stop()
	srv.Stop()
	if srv.IsRunning() {
		t.Fatal("must not be running anymore")
	}
}

// orderTestApp records the order in which packets were handled, with the
// first byte of every packet deliberately slower to process than the rest -
// if packets were dispatched to independent goroutines the faster one could
// finish first.
type orderTestApp struct {
	stats *misc.Stats
	mu    sync.Mutex
	order []byte
}

func (app *orderTestApp) GetUDPStatsCollector() *misc.Stats { return app.stats }

func (app *orderTestApp) HandleUDPClient(logger *lalog.Logger, clientIP string, client *net.UDPAddr, packet []byte, srv *net.UDPConn) {
	if packet[0] == 1 {
		time.Sleep(50 * time.Millisecond)
	}
	app.mu.Lock()
	app.order = append(app.order, packet[0])
	app.mu.Unlock()
}

func TestUDPServerSerialPreservesReceiveOrder(t *testing.T) {
	app := &orderTestApp{stats: misc.NewStats()}
	srv := UDPServer{
		ListenAddr:  "127.0.0.1",
		ListenPort:  12383,
		AppName:     "TestUDPServerSerial",
		App:         app,
		LimitPerSec: 100,
		Serial:      true,
	}
	srv.Initialise()
	go srv.StartAndBlock()
	time.Sleep(200 * time.Millisecond)
	defer srv.Stop()

	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d", srv.ListenAddr, srv.ListenPort))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte{2}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(300 * time.Millisecond)

	app.mu.Lock()
	defer app.mu.Unlock()
	if len(app.order) != 2 || app.order[0] != 1 || app.order[1] != 2 {
		t.Fatalf("expected in-order processing [1 2] despite the first packet's slower handler, got %v", app.order)
	}
}
