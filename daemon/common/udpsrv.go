package common

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hqnet/reliagram/lalog"
	"github.com/hqnet/reliagram/misc"
)

const (
	// MaxUDPPacketSize is the maximum acceptable size for a single UDP packet.
	MaxUDPPacketSize = 9038

	// ServerRateLimitIntervalSec is the interval at which client rate limit counter operates, i.e. maximum N clients per interval of X.
	ServerRateLimitIntervalSec = 1

	/*
		ServerDefaultIOTimeoutSec is the default IO timeout applied to all client conversations. The IO timeout prevents
		a potentially malfunctioning connection handler from hanging onto a UDP socket indefinitely.
	*/
	ServerDefaultIOTimeoutSec = 10 * 60
)

// UDPApp defines routines for a UDP server to read, process, and interact with UDP clients.
type UDPApp interface {
	// GetUDPStatsCollector returns the stats collector that counts and times UDP conversations.
	GetUDPStatsCollector() *misc.Stats
	// HandleUDPClient converses with a UDP client based on a received packet.
	HandleUDPClient(logger *lalog.Logger, clientIP string, client *net.UDPAddr, packet []byte, srv *net.UDPConn)
}

// UDPServer implements common routines for a UDP server that interacts with unlimited number of clients while applying a rate limit.
type UDPServer struct {
	// ListenAddr is the IP address to listen on. Use 0.0.0.0 to listen on all network interfaces.
	ListenAddr string
	// ListenPort is the port number to listen on.
	ListenPort int
	// AppName is a human readable name that identifies the server application in log entries.
	AppName string
	// App is the concrete implementation of UDP server application.
	App UDPApp
	/*
		LimitPerSec is the maximum number of actions and connections acceptable from a single IP at a time.
		Once the limit is reached, new connections from the IP will be closed right away, and existing conversations are
		terminated.
	*/
	LimitPerSec int
	/*
		Serial forces every received datagram to be handled synchronously in
		the receive loop, in receive order, instead of being dispatched to its
		own goroutine. Applications whose correctness depends on processing
		order (e.g. the Proxy's forwarding engine, which must forward
		same-direction datagrams in the order it received them) must set this;
		applications that tolerate or embrace concurrent, out-of-order
		conversations (e.g. the Server's dedup/reorder-buffer pipeline) should
		leave it false to keep one slow conversation from blocking the rest.
	*/
	Serial bool

	mutex     *sync.Mutex
	logger    *lalog.Logger
	rateLimit *misc.RateLimit
	udpServer *net.UDPConn
}

// NewUDPServer constructs a new UDP server and initialises its internal structures.
func NewUDPServer(listenAddr string, listenPort int, appName string, app UDPApp, limitPerSec int) (srv *UDPServer) {
	srv = &UDPServer{
		ListenAddr:  listenAddr,
		ListenPort:  listenPort,
		AppName:     appName,
		App:         app,
		LimitPerSec: limitPerSec,
	}
	srv.Initialise()
	return
}

// Initialise initialises the internal structures of UDP server, preparing it for processing clients.
func (srv *UDPServer) Initialise() {
	srv.mutex = new(sync.Mutex)
	srv.logger = &lalog.Logger{
		ComponentName: srv.AppName,
		ComponentID:   []lalog.LoggerIDField{{Key: "Addr", Value: srv.ListenAddr}, {Key: "UDPPort", Value: srv.ListenPort}},
	}
	srv.rateLimit = &misc.RateLimit{Logger: srv.logger, UnitSecs: 1, MaxCount: srv.LimitPerSec}
	srv.rateLimit.Initialise()
}

/*
StartAndBlock starts UDP listener to process clients and blocks until the server is told to stop.
Call this function after having initialised the UDP server.
*/
func (srv *UDPServer) StartAndBlock() error {
	defer srv.Stop()
	srv.mutex.Lock()
	if srv.udpServer != nil {
		srv.mutex.Unlock()
		return fmt.Errorf("UDPServer.StartAndBlock(%s): listener on port %d must not be started a second time", srv.AppName, srv.ListenPort)
	}
	srv.logger.Info(srv.AppName, nil, "starting UDP listener")
	var err error
	listenUDPAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(srv.ListenAddr, strconv.Itoa(srv.ListenPort)))
	if err != nil {
		return fmt.Errorf("UDPServer.StartAndBlock(%s): failed to resolve listening address %s - %v", srv.AppName, srv.ListenAddr, err)
	}
	srv.udpServer, err = net.ListenUDP("udp", listenUDPAddr)
	srv.mutex.Unlock()
	if err != nil {
		return fmt.Errorf("UDPServer.StartAndBlock(%s): failed to listen on port %d - %v", srv.AppName, srv.ListenPort, err)
	}
	packet := make([]byte, MaxUDPPacketSize)
	for {
		if misc.EmergencyLockDown {
			srv.logger.Warning(srv.AppName, misc.ErrEmergencyLockDown, "refusing to accept further clients")
			return misc.ErrEmergencyLockDown
		}
		packetLen, clientAddr, err := srv.udpServer.ReadFromUDP(packet)
		if err != nil {
			if strings.Contains(err.Error(), "closed") {
				return nil
			}
			return fmt.Errorf("UDPServer.StartAndBlock(%s): failed to read from next client - %v", srv.AppName, err)
		}
		if packetLen == 0 {
			continue
		}
		// Check client IP against rate limit
		clientIP := clientAddr.IP.String()
		if !srv.rateLimit.Add(clientIP, true) {
			continue
		}
		// Make a copy of the packet for processing because multiple packets may be processed concurrently
		packetCopy := make([]byte, packetLen)
		copy(packetCopy, packet[:packetLen])
		if srv.Serial {
			srv.handleClient(srv.udpServer, clientIP, clientAddr, packetCopy)
		} else {
			go srv.handleClient(srv.udpServer, clientIP, clientAddr, packetCopy)
		}
	}
}

// AddAndCheckRateLimit may be optionally invoked by UDP application in the middle of an ongoing conversation to check whether conversation is going on too fast.
func (srv *UDPServer) AddAndCheckRateLimit(clientIP string) bool {
	return srv.rateLimit.Add(clientIP, true)
}

// handleClient is invoked by StartAndBlock for each received datagram to interact with a client: in an independent
// goroutine by default, or inline in the receive loop when Serial is set.
func (srv *UDPServer) handleClient(udpServer *net.UDPConn, clientIP string, clientAddr *net.UDPAddr, packet []byte) {
	if udpServer == nil {
		// Server has already shut down
		return
	}
	// Put processing duration into statistics
	beginTimeNano := time.Now().UnixNano()
	defer func() {
		srv.App.GetUDPStatsCollector().Trigger(float64(time.Now().UnixNano() - beginTimeNano))
	}()
	srv.logger.Info(clientIP, nil, "conversation started")
	// Apply the default IO timeout to prevent a potentially malfunctioning connection handler from hanging
	if err := udpServer.SetWriteDeadline(time.Now().Add(ServerDefaultIOTimeoutSec * time.Second)); err != nil {
		srv.logger.Warning(clientIP, err, "failed to set default write deadline, terminating the conversation")
		return
	}
	srv.App.HandleUDPClient(srv.logger, clientIP, clientAddr, packet, udpServer)
}

// IsRunning returns true only if the server has started and has not been told to stop.
func (srv *UDPServer) IsRunning() bool {
	srv.mutex.Lock()
	defer srv.mutex.Unlock()
	return srv.udpServer != nil
}

// Stop the UDP server from accepting new clients. Ongoing conversations will continue nonetheless.
func (srv *UDPServer) Stop() {
	srv.mutex.Lock()
	defer srv.mutex.Unlock()
	if srv.udpServer != nil {
		if err := srv.udpServer.Close(); err != nil {
			srv.logger.Warning(srv.AppName, err, "failed to stop UDP server listener")
		}
		srv.udpServer = nil
	}
	srv.logger.Info(srv.AppName, nil, "UDP server has shut down successfully")
}
