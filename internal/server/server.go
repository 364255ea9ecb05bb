// Package server implements the deduplication, acknowledgment-replay, and
// in-order delivery pipeline of §4.2: a single-peer UDP endpoint built on
// top of daemon/common.UDPServer.
package server

import (
	"net"
	"sync"
	"time"

	"github.com/hqnet/reliagram/daemon/common"
	"github.com/hqnet/reliagram/internal/eventlog"
	"github.com/hqnet/reliagram/internal/metrics"
	"github.com/hqnet/reliagram/internal/wire"
	"github.com/hqnet/reliagram/lalog"
	"github.com/hqnet/reliagram/misc"
)

// DefaultCacheTimeout is CACHE_TIMEOUT from §3/§9: the window after which
// ack-cache entries expire.
const DefaultCacheTimeout = 10 * time.Second

type ackEntry struct {
	bytes     []byte
	timestamp time.Time
}

type reorderEntry struct {
	payload     string
	peer        *net.UDPAddr
	receiveTime time.Time
}

// Server holds the per-session reliability state for the single active peer
// assumed by §3/§9 ("Single-client assumption at Proxy and Server").
type Server struct {
	mutex sync.Mutex

	cacheTimeout time.Duration

	expectedSequence int
	lastAcknowledged int
	ackCache         map[int]ackEntry
	dedupSet         map[int]struct{}
	reorderBuffer    map[int]reorderEntry

	stats   *misc.Stats
	metrics *metrics.ServerMetrics
	events  *eventlog.Sink
}

// New constructs a Server with its per-session state reset to its initial values.
func New(cacheTimeout time.Duration, m *metrics.ServerMetrics, events *eventlog.Sink) *Server {
	if cacheTimeout <= 0 {
		cacheTimeout = DefaultCacheTimeout
	}
	s := &Server{
		cacheTimeout: cacheTimeout,
		stats:        misc.NewStats(),
		metrics:      m,
		events:       events,
	}
	s.reset()
	return s
}

func (s *Server) reset() {
	s.expectedSequence = 1
	s.lastAcknowledged = 0
	s.ackCache = make(map[int]ackEntry)
	s.dedupSet = make(map[int]struct{})
	s.reorderBuffer = make(map[int]reorderEntry)
}

// GetUDPStatsCollector implements daemon/common.UDPApp.
func (s *Server) GetUDPStatsCollector() *misc.Stats {
	return s.stats
}

// HandleUDPClient implements daemon/common.UDPApp; it runs the §4.2
// processing pipeline for a single received datagram.
func (s *Server) HandleUDPClient(logger *lalog.Logger, clientIP string, client *net.UDPAddr, packet []byte, conn *net.UDPConn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.expireStaleAcks()

	if len(packet) == 0 {
		return
	}
	frame, err := wire.Decode(packet)
	if err != nil {
		logger.MaybeMinorError(err)
		return
	}

	switch frame.Kind {
	case wire.KindTerminate:
		s.reset()
		s.emit(eventlog.EventTerminate, 0, 0, client, 0, "session terminated")
		return
	case wire.KindResendAck:
		if cached, ok := s.ackCache[frame.Seq]; ok {
			s.send(conn, client, cached.bytes)
			s.emit(eventlog.EventAcknowledged, frame.Seq, frame.Seq, client, 0, "resent cached ack")
		}
		return
	case wire.KindAck:
		// The Server never receives acks; ignore per the parse-error-at-Server policy.
		return
	}

	seq := frame.Seq
	s.emit(eventlog.EventReceived, seq, 0, client, 0, "")

	if cached, ok := s.ackCache[seq]; ok {
		s.send(conn, client, cached.bytes)
		s.emit(eventlog.EventDuplicate, seq, seq, client, 0, "retransmission, ack replayed")
		if s.metrics != nil {
			s.metrics.Duplicate.Inc()
		}
		return
	}
	if seq <= s.lastAcknowledged {
		// The ack-cache lookup above already handles the case where a cached
		// ack still exists; reaching here means it expired before this
		// duplicate arrived, so its ack can no longer be replayed and is
		// lost to the peer for good.
		s.emit(eventlog.EventLost, seq, 0, client, 0, "ack cache expired, cannot replay")
		if s.metrics != nil {
			s.metrics.Duplicate.Inc()
		}
		return
	}
	if seq > s.expectedSequence {
		s.reorderBuffer[seq] = reorderEntry{payload: frame.Payload, peer: client, receiveTime: time.Now()}
		s.emit(eventlog.EventOutOfOrder, seq, 0, client, 0, "buffered pending in-order delivery")
		if s.metrics != nil {
			s.metrics.OutOfOrder.Inc()
			s.metrics.ReorderBufferSize.Set(float64(len(s.reorderBuffer)))
		}
		return
	}

	s.deliver(conn, client, seq, frame.Payload)
	s.drainReorderBuffer(conn)
}

func (s *Server) deliver(conn *net.UDPConn, peer *net.UDPAddr, seq int, payload string) {
	ack := wire.NewAck(seq).Encode()
	s.send(conn, peer, ack)
	s.ackCache[seq] = ackEntry{bytes: ack, timestamp: time.Now()}
	s.dedupSet[seq] = struct{}{}
	s.lastAcknowledged = seq
	s.expectedSequence = seq + 1
	s.emit(eventlog.EventAcknowledged, seq, seq, peer, 0, "")
	if s.metrics != nil {
		s.metrics.Delivered.Inc()
		s.metrics.Acked.Inc()
	}
}

func (s *Server) drainReorderBuffer(conn *net.UDPConn) {
	for {
		entry, ok := s.reorderBuffer[s.expectedSequence]
		if !ok {
			break
		}
		delete(s.reorderBuffer, s.expectedSequence)
		s.deliver(conn, entry.peer, s.expectedSequence, entry.payload)
	}
	if s.metrics != nil {
		s.metrics.ReorderBufferSize.Set(float64(len(s.reorderBuffer)))
	}
}

func (s *Server) expireStaleAcks() {
	cutoff := time.Now().Add(-s.cacheTimeout)
	for seq, entry := range s.ackCache {
		if entry.timestamp.Before(cutoff) {
			delete(s.ackCache, seq)
		}
	}
}

func (s *Server) send(conn *net.UDPConn, peer *net.UDPAddr, payload []byte) {
	_, _ = conn.WriteToUDP(payload, peer)
}

func (s *Server) emit(event string, seq, ack int, peer *net.UDPAddr, latencyMS int64, message string) {
	if s.events == nil {
		return
	}
	rec := eventlog.Record{Event: event, Sequence: seq, Ack: ack, Message: message, LatencyMS: latencyMS}
	if peer != nil {
		rec.SrcIP = peer.IP.String()
		rec.SrcPort = peer.Port
	}
	s.events.Emit(rec)
}

// NewUDPServer wraps a Server in a daemon/common.UDPServer bound to the
// given address, per §4.2's "bind to (listen_ip, listen_port)" contract.
func NewUDPServer(listenIP string, listenPort int, limitPerSec int, app *Server) *common.UDPServer {
	return common.NewUDPServer(listenIP, listenPort, "Server", app, limitPerSec)
}
