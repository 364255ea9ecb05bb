// Package proxy implements the fault-injection forwarding engine (§4.3),
// the delayed-release scheduler (§4.4), and the control interface (§4.5),
// all built on top of daemon/common.UDPServer.
package proxy

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hqnet/reliagram/internal/eventlog"
	"github.com/hqnet/reliagram/internal/metrics"
	"github.com/hqnet/reliagram/internal/proxyconfig"
	"github.com/hqnet/reliagram/internal/wire"
	"github.com/hqnet/reliagram/lalog"
	"github.com/hqnet/reliagram/misc"
)

// SchedulerPollInterval is the ≈10ms cadence of the delayed-release
// scheduler, per §4.4.
const SchedulerPollInterval = 10 * time.Millisecond

type delayedRecord struct {
	releaseAt time.Time
	datagram  []byte
	dest      *net.UDPAddr
}

// Proxy holds the shared state of the forwarding engine: the target Server
// address, the single known client peer, and the per-direction delayed
// queues. Config lives separately in *proxyconfig.Config so the control
// interface can mutate it concurrently.
type Proxy struct {
	target *net.UDPAddr
	config *proxyconfig.Config

	clientMutex sync.RWMutex
	clientAddr  *net.UDPAddr

	connMutex sync.Mutex
	conn      *net.UDPConn

	delayedMutex [2]sync.Mutex
	delayed      [2][]delayedRecord

	stats   *misc.Stats
	metrics *metrics.ProxyMetrics
	events  *eventlog.Sink
	logger  *lalog.Logger

	totalForwarded atomic.Int64
	totalDropped   atomic.Int64
	totalDelayed   atomic.Int64
}

// New constructs a Proxy forwarding to the given target Server address.
func New(targetIP string, targetPort int, config *proxyconfig.Config, m *metrics.ProxyMetrics, events *eventlog.Sink, logger *lalog.Logger) *Proxy {
	return &Proxy{
		target:  &net.UDPAddr{IP: net.ParseIP(targetIP), Port: targetPort},
		config:  config,
		stats:   misc.NewStats(),
		metrics: m,
		events:  events,
		logger:  logger,
	}
}

func (p *Proxy) setConn(conn *net.UDPConn) {
	p.connMutex.Lock()
	if p.conn == nil {
		p.conn = conn
	}
	p.connMutex.Unlock()
}

func (p *Proxy) getConn() *net.UDPConn {
	p.connMutex.Lock()
	defer p.connMutex.Unlock()
	return p.conn
}

// classify determines the direction of a datagram and its destination,
// per §4.3's classification rule.
func (p *Proxy) classify(from *net.UDPAddr) (dir proxyconfig.Direction, dest *net.UDPAddr) {
	if from.IP.Equal(p.target.IP) && from.Port == p.target.Port {
		p.clientMutex.RLock()
		client := p.clientAddr
		p.clientMutex.RUnlock()
		return proxyconfig.ServerToClient, client
	}
	p.clientMutex.Lock()
	p.clientAddr = from
	p.clientMutex.Unlock()
	return proxyconfig.ClientToServer, p.target
}

// DataApp implements daemon/common.UDPApp for the Proxy's primary data
// socket: receive, classify, fault-inject, forward-or-schedule.
type DataApp struct {
	proxy *Proxy
}

// NewDataApp wraps a Proxy as a daemon/common.UDPApp for the data socket.
func NewDataApp(p *Proxy) *DataApp {
	return &DataApp{proxy: p}
}

// GetUDPStatsCollector implements daemon/common.UDPApp.
func (a *DataApp) GetUDPStatsCollector() *misc.Stats {
	return a.proxy.stats
}

// HandleUDPClient implements daemon/common.UDPApp; it runs the §4.3
// per-datagram forwarding algorithm.
func (a *DataApp) HandleUDPClient(logger *lalog.Logger, clientIP string, from *net.UDPAddr, packet []byte, conn *net.UDPConn) {
	p := a.proxy
	p.setConn(conn)
	receivedAt := time.Now()

	dir, dest := p.classify(from)
	frame, _ := wire.Decode(packet) // decode errors are tolerated; forwarded transparently per §4.3 step 1

	if dest == nil {
		p.totalDropped.Add(1)
		p.emit(eventlog.EventDropped, frame.Seq, from, dest, 0, "no client peer known yet")
		return
	}

	dirLabel := metrics.DirectionLabel(dir == proxyconfig.ClientToServer)

	switch frame.Kind {
	case wire.KindTerminate:
		p.forward(conn, dest, packet, receivedAt, dirLabel)
		return
	case wire.KindResendAck:
		p.forward(conn, p.target, packet, receivedAt, dirLabel)
		return
	}

	snap := p.config.Snapshot()
	if rand.Float64() < snap.DropChance(dir) {
		p.totalDropped.Add(1)
		p.emit(eventlog.EventDropped, frame.Seq, from, dest, 0, "")
		if p.metrics != nil {
			p.metrics.Dropped.WithLabelValues(dirLabel).Inc()
		}
		return
	}
	if rand.Float64() < snap.DelayChance(dir) {
		r := snap.DelayRange(dir)
		delayMS := r.Min
		if r.Max > r.Min {
			delayMS += rand.Intn(r.Max - r.Min + 1)
		}
		p.scheduleDelayed(dir, packet, dest, time.Duration(delayMS)*time.Millisecond)
		p.totalDelayed.Add(1)
		p.emit(eventlog.EventDelayed, frame.Seq, from, dest, int64(delayMS), "")
		if p.metrics != nil {
			p.metrics.Delayed.WithLabelValues(dirLabel).Inc()
			p.metrics.PendingQueue.WithLabelValues(dirLabel).Set(float64(p.pendingCount(dir)))
		}
		return
	}

	p.forward(conn, dest, packet, receivedAt, dirLabel)
}

func (p *Proxy) forward(conn *net.UDPConn, dest *net.UDPAddr, datagram []byte, receivedAt time.Time, dirLabel string) {
	_, _ = conn.WriteToUDP(datagram, dest)
	latency := time.Since(receivedAt)
	frame, _ := wire.Decode(datagram)
	p.totalForwarded.Add(1)
	p.emit(eventlog.EventForwarded, frame.Seq, nil, dest, latency.Milliseconds(), "")
	if p.metrics != nil {
		p.metrics.Forwarded.WithLabelValues(dirLabel).Inc()
	}
}

func (p *Proxy) scheduleDelayed(dir proxyconfig.Direction, datagram []byte, dest *net.UDPAddr, delay time.Duration) {
	cp := make([]byte, len(datagram))
	copy(cp, datagram)
	p.delayedMutex[dir].Lock()
	p.delayed[dir] = append(p.delayed[dir], delayedRecord{releaseAt: time.Now().Add(delay), datagram: cp, dest: dest})
	p.delayedMutex[dir].Unlock()
}

func (p *Proxy) pendingCount(dir proxyconfig.Direction) int {
	p.delayedMutex[dir].Lock()
	defer p.delayedMutex[dir].Unlock()
	return len(p.delayed[dir])
}

// RunScheduler polls both direction queues at SchedulerPollInterval,
// releasing any record whose release time has passed, per §4.4. It blocks
// until stop is closed.
func (p *Proxy) RunScheduler(stop <-chan struct{}) {
	ticker := time.NewTicker(SchedulerPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.releaseDue(proxyconfig.ClientToServer)
			p.releaseDue(proxyconfig.ServerToClient)
		}
	}
}

func (p *Proxy) releaseDue(dir proxyconfig.Direction) {
	conn := p.getConn()
	if conn == nil {
		return
	}
	now := time.Now()
	p.delayedMutex[dir].Lock()
	remaining := p.delayed[dir][:0]
	var due []delayedRecord
	for _, rec := range p.delayed[dir] {
		if !rec.releaseAt.After(now) {
			due = append(due, rec)
		} else {
			remaining = append(remaining, rec)
		}
	}
	p.delayed[dir] = remaining
	pending := len(remaining)
	p.delayedMutex[dir].Unlock()

	dirLabel := metrics.DirectionLabel(dir == proxyconfig.ClientToServer)
	if p.metrics != nil {
		p.metrics.PendingQueue.WithLabelValues(dirLabel).Set(float64(pending))
	}
	for _, rec := range due {
		_, _ = conn.WriteToUDP(rec.datagram, rec.dest)
		frame, _ := wire.Decode(rec.datagram)
		p.totalForwarded.Add(1)
		p.emit(eventlog.EventForwardedDelay, frame.Seq, nil, rec.dest, 0, "")
	}
}

func (p *Proxy) emit(event string, seq int, from, dest *net.UDPAddr, latencyMS int64, message string) {
	if p.events == nil {
		return
	}
	rec := eventlog.Record{Event: event, Sequence: seq, Message: message, LatencyMS: latencyMS}
	if from != nil {
		rec.SrcIP = from.IP.String()
		rec.SrcPort = from.Port
	}
	if dest != nil {
		rec.DstIP = dest.IP.String()
		rec.DstPort = dest.Port
	}
	p.events.Emit(rec)
}

// Summary is the final forwarded/dropped/delayed tally logged at shutdown,
// reproducing the original source's SIGINT summary line (see DESIGN.md).
type Summary struct {
	Forwarded int64
	Dropped   int64
	Delayed   int64
}

// Totals returns the running forwarded/dropped/delayed counters for a
// shutdown summary line.
func (p *Proxy) Totals() Summary {
	return Summary{
		Forwarded: p.totalForwarded.Load(),
		Dropped:   p.totalDropped.Load(),
		Delayed:   p.totalDelayed.Load(),
	}
}
