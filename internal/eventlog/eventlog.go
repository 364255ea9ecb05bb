// Package eventlog implements the structured event sink that spec.md treats
// as an external collaborator (§1, §6): it gives the §6 field set a concrete
// home as structured log lines, an optional newline-delimited JSON file, and
// an in-process ring buffer for recent-event retrieval.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hqnet/reliagram/datastruct"
	"github.com/hqnet/reliagram/lalog"
)

// Record carries exactly the §6 event-log field set.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Sequence  int       `json:"sequence"`
	Ack       int       `json:"ack"`
	SrcIP     string    `json:"src_ip"`
	SrcPort   int       `json:"src_port"`
	DstIP     string    `json:"dst_ip"`
	DstPort   int       `json:"dst_port"`
	Message   string    `json:"message"`
	LatencyMS int64     `json:"latency_ms"`
}

// The §6 event names, exported so callers construct records consistently.
const (
	EventSent            = "Sent"
	EventAcknowledged    = "Acknowledged"
	EventRetransmit      = "Retransmit"
	EventFailed          = "Failed"
	EventLost            = "Lost"
	EventReceived        = "Received"
	EventOutOfOrder      = "Out-of-Order"
	EventDuplicate       = "Duplicate"
	EventTerminate       = "Terminate"
	EventForwarded       = "Forwarded"
	EventForwardedDelay  = "Forwarded Delayed"
	EventDropped         = "Dropped"
	EventDelayed         = "Delayed"
)

// Sink fans an event out to the structured logger, an optional file, and an
// in-memory ring buffer. The zero value is not usable; construct with New.
type Sink struct {
	logger *lalog.Logger
	recent *datastruct.RingBuffer

	fileMutex sync.Mutex
	file      *os.File
}

// New constructs a Sink that logs through logger and keeps the most recent
// records (bounded by the ring buffer's capacity) for retrieval via Recent.
// If path is non-empty, every event is additionally appended to it as
// newline-delimited JSON.
func New(logger *lalog.Logger, path string) (*Sink, error) {
	sink := &Sink{
		logger: logger,
		recent: datastruct.NewRingBuffer(int64(1000)),
	}
	if path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("eventlog.New: failed to open %s: %v", path, err)
		}
		sink.file = f
	}
	return sink, nil
}

// Emit records one event: logging it, appending it to the file (if
// configured), and pushing it into the recent-event ring buffer.
func (s *Sink) Emit(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	s.logger.Info(rec.Event, nil, "seq=%d ack=%d %s:%d -> %s:%d latency=%dms %s",
		rec.Sequence, rec.Ack, rec.SrcIP, rec.SrcPort, rec.DstIP, rec.DstPort, rec.LatencyMS, rec.Message)

	body, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warning(rec.Event, err, "failed to encode event record")
		return
	}
	s.recent.Push(string(body))

	if s.file != nil {
		s.fileMutex.Lock()
		if _, err := s.file.Write(append(body, '\n')); err != nil {
			s.logger.Warning(rec.Event, err, "failed to append event record to %s", s.file.Name())
		}
		s.fileMutex.Unlock()
	}
}

// Recent returns up to limit of the most recently emitted records, newest first.
func (s *Sink) Recent(limit int) []Record {
	out := make([]Record, 0, limit)
	s.recent.IterateReverse(func(line string) bool {
		if len(out) >= limit {
			return false
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err == nil {
			out = append(out, rec)
		}
		return true
	})
	return out
}

// Close releases the underlying file, if one was opened.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}
