// Package client implements the Client's stop-and-wait retransmission loop
// of §4.1: an interactive, line-driven sender with bounded retries and
// round-trip latency measurement.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/hqnet/reliagram/internal/eventlog"
	"github.com/hqnet/reliagram/internal/metrics"
	"github.com/hqnet/reliagram/internal/wire"
	"github.com/hqnet/reliagram/lalog"
)

// DefaultMaxRetries is MAX_RETRIES from §4.1/§9: the canonical retry budget.
// Overridable only by tests, per SPEC_FULL.md §9.
const DefaultMaxRetries = 5

// maxDatagramSize bounds a single read per the transport's own limit (§1 Non-goals).
const maxDatagramSize = 65507

// ErrFailed is returned by SendLine when all retry attempts for a sequence are exhausted.
var ErrFailed = errors.New("client: failed after exhausting retry budget")

// Client drives the stop-and-wait send/retry/ack state machine against a
// single Server, reached through a Proxy or directly.
type Client struct {
	conn       *net.UDPConn
	timeout    time.Duration
	maxRetries int

	nextSeq       int
	sendTimestamp map[int]time.Time

	logger  *lalog.Logger
	metrics *metrics.ClientMetrics
	events  *eventlog.Sink
}

// New dials a UDP "connection" to (serverIP, serverPort) and returns a ready
// Client. timeout is the per-attempt wait bound (strictly positive per §6).
func New(serverIP string, serverPort int, timeout time.Duration, logger *lalog.Logger, m *metrics.ClientMetrics, events *eventlog.Sink) (*Client, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(serverIP), Port: serverPort}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("client.New: failed to dial %s:%d: %v", serverIP, serverPort, err)
	}
	return &Client{
		conn:          conn,
		timeout:       timeout,
		maxRetries:    DefaultMaxRetries,
		nextSeq:       1,
		sendTimestamp: make(map[int]time.Time),
		logger:        logger,
		metrics:       m,
		events:        events,
	}, nil
}

// Close releases the underlying socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Terminate emits a best-effort TERMINATE datagram, ignoring any write error
// (used on interrupt, per §4.1/§5's cooperative-shutdown rule).
func (c *Client) Terminate() {
	_, _ = c.conn.Write(wire.Terminate.Encode())
	c.emit(eventlog.EventTerminate, 0, 0, "")
}

// SendLine delivers one line's payload with at-most-once semantics,
// implementing the §4.1 retry loop. It returns the observed round-trip
// latency on success, or ErrFailed once the retry budget is exhausted.
// A non-nil, non-ErrFailed error indicates a fatal I/O condition.
func (c *Client) SendLine(payload string) (time.Duration, error) {
	seq := c.nextSeq
	sentAt := time.Now()
	c.sendTimestamp[seq] = sentAt
	frame := wire.NewData(seq, payload)

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if _, err := c.conn.Write(frame.Encode()); err != nil {
			return 0, fmt.Errorf("client.SendLine: failed to send seq %d: %v", seq, err)
		}
		c.emit(eventlog.EventSent, seq, 0, payload)
		if c.metrics != nil {
			c.metrics.Sent.Inc()
		}

		latency, acked, fatalErr := c.awaitAck(seq, sentAt)
		if fatalErr != nil {
			return 0, fatalErr
		}
		if acked {
			delete(c.sendTimestamp, seq)
			c.nextSeq = seq + 1
			c.emit(eventlog.EventAcknowledged, seq, seq, "")
			if c.metrics != nil {
				c.metrics.Acked.Inc()
				c.metrics.LatencyMS.Observe(float64(latency.Milliseconds()))
			}
			return latency, nil
		}

		c.emit(eventlog.EventRetransmit, seq, 0, "timed out waiting for ack")
		if c.metrics != nil {
			c.metrics.Retransmitted.Inc()
		}
	}

	// Retries exhausted: advance next_seq regardless (canonical choice, §9),
	// safe because the Server's dedup cache makes a stray late retry harmless.
	c.nextSeq = seq + 1
	delete(c.sendTimestamp, seq)
	c.emit(eventlog.EventFailed, seq, 0, fmt.Sprintf("failed after %d attempts", c.maxRetries))
	if c.metrics != nil {
		c.metrics.Failed.Inc()
	}
	return 0, ErrFailed
}

// awaitAck blocks for up to the per-attempt timeout, ignoring any datagram
// that does not match seq, per §4.1 step 3.
func (c *Client) awaitAck(seq int, sentAt time.Time) (latency time.Duration, acked bool, fatalErr error) {
	deadline := time.Now().Add(c.timeout)
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return 0, false, fmt.Errorf("client.awaitAck: failed to set read deadline: %v", err)
	}
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return 0, false, nil
			}
			return 0, false, fmt.Errorf("client.awaitAck: read failed: %v", err)
		}
		frame, decErr := wire.Decode(buf[:n])
		if decErr != nil {
			continue
		}
		if frame.Kind == wire.KindAck && frame.Seq == seq {
			return time.Since(sentAt), true, nil
		}
		// Stale or unexpected frame: ignore and keep waiting within the same
		// attempt's timeout budget.
	}
}

func (c *Client) emit(event string, seq, ack int, message string) {
	if c.events == nil {
		return
	}
	c.events.Emit(eventlog.Record{Event: event, Sequence: seq, Ack: ack, Message: message})
}

// Run drives the interactive loop of §4.1: read a line, deliver it, report
// outcome, repeat until the "exit" command (case-insensitive) or the input
// source is exhausted. Results are written to out as they become available.
func (c *Client) Run(reader io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.EqualFold(strings.TrimSpace(line), "exit") {
			c.Terminate()
			return nil
		}
		latency, err := c.SendLine(line)
		switch {
		case err == nil:
			fmt.Fprintf(out, "ok seq=%d latency=%s\n", c.nextSeq-1, latency)
		case errors.Is(err, ErrFailed):
			fmt.Fprintf(out, "failed seq=%d after %d attempts\n", c.nextSeq-1, c.maxRetries)
		default:
			return err
		}
	}
	return scanner.Err()
}
