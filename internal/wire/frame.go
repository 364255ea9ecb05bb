// Package wire implements the on-wire text frame grammar exchanged between
// Client, Proxy, and Server: data messages, acknowledgments, resend
// requests, and session termination.
package wire

import (
	"errors"
	"strconv"
	"strings"
)

// Kind identifies which of the four frame forms a Frame represents.
type Kind int

const (
	// KindData is a "<seq>:<payload>" data message from Client to Server.
	KindData Kind = iota
	// KindAck is an "ACK:<seq>" acknowledgment from Server to Client.
	KindAck
	// KindResendAck is a "RESEND_ACK:<seq>" request that the Server replay a cached ack.
	KindResendAck
	// KindTerminate is the "TERMINATE" session terminator.
	KindTerminate
)

const (
	ackPrefix        = "ACK:"
	resendAckPrefix  = "RESEND_ACK:"
	terminateLiteral = "TERMINATE"
)

// ErrEmptyFrame is returned by Decode when given a zero-length input.
var ErrEmptyFrame = errors.New("wire: empty frame")

// ErrMalformed is returned by Decode when the input matches none of the four frame forms.
var ErrMalformed = errors.New("wire: malformed frame")

// Frame is the decoded representation of any of the four on-wire forms.
type Frame struct {
	Kind    Kind
	Seq     int
	Payload string // only meaningful for KindData
}

// Decode parses raw bytes received from the wire into a Frame. The first
// colon only is treated as a field separator, so a data payload may itself
// contain colons.
func Decode(raw []byte) (Frame, error) {
	s := string(raw)
	if s == "" {
		return Frame{}, ErrEmptyFrame
	}
	if s == terminateLiteral {
		return Frame{Kind: KindTerminate}, nil
	}
	if rest, ok := strings.CutPrefix(s, resendAckPrefix); ok {
		seq, err := parseSeq(rest)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindResendAck, Seq: seq}, nil
	}
	if rest, ok := strings.CutPrefix(s, ackPrefix); ok {
		seq, err := parseSeq(rest)
		if err != nil {
			return Frame{}, err
		}
		return Frame{Kind: KindAck, Seq: seq}, nil
	}
	seqStr, payload, ok := strings.Cut(s, ":")
	if !ok {
		return Frame{}, ErrMalformed
	}
	seq, err := parseSeq(seqStr)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Kind: KindData, Seq: seq, Payload: payload}, nil
}

func parseSeq(s string) (int, error) {
	seq, err := strconv.Atoi(s)
	if err != nil || seq < 1 {
		return 0, ErrMalformed
	}
	return seq, nil
}

// Encode renders a Frame back into its on-wire textual form.
func (f Frame) Encode() []byte {
	switch f.Kind {
	case KindTerminate:
		return []byte(terminateLiteral)
	case KindAck:
		return []byte(ackPrefix + strconv.Itoa(f.Seq))
	case KindResendAck:
		return []byte(resendAckPrefix + strconv.Itoa(f.Seq))
	default:
		return []byte(strconv.Itoa(f.Seq) + ":" + f.Payload)
	}
}

// NewData constructs a data frame for the given sequence and payload.
func NewData(seq int, payload string) Frame {
	return Frame{Kind: KindData, Seq: seq, Payload: payload}
}

// NewAck constructs an acknowledgment frame for the given sequence.
func NewAck(seq int) Frame {
	return Frame{Kind: KindAck, Seq: seq}
}

// NewResendAck constructs a resend-ack request frame for the given sequence.
func NewResendAck(seq int) Frame {
	return Frame{Kind: KindResendAck, Seq: seq}
}

// Terminate is the singleton TERMINATE frame.
var Terminate = Frame{Kind: KindTerminate}
