// Package frame implements the tunnel's wire grammar: one frame per text
// line, whitespace-tokenized, base64 payloads (spec.md §4.1).
//
//	CONNECT <request_id> <host> <port>
//	OK      <request_id> <stream_id>
//	SEND    <stream_id>  <seq> <base64>
//	RECV    <stream_id>  <seq> <base64>
//	CLOSE   <stream_id>
//	CLOSED  <request_id>
//	FAIL    <request_id> <reason>
package frame

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Frame is implemented by every frame variant. It exists only to let
// handlers type-switch on §9's "tagged variant" rather than re-parse text.
type Frame interface{ isFrame() }

// Connect requests a new virtual stream to host:port.
type Connect struct {
	RequestID string
	Host      string
	Port      string
}

// OK confirms a stream was established on the server peer.
type OK struct {
	RequestID string
	StreamID  string
}

// Send carries client-to-server payload bytes.
type Send struct {
	StreamID string
	Seq      uint64
	Payload  []byte
}

// Recv carries server-to-client payload bytes.
type Recv struct {
	StreamID string
	Seq      uint64
	Payload  []byte
}

// Close requests a stream be torn down.
type Close struct {
	StreamID string
}

// Closed announces that a stream has ended. Per SPEC_FULL.md §4.6/4.7 this
// implementation always carries a request_id, never a stream_id.
type Closed struct {
	RequestID string
}

// Fail announces that the server peer could not dial the requested target.
type Fail struct {
	RequestID string
	Reason    string
}

func (Connect) isFrame() {}
func (OK) isFrame()      {}
func (Send) isFrame()    {}
func (Recv) isFrame()    {}
func (Close) isFrame()   {}
func (Closed) isFrame()  {}
func (Fail) isFrame()    {}

// ErrNoWhitespace is returned by the encoders when a token contains
// whitespace that would corrupt the line grammar.
var ErrNoWhitespace = errors.New("frame token contains whitespace")

func hasWhitespace(s string) bool {
	return strings.ContainsAny(s, " \t\r\n")
}

// EncodeConnect renders a CONNECT frame.
func EncodeConnect(requestID, host, port string) (string, error) {
	for _, tok := range []string{requestID, host, port} {
		if hasWhitespace(tok) {
			return "", ErrNoWhitespace
		}
	}
	return "CONNECT " + requestID + " " + host + " " + port, nil
}

// EncodeOK renders an OK frame.
func EncodeOK(requestID, streamID string) (string, error) {
	if hasWhitespace(requestID) || hasWhitespace(streamID) {
		return "", ErrNoWhitespace
	}
	return "OK " + requestID + " " + streamID, nil
}

// EncodeSend renders a SEND frame with base64-encoded payload.
func EncodeSend(streamID string, seq uint64, payload []byte) (string, error) {
	if hasWhitespace(streamID) {
		return "", ErrNoWhitespace
	}
	return "SEND " + streamID + " " + strconv.FormatUint(seq, 10) + " " + base64.StdEncoding.EncodeToString(payload), nil
}

// EncodeRecv renders a RECV frame with base64-encoded payload.
func EncodeRecv(streamID string, seq uint64, payload []byte) (string, error) {
	if hasWhitespace(streamID) {
		return "", ErrNoWhitespace
	}
	return "RECV " + streamID + " " + strconv.FormatUint(seq, 10) + " " + base64.StdEncoding.EncodeToString(payload), nil
}

// EncodeClose renders a CLOSE frame.
func EncodeClose(streamID string) (string, error) {
	if hasWhitespace(streamID) {
		return "", ErrNoWhitespace
	}
	return "CLOSE " + streamID, nil
}

// EncodeClosed renders a CLOSED frame (request_id form, per the binding
// choice in SPEC_FULL.md §9).
func EncodeClosed(requestID string) (string, error) {
	if hasWhitespace(requestID) {
		return "", ErrNoWhitespace
	}
	return "CLOSED " + requestID, nil
}

// EncodeFail renders a FAIL frame. Whitespace in reason is replaced with
// underscores rather than rejected, since reasons are derived from Go error
// strings that commonly contain spaces.
func EncodeFail(requestID, reason string) (string, error) {
	if hasWhitespace(requestID) {
		return "", ErrNoWhitespace
	}
	reason = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			return '_'
		}
		return r
	}, reason)
	if reason == "" {
		reason = "unknown"
	}
	return "FAIL " + requestID + " " + reason, nil
}

// MaxPayload returns the largest payload size whose base64 expansion plus
// "SEND <stream_id> <seq> " (or RECV) overhead fits within frameLimit bytes,
// per spec.md §4.1.
func MaxPayload(frameLimit int, streamID string, maxSeqDigits int) int {
	overhead := len("SEND ") + len(streamID) + 1 + maxSeqDigits + 1
	available := frameLimit - overhead
	if available <= 0 {
		return 0
	}
	// base64 expands 3 bytes to 4; invert to find the largest raw size
	// whose encoding fits.
	raw := (available / 4) * 3
	return raw
}

// Parse decodes a single line into a Frame. It returns ok=false for lines
// that don't match any production; callers must drop these (forward
// compatibility with unknown verbs) rather than treat them as errors.
func Parse(line string) (f Frame, ok bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false
	}
	switch fields[0] {
	case "CONNECT":
		if len(fields) != 4 {
			return nil, false
		}
		return Connect{RequestID: fields[1], Host: fields[2], Port: fields[3]}, true
	case "OK":
		if len(fields) != 3 {
			return nil, false
		}
		return OK{RequestID: fields[1], StreamID: fields[2]}, true
	case "SEND":
		return parseSeqData(fields, func(sid string, seq uint64, data []byte) Frame {
			return Send{StreamID: sid, Seq: seq, Payload: data}
		})
	case "RECV":
		return parseSeqData(fields, func(sid string, seq uint64, data []byte) Frame {
			return Recv{StreamID: sid, Seq: seq, Payload: data}
		})
	case "CLOSE":
		if len(fields) != 2 {
			return nil, false
		}
		return Close{StreamID: fields[1]}, true
	case "CLOSED":
		if len(fields) != 2 {
			return nil, false
		}
		return Closed{RequestID: fields[1]}, true
	case "FAIL":
		if len(fields) != 3 {
			return nil, false
		}
		return Fail{RequestID: fields[1], Reason: fields[2]}, true
	default:
		return nil, false
	}
}

func parseSeqData(fields []string, build func(streamID string, seq uint64, data []byte) Frame) (Frame, bool) {
	if len(fields) != 4 {
		return nil, false
	}
	seq, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(fields[3])
	if err != nil {
		// Malformed base64: drop the frame, never tear down the stream
		// (spec.md §4.1 — chat services can mangle text edits).
		return nil, false
	}
	return build(fields[1], seq, data), true
}
