// Package wire implements the MissionLink and TelemetryStream framing
// grammars: a pipe-delimited ASCII header for ML datagrams and a 4-digit
// ASCII length prefix for TS file frames.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
)

// Flag values for the first header field.
const (
	FlagSyn    = 'S'
	FlagSynAck = 'Z'
	FlagAck    = 'A'
	FlagData   = 'D'
	FlagFin    = 'F'
)

// Operation codes for the "op" header field.
const (
	OpRegister = 'R'
	OpTask     = 'T'
	OpMetrics  = 'M'
	OpRequest  = 'Q'
	OpProgress = 'P'
	OpNone     = 'N'
)

// HeaderSize is the worst-case size in bytes of an encoded header (everything
// before the payload). Callers use it to size chunked payloads so that a
// full datagram never exceeds the configured buffer size.
const HeaderSize = 23

// ControlPayload is the sentinel payload carried by control packets (SYN,
// SYN-ACK, ACK, FIN) that have nothing else to say.
var ControlPayload = []byte{0}

// IsControlPayload reports whether b is the single-byte control sentinel.
func IsControlPayload(b []byte) bool {
	return len(b) == 1 && b[0] == 0
}

// Packet is a single decoded ML datagram.
type Packet struct {
	Flag      byte
	MissionID string // agent/rover id during the handshake, mission id afterwards
	Seq       int
	Ack       int
	Size      int
	Op        byte
	Payload   []byte
}

// ParseError is returned by Decode for any input that does not conform to
// the 7-field pipe-delimited grammar. Callers MUST drop the datagram
// silently on ParseError rather than surface it (spec: malformed packets
// never stop progress).
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("wire: malformed packet: %s", e.Reason)
}

// Encode serializes p into the pipe-delimited ASCII header followed by the
// payload verbatim. The payload is never re-escaped or re-split, so it may
// itself contain '|' bytes.
func Encode(p Packet) []byte {
	header := fmt.Sprintf("%c|%s|%d|%d|%d|%c|", p.Flag, p.MissionID, p.Seq, p.Ack, len(p.Payload), p.Op)
	out := make([]byte, 0, len(header)+len(p.Payload))
	out = append(out, header...)
	out = append(out, p.Payload...)
	return out
}

// Decode parses raw into a Packet. It requires exactly 7 top-level
// pipe-separated fields (6 pipes); anything else is a *ParseError. The
// payload is taken verbatim after the 6th pipe and is never re-parsed.
//
// A single trailing '\n' is tolerated and stripped before parsing, since
// some hand-crafted tooling around the original protocol appends one; the
// 7-field rule itself is never relaxed.
func Decode(raw []byte) (*Packet, error) {
	s := raw
	if n := len(s); n > 0 && s[n-1] == '\n' {
		s = s[:n-1]
	}

	parts := bytes.SplitN(s, []byte{'|'}, 7)
	if len(parts) != 7 {
		return nil, &ParseError{Reason: fmt.Sprintf("expected 7 fields, got %d", len(parts))}
	}

	flagField, midField, seqField, ackField, sizeField, opField, payload := parts[0], parts[1], parts[2], parts[3], parts[4], parts[5], parts[6]

	if len(flagField) != 1 {
		return nil, &ParseError{Reason: "flag field must be exactly 1 byte"}
	}
	if len(opField) != 1 {
		return nil, &ParseError{Reason: "op field must be exactly 1 byte"}
	}

	seq, err := strconv.Atoi(string(seqField))
	if err != nil {
		return nil, &ParseError{Reason: "seq field is not an integer"}
	}
	ack, err := strconv.Atoi(string(ackField))
	if err != nil {
		return nil, &ParseError{Reason: "ack field is not an integer"}
	}
	size, err := strconv.Atoi(string(sizeField))
	if err != nil {
		return nil, &ParseError{Reason: "size field is not an integer"}
	}

	return &Packet{
		Flag:      flagField[0],
		MissionID: string(midField),
		Seq:       seq,
		Ack:       ack,
		Size:      size,
		Op:        opField[0],
		Payload:   append([]byte(nil), payload...),
	}, nil
}

// TSLengthPrefixSize is the width in bytes of a TelemetryStream length
// prefix: 4 ASCII digits, zero-padded.
const TSLengthPrefixSize = 4

// EncodeTSLength renders n as a 4-digit zero-padded ASCII length prefix.
func EncodeTSLength(n int) ([]byte, error) {
	if n < 0 || n > 9999 {
		return nil, fmt.Errorf("wire: TS filename length %d out of range [0,9999]", n)
	}
	return []byte(fmt.Sprintf("%04d", n)), nil
}

// DecodeTSLength parses a 4-byte ASCII length prefix.
func DecodeTSLength(b []byte) (int, error) {
	if len(b) != TSLengthPrefixSize {
		return 0, fmt.Errorf("wire: TS length prefix must be %d bytes, got %d", TSLengthPrefixSize, len(b))
	}
	n, err := strconv.Atoi(string(b))
	if err != nil {
		return 0, fmt.Errorf("wire: TS length prefix is not numeric: %w", err)
	}
	return n, nil
}
