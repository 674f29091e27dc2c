// Package lrcp implements the Line Reversal Control Protocol: a reliable,
// session-oriented byte stream carried over an unreliable datagram
// transport, plus the line-reversal application built on top of it.
package lrcp

import (
	"errors"
	"fmt"
	"strconv"
)

// Wire layouts:
//
//	/connect/SESSION/
//	/data/SESSION/POS/DATA/
//	/ack/SESSION/LENGTH/
//	/close/SESSION/

// MaxMessageSize is the largest message this side encodes and sends.
// ParseMessage accepts inbound datagrams of up to MaxMessageSize+1 (1000)
// bytes.
const MaxMessageSize = 999

// MaxInt is the largest value any numeric field (SESSION, POS, LENGTH) may hold.
// "Numeric field values must be smaller than 2147483648."
const MaxInt = 1<<31 - 1

// Kind identifies one of the four LRCP message types.
type Kind string

const (
	KindConnect Kind = "connect"
	KindData    Kind = "data"
	KindAck     Kind = "ack"
	KindClose   Kind = "close"
)

// Msg is a decoded (or, with PackData/Encode, not-yet-encoded) LRCP message.
// Not every field is meaningful for every Kind; see the wire layouts above.
type Msg struct {
	Kind    Kind
	Session int

	Pos  int    // data only
	Data []byte // data only; unescaped application bytes

	Length int // ack only
}

// Validate checks that a Msg's numeric fields fit the protocol's range
// constraints. It does not check that data fits in a single datagram;
// that's PackData's job, since PackData is the one deciding how much to send.
func (m *Msg) Validate() error {
	if m.Session < 0 || m.Session > MaxInt {
		return fmt.Errorf("session %d out of range [0, %d]", m.Session, MaxInt)
	}
	switch m.Kind {
	case KindData:
		if m.Pos < 0 || m.Pos > MaxInt {
			return fmt.Errorf("pos %d out of range [0, %d]", m.Pos, MaxInt)
		}
		if total := m.Pos + len(m.Data); total > MaxInt {
			return fmt.Errorf("pos+len(data) %d exceeds %d", total, MaxInt)
		}
	case KindAck:
		if m.Length < 0 || m.Length > MaxInt {
			return fmt.Errorf("length %d out of range [0, %d]", m.Length, MaxInt)
		}
	}
	return nil
}

// ParseMessage decodes a single datagram payload into a Msg.
// Invalid input (bad framing, bad escaping, out-of-range integers, unknown
// kind) always yields a non-nil error; the caller's only correct response
// to such an error is to silently drop the datagram.
func ParseMessage(bs []byte) (*Msg, error) {
	if len(bs) == 0 {
		return nil, errors.New("empty message")
	}
	if len(bs) > MaxMessageSize+1 { // +1: the datagram itself may be up to 1000 bytes
		return nil, fmt.Errorf("message of %d bytes exceeds limit", len(bs))
	}
	if bs[0] != '/' {
		return nil, errors.New("missing leading /")
	}

	rawKind, rest, err := splitField(bs[1:])
	if err != nil {
		return nil, fmt.Errorf("parsing kind: %w", err)
	}
	kind := Kind(rawKind)
	if kind != KindConnect && kind != KindData && kind != KindAck && kind != KindClose {
		return nil, fmt.Errorf("unknown message kind %q", rawKind)
	}

	rawSession, rest, err := splitField(rest)
	if err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	session, err := parseDecimal(rawSession)
	if err != nil {
		return nil, fmt.Errorf("parsing session value: %w", err)
	}

	msg := &Msg{Kind: kind, Session: session}

	switch kind {
	case KindConnect, KindClose:
		if len(rest) != 0 {
			return nil, fmt.Errorf("trailing bytes after session: %q", rest)
		}
		return msg, nil

	case KindAck:
		rawLength, rest, err := splitField(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing length: %w", err)
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("trailing bytes after length: %q", rest)
		}
		length, err := parseDecimal(rawLength)
		if err != nil {
			return nil, fmt.Errorf("parsing length value: %w", err)
		}
		msg.Length = length
		return msg, nil

	case KindData:
		rawPos, rest, err := splitField(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing pos: %w", err)
		}
		pos, err := parseDecimal(rawPos)
		if err != nil {
			return nil, fmt.Errorf("parsing pos value: %w", err)
		}
		rawData, rest, err := splitField(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing data: %w", err)
		}
		if len(rest) != 0 {
			return nil, fmt.Errorf("trailing bytes after data: %q", rest)
		}
		data, err := unescapeData(rawData)
		if err != nil {
			return nil, fmt.Errorf("unescaping data: %w", err)
		}
		msg.Pos = pos
		msg.Data = data
		return msg, nil
	}
	// Unreachable: kind was already validated above.
	return nil, fmt.Errorf("unknown message kind %q", kind)
}

// splitField scans bs up to the next unescaped '/', returning the bytes
// before it and the bytes after it. Every LRCP field is '/'-terminated, so
// a missing unescaped '/' is always an error.
func splitField(bs []byte) (field, rest []byte, err error) {
	for i := 0; i < len(bs); i++ {
		switch bs[i] {
		case '/':
			return bs[:i], bs[i+1:], nil
		case '\\':
			if i+1 >= len(bs) {
				return nil, nil, fmt.Errorf("trailing unescaped \\ in %q", bs)
			}
			next := bs[i+1]
			if next != '/' && next != '\\' {
				return nil, nil, fmt.Errorf("invalid escape \\%c in %q", next, bs)
			}
			i++ // skip the escaped byte; it can't be a terminator
		}
	}
	return nil, nil, fmt.Errorf("no unescaped / found in %q", bs)
}

// parseDecimal parses a SESSION/POS/LENGTH field: plain ASCII decimal
// digits only, no sign, no leading-zero padding beyond a bare "0".
func parseDecimal(bs []byte) (int, error) {
	if len(bs) == 0 {
		return 0, errors.New("empty numeric field")
	}
	if len(bs) > 1 && bs[0] == '0' {
		return 0, fmt.Errorf("leading zero in %q", bs)
	}
	for _, b := range bs {
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("non-digit byte in %q", bs)
		}
	}
	n, err := strconv.Atoi(string(bs))
	if err != nil {
		return 0, fmt.Errorf("parsing %q: %w", bs, err)
	}
	if n > MaxInt {
		return 0, fmt.Errorf("%d exceeds %d", n, MaxInt)
	}
	return n, nil
}

// unescapeData reverses the DATA field's escaping: "\\" -> "\" and "\/" -> "/".
// A backslash followed by anything else, or an unescaped '/', is an error.
func unescapeData(bs []byte) ([]byte, error) {
	if len(bs) == 0 {
		return []byte{}, nil
	}
	out := make([]byte, 0, len(bs))
	for i := 0; i < len(bs); i++ {
		b := bs[i]
		switch b {
		case '/':
			return nil, fmt.Errorf("unescaped / at position %d", i)
		case '\\':
			if i+1 >= len(bs) {
				return nil, fmt.Errorf("trailing unescaped \\ at position %d", i)
			}
			next := bs[i+1]
			if next != '/' && next != '\\' {
				return nil, fmt.Errorf("invalid escape \\%c at position %d", next, i)
			}
			out = append(out, next)
			i++
		default:
			out = append(out, b)
		}
	}
	return out, nil
}

// escapeData applies the DATA field's escaping rule: '\' -> "\\", '/' -> "\/".
func escapeData(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case '\\':
			out = append(out, '\\', '\\')
		case '/':
			out = append(out, '\\', '/')
		default:
			out = append(out, b)
		}
	}
	return out
}

// Encode writes m to buf in wire format, returning the number of bytes
// written. It errors if m.Kind is unrecognized; callers are expected to
// have built m themselves, so this should never fire in practice.
func (m *Msg) Encode(buf []byte) (int, error) {
	var s string
	switch m.Kind {
	case KindConnect:
		s = fmt.Sprintf("/connect/%d/", m.Session)
	case KindClose:
		s = fmt.Sprintf("/close/%d/", m.Session)
	case KindAck:
		s = fmt.Sprintf("/ack/%d/%d/", m.Session, m.Length)
	case KindData:
		s = fmt.Sprintf("/data/%d/%d/%s/", m.Session, m.Pos, escapeData(m.Data))
	default:
		return 0, fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return copy(buf, s), nil
}

// dataOverhead returns the number of literal framing bytes around a data
// chunk's escaped payload in "/data/SESSION/POS/DATA/": the 5 slashes plus
// "data", plus the decimal digits of SESSION and POS.
func dataOverhead(session, pos int) int {
	return len("/data////") + len(strconv.Itoa(session)) + len(strconv.Itoa(pos))
}

// PackData fills m as a data message carrying as large a prefix of payload
// as fits in MaxMessageSize once escaped and framed, returning how many
// unescaped bytes of payload were consumed. m.Session and m.Pos must
// already be set by the caller.
func PackData(m *Msg, payload []byte) int {
	m.Kind = KindData
	overhead := dataOverhead(m.Session, m.Pos)
	budget := MaxMessageSize - overhead
	if budget < 0 {
		budget = 0
	}

	n := 0
	escapedLen := 0
	for n < len(payload) {
		add := 1
		if payload[n] == '\\' || payload[n] == '/' {
			add = 2
		}
		if escapedLen+add > budget {
			break
		}
		escapedLen += add
		n++
	}
	m.Data = payload[:n]
	return n
}
