// Copyright 2016 by Thorsten von Eicken, see LICENSE file

package pert

import (
	"fmt"
	"math/rand"
)

// Kind is the type of a test message, it is sent as the first byte of every frame.
type Kind byte

// Message kinds, the values are the tag bytes used on the air.
const (
	ThroughputRequest  Kind = 'a' // requester -> responder: start a throughput burst
	ThroughputResponse Kind = 'b' // responder -> requester: one packet of the burst
	SignalRequest      Kind = 'c' // requester -> responder: one packet of a signal burst
	SignalResponse     Kind = 'd' // responder -> requester: summary of a signal burst
)

func (k Kind) String() string {
	switch k {
	case ThroughputRequest:
		return "ThroughputRequest"
	case ThroughputResponse:
		return "ThroughputResponse"
	case SignalRequest:
		return "SignalRequest"
	case SignalResponse:
		return "SignalResponse"
	}
	return fmt.Sprintf("Kind(%#x)", byte(k))
}

// TokenSize is the number of bytes of a session token.
const TokenSize = 5

// Token identifies one test run. It is copied verbatim between request and responses.
type Token [TokenSize]byte

// NewToken returns a token of four random decimal digits followed by a '0'.
func NewToken(rng *rand.Rand) Token {
	var t Token
	copy(t[:], fmt.Sprintf("%04d0", rng.Intn(10000)))
	return t
}

func (t Token) String() string { return string(t[:]) }

// MaxCount is the largest counter value that fits the 4-digit counter fields.
const MaxCount = 9999

const (
	counterSize = 4
	headerSize  = 1 + TokenSize
)

// Message is a decoded test message.
//
// Index is the 0-based position of a packet within a burst (ThroughputResponse, SignalRequest).
// Count is the agreed packet total for requests and throughput responses, and the number of
// requests the responder received for a SignalResponse.
type Message struct {
	Kind  Kind
	Token Token
	Index uint16
	Count uint16
}

// frameSize returns the encoded length for a kind and whether it carries an index field.
func frameSize(k Kind) (size int, indexed bool, ok bool) {
	switch k {
	case ThroughputRequest, SignalResponse:
		return headerSize + counterSize, false, true
	case ThroughputResponse, SignalRequest:
		return headerSize + 2*counterSize, true, true
	}
	return 0, false, false
}

// validate checks the counters of m against the rules for its kind.
func (m *Message) validate() error {
	_, indexed, ok := frameSize(m.Kind)
	if !ok {
		return fmt.Errorf("unknown kind %#x", byte(m.Kind))
	}
	if m.Count > MaxCount {
		return fmt.Errorf("count %d exceeds %d", m.Count, MaxCount)
	}
	if m.Kind == SignalResponse {
		return nil
	}
	if m.Count == 0 {
		return fmt.Errorf("%s with zero count", m.Kind)
	}
	if indexed && m.Index >= m.Count {
		return fmt.Errorf("%s index %d not below count %d", m.Kind, m.Index, m.Count)
	}
	if !indexed && m.Index != 0 {
		return fmt.Errorf("%s carries no index", m.Kind)
	}
	return nil
}

// Encode produces the fixed-layout frame for a message: a kind byte, the token, and one or two
// 4-digit decimal counters.
//
//	ThroughputRequest  'a' token count
//	ThroughputResponse 'b' token index count
//	SignalRequest      'c' token index count
//	SignalResponse     'd' token count
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("pert encode: %s", err)
	}
	size, indexed, _ := frameSize(m.Kind)
	buf := make([]byte, headerSize, size)
	buf[0] = byte(m.Kind)
	copy(buf[1:], m.Token[:])
	if indexed {
		buf = append(buf, fmt.Sprintf("%04d", m.Index)...)
	}
	buf = append(buf, fmt.Sprintf("%04d", m.Count)...)
	return buf, nil
}

// Decode parses a frame produced by Encode. Every failure wraps ErrMalformed. Bytes past the
// fixed length of the kind are ignored.
func Decode(buf []byte) (Message, error) {
	var m Message
	if len(buf) == 0 {
		return m, fmt.Errorf("%w: empty frame", ErrMalformed)
	}
	m.Kind = Kind(buf[0])
	size, indexed, ok := frameSize(m.Kind)
	if !ok {
		return m, fmt.Errorf("%w: unknown kind %#x", ErrMalformed, buf[0])
	}
	if len(buf) < size {
		return m, fmt.Errorf("%w: %s too short: %d bytes", ErrMalformed, m.Kind, len(buf))
	}
	copy(m.Token[:], buf[1:headerSize])

	p := buf[headerSize:]
	var err error
	if indexed {
		if m.Index, err = digits(p[:counterSize]); err != nil {
			return m, fmt.Errorf("%w: %s index: %s", ErrMalformed, m.Kind, err)
		}
		p = p[counterSize:]
	}
	if m.Count, err = digits(p[:counterSize]); err != nil {
		return m, fmt.Errorf("%w: %s count: %s", ErrMalformed, m.Kind, err)
	}
	if err := m.validate(); err != nil {
		return m, fmt.Errorf("%w: %s", ErrMalformed, err)
	}
	return m, nil
}

// digits parses a fixed-width field of decimal digits.
func digits(p []byte) (uint16, error) {
	v := uint16(0)
	for _, c := range p {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("bad digit %q", c)
		}
		v = v*10 + uint16(c-'0')
	}
	return v, nil
}
