package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Connection negotiation
//
// A new connection writes the 7-byte preamble, then runs a fixed 3-step
// authentication exchange before any user call may flow:
//
//	client -> NEGOTIATE
//	server -> NEGOTIATE (offered mechanisms)
//	client -> INITIATE (chosen mechanism + token)
//	server -> SUCCESS
//	client -> connection context (caller identity)
//
// The negotiation steps are carried with call id CallIDNegotiate; the
// connection context uses CallIDConnectionContext. Both sentinels are
// negative and therefore can never collide with user call ids, which
// start at 0.
// --------------------------------------------------------------------------

// Preamble is the fixed magic sequence sent once at connection start,
// before any negotiation message.
var Preamble = []byte("srpc\x09\x00\x00")

// Reserved call ids for protocol-internal messages.
const (
	CallIDNegotiate         int32 = -33
	CallIDConnectionContext int32 = -3
)

// MechanismPlain is the only authentication mechanism the client supports.
// A server that does not offer it cannot be talked to.
const MechanismPlain = "PLAIN"

// NegotiateStep identifies one message of the negotiation exchange.
type NegotiateStep uint8

const (
	StepUnknown NegotiateStep = iota
	StepNegotiate
	StepInitiate
	StepSuccess
	StepContext
)

// String returns the string representation of a NegotiateStep.
func (s NegotiateStep) String() string {
	switch s {
	case StepNegotiate:
		return "NEGOTIATE"
	case StepInitiate:
		return "INITIATE"
	case StepSuccess:
		return "SUCCESS"
	case StepContext:
		return "CONTEXT"
	default:
		return "UNKNOWN"
	}
}

// NegotiateMessage is the payload of every negotiation-phase frame.
type NegotiateMessage struct {
	Step       NegotiateStep
	Mechanisms []string // server NEGOTIATE: offered mechanisms
	Mechanism  string   // client INITIATE: chosen mechanism
	Token      []byte   // client INITIATE: credential token
	User       string   // client CONTEXT: effective user
}

// PlainToken builds the PLAIN credential token: NUL user NUL password.
func PlainToken(user, password string) []byte {
	token := make([]byte, 0, 2+len(user)+len(password))
	token = append(token, 0)
	token = append(token, user...)
	token = append(token, 0)
	token = append(token, password...)
	return token
}

// OffersPlain reports whether a server NEGOTIATE message offers PLAIN.
func (m *NegotiateMessage) OffersPlain() bool {
	for _, mech := range m.Mechanisms {
		if mech == MechanismPlain {
			return true
		}
	}
	return false
}

// --------------------------------------------------------------------------
// Negotiation wire codec
//
// Like the error status codec this is a fixed binary format: negotiation
// happens before the payload serializer is relevant.
// --------------------------------------------------------------------------

// EncodeNegotiate encodes a negotiation message payload.
func EncodeNegotiate(m *NegotiateMessage) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Step))

	buf.WriteByte(byte(len(m.Mechanisms)))
	for _, mech := range m.Mechanisms {
		writeLenPrefixed(&buf, []byte(mech))
	}
	writeLenPrefixed(&buf, []byte(m.Mechanism))
	writeLenPrefixed(&buf, m.Token)
	writeLenPrefixed(&buf, []byte(m.User))

	return buf.Bytes()
}

// DecodeNegotiate decodes a negotiation message payload.
func DecodeNegotiate(b []byte) (*NegotiateMessage, error) {
	if len(b) < 2 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("negotiation message too short: %d bytes", len(b))}
	}

	m := &NegotiateMessage{Step: NegotiateStep(b[0])}
	if m.Step == StepUnknown || m.Step > StepContext {
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown negotiation step: %d", b[0])}
	}

	pos := 1
	numMechs := int(b[pos])
	pos++
	for i := 0; i < numMechs; i++ {
		mech, n, err := readLenPrefixed(b[pos:])
		if err != nil {
			return nil, err
		}
		m.Mechanisms = append(m.Mechanisms, string(mech))
		pos += n
	}

	mech, n, err := readLenPrefixed(b[pos:])
	if err != nil {
		return nil, err
	}
	m.Mechanism = string(mech)
	pos += n

	token, n, err := readLenPrefixed(b[pos:])
	if err != nil {
		return nil, err
	}
	if len(token) > 0 {
		m.Token = token
	}
	pos += n

	user, n, err := readLenPrefixed(b[pos:])
	if err != nil {
		return nil, err
	}
	m.User = string(user)
	pos += n

	if pos != len(b) {
		return nil, &ProtocolError{Reason: "trailing bytes after negotiation message"}
	}
	return m, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readLenPrefixed(b []byte) ([]byte, int, error) {
	if len(b) < 4 {
		return nil, 0, &ProtocolError{Reason: "truncated negotiation message"}
	}
	n := int(binary.BigEndian.Uint32(b[:4]))
	if len(b) < 4+n {
		return nil, 0, &ProtocolError{Reason: "truncated negotiation message"}
	}
	return b[4 : 4+n], 4 + n, nil
}
