package common

import (
	"encoding/binary"
	"fmt"
)

// --------------------------------------------------------------------------
// Call header codec
//
// Every frame carries a header immediately preceding the payload. The
// header uses a fixed binary format with a presence-flag byte, so empty
// fields cost nothing on the wire.
// --------------------------------------------------------------------------

// CallHeader describes one call on the wire: who it is for (service,
// method), which in-flight slot it resolves (call id), and how long the
// server may spend on it.
type CallHeader struct {
	CallID        int32
	ServiceName   string
	MethodName    string
	TimeoutMillis uint32
	RequiredFlags []uint32
	IsError       bool
}

// Bit flags to indicate which optional fields are present
const (
	hdrHasService byte = 1 << 0
	hdrHasMethod  byte = 1 << 1
	hdrHasTimeout byte = 1 << 2
	hdrHasFlags   byte = 1 << 3
	hdrIsError    byte = 1 << 4
)

// EncodeCallHeader encodes the header into its binary wire form.
func EncodeCallHeader(h *CallHeader) []byte {
	size := 1 + 4 // flags byte + call id
	if h.ServiceName != "" {
		size += 2 + len(h.ServiceName)
	}
	if h.MethodName != "" {
		size += 2 + len(h.MethodName)
	}
	if h.TimeoutMillis > 0 {
		size += 4
	}
	if len(h.RequiredFlags) > 0 {
		size += 1 + 4*len(h.RequiredFlags)
	}

	buf := make([]byte, size)
	var flags byte
	pos := 1

	binary.BigEndian.PutUint32(buf[pos:pos+4], uint32(h.CallID))
	pos += 4

	if h.ServiceName != "" {
		flags |= hdrHasService
		binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(len(h.ServiceName)))
		pos += 2
		pos += copy(buf[pos:], h.ServiceName)
	}
	if h.MethodName != "" {
		flags |= hdrHasMethod
		binary.BigEndian.PutUint16(buf[pos:pos+2], uint16(len(h.MethodName)))
		pos += 2
		pos += copy(buf[pos:], h.MethodName)
	}
	if h.TimeoutMillis > 0 {
		flags |= hdrHasTimeout
		binary.BigEndian.PutUint32(buf[pos:pos+4], h.TimeoutMillis)
		pos += 4
	}
	if len(h.RequiredFlags) > 0 {
		flags |= hdrHasFlags
		buf[pos] = byte(len(h.RequiredFlags))
		pos++
		for _, f := range h.RequiredFlags {
			binary.BigEndian.PutUint32(buf[pos:pos+4], f)
			pos += 4
		}
	}
	if h.IsError {
		flags |= hdrIsError
	}

	buf[0] = flags
	return buf
}

// DecodeCallHeader decodes a binary call header.
func DecodeCallHeader(b []byte) (*CallHeader, error) {
	if len(b) < 5 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("call header too short: %d bytes", len(b))}
	}

	flags := b[0]
	h := &CallHeader{
		CallID:  int32(binary.BigEndian.Uint32(b[1:5])),
		IsError: flags&hdrIsError != 0,
	}
	pos := 5

	readString := func() (string, error) {
		if len(b) < pos+2 {
			return "", &ProtocolError{Reason: "truncated call header"}
		}
		n := int(binary.BigEndian.Uint16(b[pos : pos+2]))
		pos += 2
		if len(b) < pos+n {
			return "", &ProtocolError{Reason: "truncated call header"}
		}
		s := string(b[pos : pos+n])
		pos += n
		return s, nil
	}

	var err error
	if flags&hdrHasService != 0 {
		if h.ServiceName, err = readString(); err != nil {
			return nil, err
		}
	}
	if flags&hdrHasMethod != 0 {
		if h.MethodName, err = readString(); err != nil {
			return nil, err
		}
	}
	if flags&hdrHasTimeout != 0 {
		if len(b) < pos+4 {
			return nil, &ProtocolError{Reason: "truncated call header"}
		}
		h.TimeoutMillis = binary.BigEndian.Uint32(b[pos : pos+4])
		pos += 4
	}
	if flags&hdrHasFlags != 0 {
		if len(b) < pos+1 {
			return nil, &ProtocolError{Reason: "truncated call header"}
		}
		n := int(b[pos])
		pos++
		if len(b) < pos+4*n {
			return nil, &ProtocolError{Reason: "truncated call header"}
		}
		h.RequiredFlags = make([]uint32, n)
		for i := 0; i < n; i++ {
			h.RequiredFlags[i] = binary.BigEndian.Uint32(b[pos : pos+4])
			pos += 4
		}
	}
	if pos != len(b) {
		return nil, &ProtocolError{Reason: "trailing bytes after call header"}
	}

	return h, nil
}
