package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/strata-db/strata-go/rpc/common"
)

// --------------------------------------------------------------------------
// Wire framing
//
// Every frame after the preamble has the format:
//   - 4 bytes: total frame length (uint32, big endian, covers the rest)
//   - 2 bytes: header length (uint16, big endian)
//   - N bytes: call header
//   - 4 bytes: payload length (uint32, big endian)
//   - M bytes: payload
// --------------------------------------------------------------------------

// DefaultMaxFrameLen bounds inbound frames; anything larger is treated as
// a malformed frame and tears the connection down.
const DefaultMaxFrameLen = 64 << 20

// WriteFrame writes a single frame to the connection.
func WriteFrame(conn net.Conn, header *common.CallHeader, payload []byte) error {
	hdr := common.EncodeCallHeader(header)

	prefix := make([]byte, 6)
	binary.BigEndian.PutUint32(prefix[0:4], uint32(2+len(hdr)+4+len(payload)))
	binary.BigEndian.PutUint16(prefix[4:6], uint16(len(hdr)))

	var payloadLen [4]byte
	binary.BigEndian.PutUint32(payloadLen[:], uint32(len(payload)))

	b := net.Buffers{prefix, hdr, payloadLen[:], payload}
	_, err := b.WriteTo(conn)
	return err
}

// ReadFrame reads a single frame. It blocks until a full frame is
// available; partial frames are never surfaced. maxLen guards against
// absurd length prefixes from a confused peer.
func ReadFrame(r io.Reader, maxLen uint32) (*common.CallHeader, []byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, nil, err
	}
	frameLen := binary.BigEndian.Uint32(prefix[:])
	if frameLen < 6 || frameLen > maxLen {
		return nil, nil, &common.ProtocolError{Reason: fmt.Sprintf("malformed frame length: %d", frameLen)}
	}

	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, nil, err
	}

	hdrLen := int(binary.BigEndian.Uint16(frame[0:2]))
	if hdrLen > len(frame)-6 {
		return nil, nil, &common.ProtocolError{Reason: fmt.Sprintf("malformed header length: %d", hdrLen)}
	}

	header, err := common.DecodeCallHeader(frame[2 : 2+hdrLen])
	if err != nil {
		return nil, nil, err
	}

	payloadLen := binary.BigEndian.Uint32(frame[2+hdrLen : 6+hdrLen])
	if int(payloadLen) != len(frame)-6-hdrLen {
		return nil, nil, &common.ProtocolError{Reason: fmt.Sprintf("malformed payload length: %d", payloadLen)}
	}
	return header, frame[6+hdrLen:], nil
}
