package common

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error taxonomy
//
// ConnectionError and fatal ProtocolError/RemoteError tear the owning
// connection down and fail every call on it. NotLeaderError is recovered
// by the meta-cache. ErrTimedOut feeds the retry combinator. A
// SerializationError on one in-flight call never affects the connection.
// --------------------------------------------------------------------------

// ErrTimedOut is returned when a call's deadline elapsed with no resolution.
var ErrTimedOut = errors.New("operation timed out")

// ConnectionError is a transport-level failure: refused, reset, malformed
// frame, or the connection being torn down while calls were outstanding.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection error (%s)", e.Addr)
	}
	return fmt.Sprintf("connection error (%s): %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is a fatal authentication or framing violation. It always
// tears the connection down.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

// RemoteError is an explicit error status returned by a server. The
// server's message is preserved verbatim.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%s): %s", e.Code, e.Message)
}

// NotLeaderError reports that an operation was sent to a replica or master
// that no longer leads. It triggers targeted meta-cache invalidation.
type NotLeaderError struct {
	Addr    string
	Message string
}

func (e *NotLeaderError) Error() string {
	return fmt.Sprintf("not the leader (%s): %s", e.Addr, e.Message)
}

// SerializationError reports a payload that could not be decoded.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IsNotLeader reports whether err indicates a stale leader, either as a
// typed NotLeaderError or as a remote status carrying CodeNotLeader.
func IsNotLeader(err error) bool {
	var nle *NotLeaderError
	if errors.As(err, &nle) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.Code == CodeNotLeader
}

// --------------------------------------------------------------------------
// Remote error codes
// --------------------------------------------------------------------------

// ErrorCode classifies remote error statuses. Codes in the fatal block
// indicate the connection itself is unusable.
type ErrorCode uint32

const (
	CodeUnknown ErrorCode = iota
	CodeApplicationError
	CodeTableNotFound
	CodeTableAlreadyExists
	CodeNotLeader
	CodeServerBusy

	// Fatal codes: the server will not serve further calls on this
	// connection.
	CodeFatalUnauthorized
	CodeFatalVersionMismatch
	CodeFatalInvalidNegotiation
)

func (c ErrorCode) String() string {
	switch c {
	case CodeApplicationError:
		return "application error"
	case CodeTableNotFound:
		return "table not found"
	case CodeTableAlreadyExists:
		return "table already exists"
	case CodeNotLeader:
		return "not leader"
	case CodeServerBusy:
		return "server busy"
	case CodeFatalUnauthorized:
		return "unauthorized"
	case CodeFatalVersionMismatch:
		return "version mismatch"
	case CodeFatalInvalidNegotiation:
		return "invalid negotiation"
	default:
		return "unknown"
	}
}

// DefaultFatal is the protocol's default fatal classification. The
// connection state machine takes the predicate from its options so that
// protocol revisions can reclassify without touching the engine.
func DefaultFatal(err *RemoteError) bool {
	switch err.Code {
	case CodeFatalUnauthorized, CodeFatalVersionMismatch, CodeFatalInvalidNegotiation:
		return true
	default:
		return false
	}
}

// --------------------------------------------------------------------------
// Error status wire codec
//
// Error payloads use a fixed binary format, not the pluggable payload
// serializer: the connection must be able to classify an error response
// before it knows anything about the call's payload encoding.
// --------------------------------------------------------------------------

// EncodeErrorStatus encodes a remote error status payload.
func EncodeErrorStatus(e *RemoteError) []byte {
	buf := make([]byte, 8+len(e.Message))
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.Code))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(e.Message)))
	copy(buf[8:], e.Message)
	return buf
}

// DecodeErrorStatus decodes a remote error status payload.
func DecodeErrorStatus(b []byte) (*RemoteError, error) {
	if len(b) < 8 {
		return nil, &ProtocolError{Reason: fmt.Sprintf("error status too short: %d bytes", len(b))}
	}
	code := ErrorCode(binary.BigEndian.Uint32(b[0:4]))
	msgLen := binary.BigEndian.Uint32(b[4:8])
	if int(msgLen) != len(b)-8 {
		return nil, &ProtocolError{Reason: "error status length mismatch"}
	}
	return &RemoteError{Code: code, Message: string(b[8:])}, nil
}
