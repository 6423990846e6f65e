package minicluster

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/strata-db/strata-go/rpc/common"
	"github.com/strata-db/strata-go/rpc/serializer"
	"github.com/strata-db/strata-go/rpc/transport"
)

var Logger = logger.GetLogger("minicluster")

// Handler processes one decoded request. A non-nil *common.RemoteError is
// sent back as an error frame, otherwise the response message is sent.
type Handler func(req *common.Message) (*common.Message, *common.RemoteError)

// Server is a single in-process node speaking the client wire protocol:
// preamble check, PLAIN negotiation, then framed request/response traffic.
// It exists so that the client stack can be tested against a real TCP
// endpoint without standing up an external cluster.
type Server struct {
	serializer serializer.IRPCSerializer
	handler    Handler

	// Mechanisms advertised during negotiation. Defaults to PLAIN.
	mechanisms []string

	ln   net.Listener
	addr common.HostPort

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// NewServer starts a server on an ephemeral localhost port.
func NewServer(s serializer.IRPCSerializer, handler Handler) (*Server, error) {
	return newServer(s, handler, []string{common.MechanismPlain})
}

// NewServerWithMechanisms starts a server advertising the given
// authentication mechanisms instead of PLAIN.
func NewServerWithMechanisms(s serializer.IRPCSerializer, handler Handler, mechanisms []string) (*Server, error) {
	return newServer(s, handler, mechanisms)
}

func newServer(s serializer.IRPCSerializer, handler Handler, mechanisms []string) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	addr, err := common.ParseHostPort(ln.Addr().String(), 0)
	if err != nil {
		ln.Close()
		return nil, err
	}

	srv := &Server{
		serializer: s,
		handler:    handler,
		mechanisms: mechanisms,
		ln:         ln,
		addr:       addr,
		conns:      map[net.Conn]struct{}{},
	}
	go srv.acceptLoop()
	Logger.Debugf("server listening on %s", addr)
	return srv, nil
}

// Addr returns the endpoint the server listens on.
func (s *Server) Addr() common.HostPort {
	return s.addr
}

// Close stops the listener and severs all live connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	Logger.Debugf("server on %s closed", s.addr)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		go s.serveConn(conn)
	}
}

func (s *Server) dropConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// serveConn runs the full lifetime of one client connection.
func (s *Server) serveConn(conn net.Conn) {
	defer s.dropConn(conn)

	preamble := make([]byte, len(common.Preamble))
	if _, err := io.ReadFull(conn, preamble); err != nil {
		return
	}
	if !bytes.Equal(preamble, common.Preamble) {
		Logger.Warningf("rejecting connection with bad preamble %q", preamble)
		return
	}

	// Responses may be produced by concurrent handler goroutines; writes
	// to the socket are serialized here.
	var writeMu sync.Mutex
	write := func(header *common.CallHeader, payload []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := transport.WriteFrame(conn, header, payload); err != nil {
			conn.Close()
		}
	}

	reader := bufio.NewReader(conn)
	negotiated := false
	for {
		header, payload, err := transport.ReadFrame(reader, transport.DefaultMaxFrameLen)
		if err != nil {
			return
		}

		switch {
		case header.CallID == common.CallIDNegotiate:
			if done := s.handleNegotiate(payload, write); done {
				return
			}
		case header.CallID == common.CallIDConnectionContext:
			negotiated = true
		case negotiated:
			go s.handleCall(header, payload, write)
		default:
			Logger.Warningf("call id %d before connection context, closing", header.CallID)
			return
		}
	}
}

// handleNegotiate answers one negotiation step. Returns true when the
// connection should be dropped.
func (s *Server) handleNegotiate(payload []byte, write func(*common.CallHeader, []byte)) bool {
	msg, err := common.DecodeNegotiate(payload)
	if err != nil {
		return true
	}

	switch msg.Step {
	case common.StepNegotiate:
		write(&common.CallHeader{CallID: common.CallIDNegotiate}, common.EncodeNegotiate(&common.NegotiateMessage{
			Step:       common.StepNegotiate,
			Mechanisms: s.mechanisms,
		}))
		return false
	case common.StepInitiate:
		if msg.Mechanism != common.MechanismPlain {
			write(&common.CallHeader{CallID: common.CallIDNegotiate, IsError: true}, common.EncodeErrorStatus(&common.RemoteError{
				Code:    common.CodeFatalInvalidNegotiation,
				Message: fmt.Sprintf("unsupported mechanism %q", msg.Mechanism),
			}))
			return true
		}
		write(&common.CallHeader{CallID: common.CallIDNegotiate}, common.EncodeNegotiate(&common.NegotiateMessage{
			Step: common.StepSuccess,
		}))
		return false
	default:
		return true
	}
}

// handleCall decodes one user request, runs the handler and writes the
// matching response frame.
func (s *Server) handleCall(header *common.CallHeader, payload []byte, write func(*common.CallHeader, []byte)) {
	req := &common.Message{}
	if err := s.serializer.Deserialize(payload, req); err != nil {
		write(&common.CallHeader{CallID: header.CallID, IsError: true}, common.EncodeErrorStatus(&common.RemoteError{
			Code:    common.CodeApplicationError,
			Message: fmt.Sprintf("failed to deserialize request: %v", err),
		}))
		return
	}

	resp, remoteErr := s.handler(req)
	if remoteErr != nil {
		write(&common.CallHeader{CallID: header.CallID, IsError: true}, common.EncodeErrorStatus(remoteErr))
		return
	}

	out, err := s.serializer.Serialize(*resp)
	if err != nil {
		write(&common.CallHeader{CallID: header.CallID, IsError: true}, common.EncodeErrorStatus(&common.RemoteError{
			Code:    common.CodeApplicationError,
			Message: fmt.Sprintf("failed to serialize response: %v", err),
		}))
		return
	}
	write(&common.CallHeader{CallID: header.CallID}, out)
}
