package transport

import (
	"bufio"
	"errors"
	"net"
	"time"

	"github.com/strata-db/strata-go/rpc/common"
)

// --------------------------------------------------------------------------
// Connection state machine
// --------------------------------------------------------------------------

// connState is the lifecycle state of a connection.
type connState uint8

const (
	// stateInitiating: dialing; the preamble and NEGOTIATE message are
	// written optimistically as soon as the transport accepts bytes.
	stateInitiating connState = iota
	// stateNegotiating: preamble sent, running the authentication
	// exchange. User calls queue up but are not transmitted.
	stateNegotiating
	// stateConnected: steady state, calls flow.
	stateConnected
	// stateClosed: terminal.
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateInitiating:
		return "initiating"
	case stateNegotiating:
		return "negotiating"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn owns one bidirectional byte stream to one endpoint. All of its
// state is touched exclusively by the owning reactor goroutine, so none of
// it is locked. A separate goroutine blocks on socket reads and posts
// every inbound frame back to the reactor.
type conn struct {
	addr      common.HostPort
	messenger *Messenger
	reactor   *reactor

	state connState
	sock  net.Conn

	// Calls not yet transmitted, in enqueue order.
	sendQueue []*Call
	// Calls transmitted and awaiting a response, keyed by call id.
	// Responses arrive in any order; there is no head-of-line blocking
	// between outstanding calls.
	inflight map[int32]*Call

	// Next user call id. Starts at 0, increments by 1, never reused
	// within this connection's lifetime.
	nextCallID int32
}

func newConn(m *Messenger, r *reactor, addr common.HostPort) *conn {
	c := &conn{
		addr:      addr,
		messenger: m,
		reactor:   r,
		state:     stateInitiating,
		inflight:  map[int32]*Call{},
	}
	metricConnectionsOpened.Inc()
	Logger.Debugf("%s: connecting", addr)
	go c.dialAndRead()
	return c
}

// dialAndRead dials the endpoint, optimistically writes the preamble and
// the first negotiation message without waiting for any server bytes, and
// then reads frames until the socket dies. It runs outside the reactor;
// the only connection state it touches directly is the socket, and only
// before the reactor learns of it.
func (c *conn) dialAndRead() {
	opts := c.messenger.opts

	sock, err := net.DialTimeout("tcp", c.addr.String(), opts.DialTimeout)
	if err != nil {
		c.reactor.post(func() { c.teardown(&common.ConnectionError{Addr: c.addr.String(), Err: err}) })
		return
	}

	if tcp, ok := sock.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(opts.TCPNoDelay)
		if opts.TCPKeepAliveSec > 0 {
			_ = tcp.SetKeepAlive(true)
			_ = tcp.SetKeepAlivePeriod(time.Duration(opts.TCPKeepAliveSec) * time.Second)
		}
	}

	// First writes: preamble followed by NEGOTIATE. The reactor takes
	// over all writing once it observes the socket.
	negotiate := common.EncodeNegotiate(&common.NegotiateMessage{Step: common.StepNegotiate})
	if _, err := sock.Write(common.Preamble); err == nil {
		err = WriteFrame(sock, &common.CallHeader{CallID: common.CallIDNegotiate}, negotiate)
	}
	if err != nil {
		sock.Close()
		c.reactor.post(func() { c.teardown(&common.ConnectionError{Addr: c.addr.String(), Err: err}) })
		return
	}

	c.reactor.post(func() { c.handleDialed(sock) })

	reader := bufio.NewReader(sock)
	for {
		header, payload, err := ReadFrame(reader, opts.MaxFrameLen)
		if err != nil {
			c.reactor.post(func() { c.handleReadError(err) })
			return
		}
		c.reactor.post(func() { c.handleFrame(header, payload) })
	}
}

// handleDialed transitions Initiating -> Negotiating.
func (c *conn) handleDialed(sock net.Conn) {
	if c.state == stateClosed {
		sock.Close()
		return
	}
	c.sock = sock
	c.state = stateNegotiating
	Logger.Debugf("%s: negotiating", c.addr)
}

func (c *conn) handleReadError(err error) {
	if c.state == stateClosed {
		return
	}
	var pe *common.ProtocolError
	if errors.As(err, &pe) {
		c.teardown(err)
		return
	}
	c.teardown(&common.ConnectionError{Addr: c.addr.String(), Err: err})
}

// handleFrame dispatches one inbound frame according to state.
func (c *conn) handleFrame(header *common.CallHeader, payload []byte) {
	switch c.state {
	case stateNegotiating:
		c.handleNegotiateFrame(header, payload)
	case stateConnected:
		c.handleCallFrame(header, payload)
	case stateClosed:
		// Frames may trail in after teardown; drop them.
	default:
		c.teardown(&common.ProtocolError{Reason: "frame received before negotiation began"})
	}
}

// handleNegotiateFrame runs the client side of the authentication
// exchange. Any error response or unexpected step is fatal.
func (c *conn) handleNegotiateFrame(header *common.CallHeader, payload []byte) {
	if header.CallID != common.CallIDNegotiate {
		c.teardown(&common.ProtocolError{Reason: "unexpected call id during negotiation"})
		return
	}

	if header.IsError {
		remote, err := common.DecodeErrorStatus(payload)
		if err != nil {
			c.teardown(err)
			return
		}
		// All errors during negotiation tear the connection down.
		c.teardown(remote)
		return
	}

	msg, err := common.DecodeNegotiate(payload)
	if err != nil {
		c.teardown(err)
		return
	}
	Logger.Debugf("%s: received %s from server", c.addr, msg.Step)

	opts := c.messenger.opts
	switch msg.Step {
	case common.StepNegotiate:
		if !msg.OffersPlain() {
			c.teardown(&common.ProtocolError{
				Reason: "server offers no supported authentication mechanism (want PLAIN)",
			})
			return
		}
		initiate := common.EncodeNegotiate(&common.NegotiateMessage{
			Step:      common.StepInitiate,
			Mechanism: common.MechanismPlain,
			Token:     common.PlainToken(opts.User, opts.Password),
		})
		c.write(&common.CallHeader{CallID: common.CallIDNegotiate}, initiate)

	case common.StepSuccess:
		context := common.EncodeNegotiate(&common.NegotiateMessage{
			Step: common.StepContext,
			User: opts.User,
		})
		c.write(&common.CallHeader{CallID: common.CallIDConnectionContext}, context)
		if c.state == stateClosed {
			return
		}
		c.state = stateConnected
		Logger.Infof("%s: connected", c.addr)
		c.flushQueue()

	default:
		c.teardown(&common.ProtocolError{Reason: "unexpected negotiation step: " + msg.Step.String()})
	}
}

// handleCallFrame matches a steady-state response to its in-flight call.
func (c *conn) handleCallFrame(header *common.CallHeader, payload []byte) {
	if header.IsError {
		remote, err := common.DecodeErrorStatus(payload)
		if err != nil {
			c.teardown(err)
			return
		}
		if call, ok := c.inflight[header.CallID]; ok {
			delete(c.inflight, header.CallID)
			if remote.Code == common.CodeNotLeader {
				call.fail(&common.NotLeaderError{Addr: c.addr.String(), Message: remote.Message})
			} else {
				call.fail(remote)
			}
		}
		if c.messenger.opts.FatalRemote(remote) {
			c.teardown(remote)
		}
		return
	}

	call, ok := c.inflight[header.CallID]
	if !ok {
		// Already removed, most likely by a timeout. Drop silently.
		Logger.Debugf("%s: dropping response for unknown call id %d", c.addr, header.CallID)
		return
	}

	resp := &common.Message{}
	if err := c.messenger.opts.Serializer.Deserialize(payload, resp); err != nil {
		// Leave the call in the in-flight table: a decode hiccup on one
		// response must not terminally fail the call, and the connection
		// stays up for the other outstanding calls.
		Logger.Warningf("%s: failed to decode response for call id %d: %v", c.addr, header.CallID, err)
		return
	}

	delete(c.inflight, header.CallID)
	call.complete(resp)
}

// sendCall enqueues a call. Transmission happens immediately when the
// connection is up, otherwise once negotiation completes.
func (c *conn) sendCall(call *Call) {
	if c.state == stateClosed {
		call.fail(&common.ConnectionError{Addr: c.addr.String(), Err: errClosed})
		return
	}

	c.sendQueue = append(c.sendQueue, call)
	c.scheduleExpiry(call)

	if c.state == stateConnected {
		c.flushQueue()
	}
}

// flushQueue assigns call ids and transmits every queued call, in order.
func (c *conn) flushQueue() {
	for len(c.sendQueue) > 0 {
		call := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]
		if call.resolved() {
			// Timed out while still queued.
			continue
		}

		payload, err := c.messenger.opts.Serializer.Serialize(*call.Req)
		if err != nil {
			call.fail(&common.SerializationError{Err: err})
			continue
		}

		callID := c.nextCallID
		c.nextCallID++

		header := &common.CallHeader{
			CallID:        callID,
			ServiceName:   call.Service,
			MethodName:    call.Method,
			TimeoutMillis: call.timeoutMillis(),
		}

		if err := WriteFrame(c.sock, header, payload); err != nil {
			// The call was in neither container during the write; put it
			// back at the head so teardown fails it exactly once.
			c.sendQueue = append([]*Call{call}, c.sendQueue...)
			c.teardown(&common.ConnectionError{Addr: c.addr.String(), Err: err})
			return
		}

		c.inflight[callID] = call
		metricRPCsSent.Inc()
		Logger.Debugf("%s: sent %s.%s with call id %d", c.addr, call.Service, call.Method, callID)
	}
}

// scheduleExpiry arms the call's deadline timer. Expiry fires on the
// owning reactor, so it cannot race frame handling.
func (c *conn) scheduleExpiry(call *Call) {
	d := time.Until(call.Deadline)
	if d < 0 {
		d = 0
	}
	call.timer = time.AfterFunc(d, func() {
		c.reactor.post(func() { c.expire(call) })
	})
}

// expire fails a call whose deadline elapsed. If the call was already
// transmitted its id stays burned: a late response finds no in-flight
// entry and is dropped.
func (c *conn) expire(call *Call) {
	if call.resolved() {
		return
	}
	for i, queued := range c.sendQueue {
		if queued == call {
			c.sendQueue = append(c.sendQueue[:i], c.sendQueue[i+1:]...)
			break
		}
	}
	for id, flight := range c.inflight {
		if flight == call {
			delete(c.inflight, id)
			break
		}
	}
	call.fail(common.ErrTimedOut)
}

// write sends a protocol-internal frame, tearing down on failure.
func (c *conn) write(header *common.CallHeader, payload []byte) {
	if err := WriteFrame(c.sock, header, payload); err != nil {
		c.teardown(&common.ConnectionError{Addr: c.addr.String(), Err: err})
	}
}

// teardown moves the connection to Closed and resolves every queued and
// in-flight call with a connection error, exactly once each. Reachable
// from any state.
func (c *conn) teardown(cause error) {
	if c.state == stateClosed {
		return
	}
	c.state = stateClosed
	metricConnectionErrors.Inc()
	Logger.Warningf("%s: connection torn down: %v", c.addr, cause)

	if c.sock != nil {
		c.sock.Close()
	}

	connErr := cause
	var ce *common.ConnectionError
	if !errors.As(cause, &ce) {
		connErr = &common.ConnectionError{Addr: c.addr.String(), Err: cause}
	}

	for _, call := range c.sendQueue {
		call.fail(connErr)
	}
	c.sendQueue = nil
	for _, call := range c.inflight {
		call.fail(connErr)
	}
	c.inflight = map[int32]*Call{}

	c.messenger.removeConn(c)
}

var errClosed = errors.New("connection closed")
