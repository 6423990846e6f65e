package transport

import (
	"context"
	"time"

	"github.com/strata-db/strata-go/rpc/common"
)

// --------------------------------------------------------------------------
// Call
// --------------------------------------------------------------------------

// CallResult is the resolution of a call: a decoded response message or an
// error, never both.
type CallResult struct {
	Msg *common.Message
	Err error
}

// Call is one outstanding request/response pair flowing over a connection.
// While active, a call lives in exactly one of the connection's send queue
// or in-flight table; once resolved it is in neither.
type Call struct {
	Service  string
	Method   string
	Req      *common.Message
	Deadline time.Time

	// done carries the single resolution. It is buffered so resolving
	// never blocks the reactor.
	done chan CallResult
	// producer is the send side of done. It is consumed (nilled) on the
	// first resolution, so "resolved at most once" holds structurally
	// rather than by convention. Only the owning reactor touches it.
	producer chan<- CallResult

	timer *time.Timer
}

// NewCall creates a call for the given request message. The service and
// method names are derived from the message type.
func NewCall(req *common.Message, deadline time.Time) *Call {
	done := make(chan CallResult, 1)
	return &Call{
		Service:  req.MsgType.Service(),
		Method:   req.MsgType.String(),
		Req:      req,
		Deadline: deadline,
		done:     done,
		producer: done,
	}
}

// Done returns the channel the call's single resolution is delivered on.
func (c *Call) Done() <-chan CallResult {
	return c.done
}

// Wait blocks until the call resolves or the context is cancelled.
func (c *Call) Wait(ctx context.Context) (*common.Message, error) {
	select {
	case r := <-c.done:
		return r.Msg, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete resolves the call successfully. No-op if already resolved.
func (c *Call) complete(msg *common.Message) {
	if c.producer == nil {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.producer <- CallResult{Msg: msg}
	c.producer = nil
}

// fail resolves the call with an error. No-op if already resolved.
func (c *Call) fail(err error) {
	if c.producer == nil {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.producer <- CallResult{Err: err}
	c.producer = nil
}

// resolved reports whether the call has already been resolved.
func (c *Call) resolved() bool {
	return c.producer == nil
}

// timeoutMillis returns the remaining time budget to advertise in the call
// header, clamped at zero.
func (c *Call) timeoutMillis() uint32 {
	remaining := time.Until(c.Deadline)
	if remaining <= 0 {
		return 0
	}
	return uint32(remaining / time.Millisecond)
}
