package transport

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/strata-db/strata-go/rpc/common"
	"github.com/strata-db/strata-go/rpc/serializer"
)

var Logger = logger.GetLogger("rpc/transport")

var (
	metricRPCsSent          = metrics.NewCounter("strata_rpcs_sent_total")
	metricConnectionsOpened = metrics.NewCounter("strata_connections_opened_total")
	metricConnectionErrors  = metrics.NewCounter("strata_connection_errors_total")
)

// --------------------------------------------------------------------------
// Options
// --------------------------------------------------------------------------

// Options configures a Messenger.
type Options struct {
	// Reactors is the number of event-loop goroutines connections are
	// sharded over. At least 1.
	Reactors int

	// User and Password are the credentials presented during connection
	// negotiation.
	User     string
	Password string

	// Serializer encodes request payloads and decodes response payloads.
	Serializer serializer.IRPCSerializer

	// DialTimeout bounds the TCP connect.
	DialTimeout time.Duration

	// MaxFrameLen bounds inbound frames.
	MaxFrameLen uint32

	TCPNoDelay      bool
	TCPKeepAliveSec int

	// FatalRemote decides whether a remote error poisons the whole
	// connection (all other outstanding calls fail too) instead of only
	// the call it answers.
	FatalRemote func(*common.RemoteError) bool
}

// DefaultOptions returns a ready-to-use Options with the credentials and
// knobs from the given client config.
func DefaultOptions(cfg *common.ClientConfig) *Options {
	return &Options{
		Reactors:        cfg.Reactors,
		User:            cfg.User,
		Password:        cfg.Password,
		Serializer:      serializer.NewJSONSerializer(),
		DialTimeout:     cfg.Timeout(),
		MaxFrameLen:     DefaultMaxFrameLen,
		TCPNoDelay:      cfg.TCPNoDelay,
		TCPKeepAliveSec: cfg.TCPKeepAliveSec,
		FatalRemote:     common.DefaultFatal,
	}
}

func (o *Options) withDefaults() *Options {
	out := *o
	if out.Reactors < 1 {
		out.Reactors = 1
	}
	if out.Serializer == nil {
		out.Serializer = serializer.NewJSONSerializer()
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.MaxFrameLen == 0 {
		out.MaxFrameLen = DefaultMaxFrameLen
	}
	if out.FatalRemote == nil {
		out.FatalRemote = common.DefaultFatal
	}
	return &out
}

// --------------------------------------------------------------------------
// Reactor
// --------------------------------------------------------------------------

// reactor is one event-loop goroutine. Everything a connection does after
// its dial happens as a task on its owning reactor, which is what lets
// connection state go entirely unlocked.
type reactor struct {
	tasks chan func()
	quit  chan struct{}
}

func newReactor() *reactor {
	r := &reactor{
		tasks: make(chan func(), 256),
		quit:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *reactor) run() {
	for {
		select {
		case task := <-r.tasks:
			task()
		case <-r.quit:
			// Drain what is already queued so teardown tasks still run.
			for {
				select {
				case task := <-r.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// post schedules a task on the reactor. Safe to call from any goroutine.
// Returns false after shutdown, when nothing will ever run the task; a
// caller handing over a call must then resolve it itself.
func (r *reactor) post(task func()) bool {
	select {
	case r.tasks <- task:
		return true
	case <-r.quit:
		return false
	}
}

func (r *reactor) stop() {
	close(r.quit)
}

// --------------------------------------------------------------------------
// Messenger
// --------------------------------------------------------------------------

// Messenger is the process-wide RPC engine: it owns the reactor pool and a
// registry of at most one connection per endpoint, dialing lazily on first
// use and transparently redialing after failures.
type Messenger struct {
	opts     *Options
	reactors []*reactor
	conns    *xsync.MapOf[string, *conn]
	closed   chan struct{}
}

// NewMessenger creates a messenger with the given options.
func NewMessenger(opts *Options) *Messenger {
	opts = opts.withDefaults()
	m := &Messenger{
		opts:   opts,
		conns:  xsync.NewMapOf[string, *conn](),
		closed: make(chan struct{}),
	}
	for i := 0; i < opts.Reactors; i++ {
		m.reactors = append(m.reactors, newReactor())
	}
	Logger.Infof("messenger started with %d reactors", opts.Reactors)
	return m
}

// reactorFor maps an endpoint to its reactor. The mapping is a pure
// function of the address, so every connection to the same endpoint always
// lands on the same reactor.
func (m *Messenger) reactorFor(key string) *reactor {
	h := fnv.New64a()
	h.Write([]byte(key))
	return m.reactors[h.Sum64()%uint64(len(m.reactors))]
}

// Send dispatches the call to the endpoint, creating or reusing the
// connection for it. The call resolves through call.Done / call.Wait.
func (m *Messenger) Send(addr common.HostPort, call *Call) {
	select {
	case <-m.closed:
		call.fail(&common.ConnectionError{Addr: addr.String(), Err: errClosed})
		return
	default:
	}

	key := addr.String()
	c, _ := m.conns.LoadOrCompute(key, func() *conn {
		return newConn(m, m.reactorFor(key), addr)
	})
	if !c.reactor.post(func() { c.sendCall(call) }) {
		// Close won the race after the check above; the task was dropped,
		// so the call must be failed here to resolve it at all.
		call.fail(&common.ConnectionError{Addr: addr.String(), Err: errClosed})
	}
}

// SendReq is the synchronous convenience wrapper: build a call for req
// with the given deadline, send it, wait for the resolution.
func (m *Messenger) SendReq(ctx context.Context, addr common.HostPort, req *common.Message, deadline time.Time) (*common.Message, error) {
	call := NewCall(req, deadline)
	m.Send(addr, call)
	return call.Wait(ctx)
}

// removeConn drops the connection from the registry if it is still the
// registered one. Identity-checked: a replacement connection dialed after
// this one died must not be evicted by the dead one's teardown.
func (m *Messenger) removeConn(dead *conn) {
	key := dead.addr.String()
	m.conns.Compute(key, func(cur *conn, loaded bool) (*conn, bool) {
		if loaded && cur == dead {
			return nil, true
		}
		return cur, !loaded
	})
}

// Close tears down every connection and stops the reactors. Outstanding
// calls fail with a connection error. The messenger must not be used
// afterwards.
func (m *Messenger) Close() {
	select {
	case <-m.closed:
		return
	default:
		close(m.closed)
	}

	m.conns.Range(func(key string, c *conn) bool {
		c.reactor.post(func() { c.teardown(errClosed) })
		return true
	})
	for _, r := range m.reactors {
		r.stop()
	}
	Logger.Infof("messenger stopped")
}
