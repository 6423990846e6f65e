package transport_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/strata-db/strata-go/minicluster"
	"github.com/strata-db/strata-go/rpc/common"
	"github.com/strata-db/strata-go/rpc/serializer"
	"github.com/strata-db/strata-go/rpc/transport"
)

// testOptions returns messenger options suitable for fast local tests.
func testOptions() *transport.Options {
	return &transport.Options{
		Reactors:    2,
		User:        "test",
		Password:    "test",
		Serializer:  serializer.NewJSONSerializer(),
		DialTimeout: 2 * time.Second,
	}
}

// echoServer starts a server that answers every request with a response of
// the same message type.
func echoServer(t *testing.T) *minicluster.Server {
	t.Helper()
	srv, err := minicluster.NewServer(serializer.NewJSONSerializer(), func(req *common.Message) (*common.Message, *common.RemoteError) {
		return &common.Message{MsgType: req.MsgType, TableID: req.TableID}, nil
	})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func TestFrameRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	in := &common.CallHeader{
		CallID:        7,
		ServiceName:   "MasterService",
		MethodName:    "Ping",
		TimeoutMillis: 2500,
	}
	payload := []byte(`{"msg_type":"Ping"}`)

	go func() {
		if err := transport.WriteFrame(client, in, payload); err != nil {
			t.Errorf("WriteFrame failed: %v", err)
		}
	}()

	header, got, err := transport.ReadFrame(server, transport.DefaultMaxFrameLen)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !reflect.DeepEqual(header, in) {
		t.Errorf("header round trip yielded %+v, want %+v", header, in)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload round trip yielded %q, want %q", got, payload)
	}
}

func TestSendReqRoundTrip(t *testing.T) {
	srv := echoServer(t)

	m := transport.NewMessenger(testOptions())
	defer m.Close()

	resp, err := m.SendReq(context.Background(), srv.Addr(), common.NewPingRequest(), time.Now().Add(2*time.Second))
	if err != nil {
		t.Fatalf("SendReq failed: %v", err)
	}
	if resp.MsgType != common.MsgTPing {
		t.Errorf("expected %v response, got %v", common.MsgTPing, resp.MsgType)
	}
}

func TestConnectionReuse(t *testing.T) {
	srv := echoServer(t)

	m := transport.NewMessenger(testOptions())
	defer m.Close()

	for i := 0; i < 10; i++ {
		if _, err := m.SendReq(context.Background(), srv.Addr(), common.NewPingRequest(), time.Now().Add(2*time.Second)); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
	}
}

// Responses must be matched to calls by id, not by order: a slow call must
// not block or steal the response of a fast one sent after it.
func TestOutOfOrderResponses(t *testing.T) {
	srv, err := minicluster.NewServer(serializer.NewJSONSerializer(), func(req *common.Message) (*common.Message, *common.RemoteError) {
		if req.TableID == "slow" {
			time.Sleep(300 * time.Millisecond)
		}
		return &common.Message{MsgType: req.MsgType, TableID: req.TableID}, nil
	})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Close()

	m := transport.NewMessenger(testOptions())
	defer m.Close()

	deadline := time.Now().Add(5 * time.Second)
	slow := transport.NewCall(common.NewIsCreateTableDoneRequest("slow"), deadline)
	fast := transport.NewCall(common.NewIsCreateTableDoneRequest("fast"), deadline)
	m.Send(srv.Addr(), slow)
	m.Send(srv.Addr(), fast)

	fastRes := <-fast.Done()
	if fastRes.Err != nil {
		t.Fatalf("fast call failed: %v", fastRes.Err)
	}

	var slowRes transport.CallResult
	select {
	case slowRes = <-slow.Done():
		t.Errorf("slow call resolved before the fast one")
	default:
		slowRes = <-slow.Done()
	}
	if slowRes.Err != nil {
		t.Fatalf("slow call failed: %v", slowRes.Err)
	}
	if slowRes.Msg.TableID != "slow" || fastRes.Msg.TableID != "fast" {
		t.Errorf("responses crossed: slow=%q fast=%q", slowRes.Msg.TableID, fastRes.Msg.TableID)
	}
}

func TestCallDeadline(t *testing.T) {
	srv, err := minicluster.NewServer(serializer.NewJSONSerializer(), func(req *common.Message) (*common.Message, *common.RemoteError) {
		time.Sleep(1 * time.Second)
		return common.NewPingRequest(), nil
	})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Close()

	m := transport.NewMessenger(testOptions())
	defer m.Close()

	_, err = m.SendReq(context.Background(), srv.Addr(), common.NewPingRequest(), time.Now().Add(100*time.Millisecond))
	if !errors.Is(err, common.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}

	// The connection survives the timeout: a later call with a sane
	// deadline still works once the server catches up.
	if _, err := m.SendReq(context.Background(), srv.Addr(), common.NewPingRequest(), time.Now().Add(5*time.Second)); err != nil {
		t.Fatalf("call after timeout failed: %v", err)
	}
}

func TestDialFailure(t *testing.T) {
	// Grab a port nothing listens on.
	srv := echoServer(t)
	addr := srv.Addr()
	srv.Close()
	time.Sleep(50 * time.Millisecond)

	m := transport.NewMessenger(testOptions())
	defer m.Close()

	_, err := m.SendReq(context.Background(), addr, common.NewPingRequest(), time.Now().Add(2*time.Second))
	var connErr *common.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

// A server that offers no supported authentication mechanism must fail the
// connection fatally; queued calls resolve with the protocol error.
func TestNoSupportedMechanism(t *testing.T) {
	srv, err := minicluster.NewServerWithMechanisms(serializer.NewJSONSerializer(), func(req *common.Message) (*common.Message, *common.RemoteError) {
		return common.NewPingRequest(), nil
	}, []string{"GSSAPI"})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Close()

	m := transport.NewMessenger(testOptions())
	defer m.Close()

	_, err = m.SendReq(context.Background(), srv.Addr(), common.NewPingRequest(), time.Now().Add(2*time.Second))
	if err == nil {
		t.Fatal("expected negotiation to fail")
	}
	var protoErr *common.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected ProtocolError in chain, got %v", err)
	}
}

// A remote application error fails only the call it answers; other calls
// on the same connection are unaffected.
func TestRemoteErrorScopedToCall(t *testing.T) {
	srv, err := minicluster.NewServer(serializer.NewJSONSerializer(), func(req *common.Message) (*common.Message, *common.RemoteError) {
		if req.TableID == "missing" {
			return nil, &common.RemoteError{Code: common.CodeTableNotFound, Message: "no such table"}
		}
		return &common.Message{MsgType: req.MsgType, TableID: req.TableID}, nil
	})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Close()

	m := transport.NewMessenger(testOptions())
	defer m.Close()

	deadline := time.Now().Add(2 * time.Second)
	bad := transport.NewCall(common.NewIsCreateTableDoneRequest("missing"), deadline)
	good := transport.NewCall(common.NewIsCreateTableDoneRequest("present"), deadline)
	m.Send(srv.Addr(), bad)
	m.Send(srv.Addr(), good)

	badRes := <-bad.Done()
	var remoteErr *common.RemoteError
	if !errors.As(badRes.Err, &remoteErr) || remoteErr.Code != common.CodeTableNotFound {
		t.Fatalf("expected TableNotFound remote error, got %v", badRes.Err)
	}

	goodRes := <-good.Done()
	if goodRes.Err != nil {
		t.Fatalf("good call failed: %v", goodRes.Err)
	}
}

// Concurrent senders over the same messenger must all resolve.
func TestConcurrentSenders(t *testing.T) {
	srv := echoServer(t)

	m := transport.NewMessenger(testOptions())
	defer m.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SendReq(context.Background(), srv.Addr(), common.NewPingRequest(), time.Now().Add(5*time.Second))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent request failed: %v", err)
		}
	}
}

// Close racing Send must still resolve every call: a call is either
// delivered or failed, never silently dropped.
func TestSendDuringCloseResolvesEveryCall(t *testing.T) {
	srv := echoServer(t)

	m := transport.NewMessenger(testOptions())

	const n = 100
	calls := make([]*transport.Call, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		call := transport.NewCall(common.NewPingRequest(), time.Now().Add(5*time.Second))
		calls[i] = call
		wg.Add(1)
		go func(c *transport.Call) {
			defer wg.Done()
			<-start
			m.Send(srv.Addr(), c)
		}(call)
	}
	close(start)
	m.Close()
	wg.Wait()

	for i, c := range calls {
		select {
		case <-c.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("call %d never resolved across close", i)
		}
	}
}

// corruptOnceSerializer garbles the first payload it serializes and
// behaves normally afterwards.
type corruptOnceSerializer struct {
	inner serializer.IRPCSerializer

	mu       sync.Mutex
	garbaged bool
}

func (s *corruptOnceSerializer) Serialize(msg common.Message) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.garbaged {
		s.garbaged = true
		return []byte{0xff, 0x00, 0xba, 0xad}, nil
	}
	return s.inner.Serialize(msg)
}

func (s *corruptOnceSerializer) Deserialize(b []byte, msg *common.Message) error {
	return s.inner.Deserialize(b, msg)
}

// A response payload that fails to decode must not resolve its call and
// must not tear the connection down: the call stays pending until its
// deadline while later calls proceed normally.
func TestUndecodableResponseLeavesCallPending(t *testing.T) {
	srv, err := minicluster.NewServer(&corruptOnceSerializer{inner: serializer.NewJSONSerializer()}, func(req *common.Message) (*common.Message, *common.RemoteError) {
		return &common.Message{MsgType: req.MsgType}, nil
	})
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer srv.Close()

	m := transport.NewMessenger(testOptions())
	defer m.Close()

	bad := transport.NewCall(common.NewPingRequest(), time.Now().Add(600*time.Millisecond))
	m.Send(srv.Addr(), bad)

	// The garbled response arrives well before the deadline; the call must
	// still be unresolved.
	time.Sleep(200 * time.Millisecond)
	select {
	case res := <-bad.Done():
		t.Fatalf("call resolved despite undecodable payload: %+v", res)
	default:
	}

	// The connection survived: a fresh call over it succeeds.
	if _, err := m.SendReq(context.Background(), srv.Addr(), common.NewPingRequest(), time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("call after decode failure failed: %v", err)
	}

	res := <-bad.Done()
	if !errors.Is(res.Err, common.ErrTimedOut) {
		t.Fatalf("expected the undecodable call to time out, got %v", res.Err)
	}
}

func TestMessengerClose(t *testing.T) {
	srv := echoServer(t)

	m := transport.NewMessenger(testOptions())
	if _, err := m.SendReq(context.Background(), srv.Addr(), common.NewPingRequest(), time.Now().Add(2*time.Second)); err != nil {
		t.Fatalf("request before close failed: %v", err)
	}

	m.Close()

	_, err := m.SendReq(context.Background(), srv.Addr(), common.NewPingRequest(), time.Now().Add(2*time.Second))
	var connErr *common.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError after close, got %v", err)
	}
}
