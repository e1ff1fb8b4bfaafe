package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"objrpc/codec"
	"objrpc/message"
	"objrpc/middleware"
	"objrpc/protocol"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type Counter struct {
	value int
	saved map[string]any
}

func (c *Counter) Incr(n int) int {
	c.value += n
	return c.value
}

func (c *Counter) Value() int { return c.value }

func (c *Counter) Fail() error { return errors.New("counter failure") }

func (c *Counter) Panic() { panic("kaboom") }

func (c *Counter) Repeat(s string, n int) string { return strings.Repeat(s, n) }

func (c *Counter) Save(kw message.Kwargs) (int, error) {
	c.saved = make(map[string]any, len(kw))
	for k, v := range kw {
		var x any
		if err := json.Unmarshal(v, &x); err != nil {
			return 0, err
		}
		c.saved[k] = x
	}
	return len(c.saved), nil
}

// holder stores whatever it is given, verbatim.
type holder[T any] struct {
	v T
}

func (h *holder[T]) Set(v T) { h.v = v }

func (h *holder[T]) Get() T { return h.v }

// startServer connects svr on loopback and drives Step until the test ends.
func startServer(t *testing.T, target any, opts ...Option) *Server {
	t.Helper()
	svr := newServer(t, target, opts...)
	run(t, svr)
	return svr
}

func newServer(t *testing.T, target any, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithBindAddress("127.0.0.1"), WithLogger(zaptest.NewLogger(t))}, opts...)
	svr, err := NewServer(target, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return svr
}

func run(t *testing.T, svr *Server) {
	t.Helper()
	if err := svr.Connect(); err != nil {
		t.Fatal(err)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for svr.Step() {
		}
	}()
	t.Cleanup(func() {
		svr.Close()
		<-stopped
	})
}

func dial(t *testing.T, svr *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", svr.Port()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn net.Conn, seq uint32, method string, args []any, kwargs map[string]any) {
	t.Helper()
	req, err := message.NewRequest(method, args, kwargs)
	if err != nil {
		t.Fatal(err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatal(err)
	}
	header := protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	if err := protocol.Encode(conn, &header, body, 0); err != nil {
		t.Fatal(err)
	}
}

func receive(t *testing.T, conn net.Conn) (*protocol.Header, *message.Response) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header, body, err := protocol.Decode(conn, 0)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if header.MsgType != protocol.MsgTypeResponse {
		t.Fatalf("expect response frame, got type %d", header.MsgType)
	}
	resp := &message.Response{}
	if err := json.Unmarshal(body, resp); err != nil {
		t.Fatalf("decode response %q: %v", body, err)
	}
	resp.Status = message.Status(header.Status)
	return header, resp
}

func call(t *testing.T, conn net.Conn, method string, args ...any) *message.Response {
	t.Helper()
	send(t, conn, 1, method, args, nil)
	_, resp := receive(t, conn)
	return resp
}

// expectClosed waits for the server to close conn. A reset counts as closed.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Fatal("connection still open")
		}
		return
	}
}

func TestCall(t *testing.T) {
	svr := startServer(t, &Counter{})
	conn := dial(t, svr)

	for i, want := range []string{"5", "7"} {
		send(t, conn, uint32(i+10), "Incr", []any{[]int{5, 2}[i]}, nil)
		header, resp := receive(t, conn)
		if header.Seq != uint32(i+10) {
			t.Fatalf("expect seq %d echoed, got %d", i+10, header.Seq)
		}
		if !resp.Success || string(resp.Payload) != want {
			t.Fatalf("Incr: expect %s, got %+v", want, resp)
		}
	}

	resp := call(t, conn, "Value")
	if !resp.Success || string(resp.Payload) != "7" || resp.Status != message.StatusOK {
		t.Fatalf("Value: unexpected %+v", resp)
	}
}

func TestKwargs(t *testing.T) {
	svr := startServer(t, &Counter{})
	conn := dial(t, svr)

	send(t, conn, 1, "Save", nil, map[string]any{"a": 1, "b": "two"})
	_, resp := receive(t, conn)
	if !resp.Success || string(resp.Payload) != "2" {
		t.Fatalf("Save: unexpected %+v", resp)
	}

	send(t, conn, 2, "Incr", []any{1}, map[string]any{"step": 1})
	_, resp = receive(t, conn)
	if resp.Success || !strings.Contains(resp.Error, "unexpected keyword argument 'step'") {
		t.Fatalf("expect keyword error, got %+v", resp)
	}
}

func TestMethodNotFound(t *testing.T) {
	svr := startServer(t, &Counter{})
	conn := dial(t, svr)

	resp := call(t, conn, "Missing")
	if resp.Success || resp.Status != message.StatusMethodNotFound {
		t.Fatalf("expect method not found, got %+v", resp)
	}
	if resp.Error != "'Counter' object has no attribute 'Missing'" {
		t.Fatalf("unexpected message %q", resp.Error)
	}

	// Server keeps running: same connection and a new one both work
	if resp := call(t, conn, "Incr", 1); !resp.Success {
		t.Fatalf("same connection after miss: %+v", resp)
	}
	if resp := call(t, dial(t, svr), "Value"); !resp.Success || string(resp.Payload) != "1" {
		t.Fatalf("new connection after miss: %+v", resp)
	}
}

func TestCallFailed(t *testing.T) {
	svr := startServer(t, &Counter{})
	conn := dial(t, svr)

	resp := call(t, conn, "Fail")
	if resp.Success || resp.Status != message.StatusCallFailed || resp.Error != "counter failure" {
		t.Fatalf("Fail: unexpected %+v", resp)
	}

	resp = call(t, conn, "Panic")
	if resp.Success || resp.Status != message.StatusCallFailed || !strings.Contains(resp.Error, "kaboom") {
		t.Fatalf("Panic: unexpected %+v", resp)
	}

	resp = call(t, conn, "Incr", "not a number")
	if resp.Success || resp.Status != message.StatusCallFailed {
		t.Fatalf("bad argument: unexpected %+v", resp)
	}

	if resp := call(t, conn, "Incr", 3); !resp.Success || string(resp.Payload) != "3" {
		t.Fatalf("connection should survive failures: %+v", resp)
	}
}

func testVerbatim[T any](t *testing.T, v T, want string) {
	t.Helper()
	svr := startServer(t, &holder[T]{})
	conn := dial(t, svr)

	if resp := call(t, conn, "Set", v); !resp.Success || string(resp.Payload) != "null" {
		t.Fatalf("Set(%v): unexpected %+v", v, resp)
	}
	resp := call(t, conn, "Get")
	if !resp.Success || string(resp.Payload) != want {
		t.Fatalf("Get: expect %s, got %+v", want, resp)
	}
}

func TestArgumentsStoredVerbatim(t *testing.T) {
	testVerbatim(t, 7, `7`)
	testVerbatim(t, "11", `"11"`)
	testVerbatim(t, []string{"string"}, `["string"]`)
}

func TestGarbageClosesOnlyThatConnection(t *testing.T) {
	svr := startServer(t, &Counter{})
	good := dial(t, svr)
	bad := dial(t, svr)

	if resp := call(t, good, "Incr", 1); !resp.Success {
		t.Fatalf("unexpected %+v", resp)
	}

	if _, err := bad.Write([]byte("this is definitely not a frame\n")); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, bad)

	if resp := call(t, good, "Value"); !resp.Success || string(resp.Payload) != "1" {
		t.Fatalf("good connection affected: %+v", resp)
	}
}

func TestUndecodableBodyClosesConnection(t *testing.T) {
	svr := startServer(t, &Counter{})
	conn := dial(t, svr)

	header := protocol.Header{MsgType: protocol.MsgTypeRequest, Seq: 1}
	if err := protocol.Encode(conn, &header, []byte(`{"method":"Incr"}`), 0); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, conn)
}

func TestHeartbeatGetsNoReply(t *testing.T) {
	svr := startServer(t, &Counter{})
	conn := dial(t, svr)

	hb := protocol.Header{MsgType: protocol.MsgTypeHeartbeat, Seq: 1}
	if err := protocol.Encode(conn, &hb, nil, 0); err != nil {
		t.Fatal(err)
	}
	send(t, conn, 2, "Value", nil, nil)

	header, resp := receive(t, conn)
	if header.Seq != 2 || !resp.Success {
		t.Fatalf("expect reply to seq 2 only, got seq %d %+v", header.Seq, resp)
	}
}

func TestFrameTooLarge(t *testing.T) {
	svr := startServer(t, &Counter{}, WithMaxBodySize(128))

	// Oversized result: answered, connection kept
	conn := dial(t, svr)
	resp := call(t, conn, "Repeat", "x", 200)
	if resp.Success || resp.Status != message.StatusCallFailed || !strings.Contains(resp.Error, "maximum message size") {
		t.Fatalf("expect size failure, got %+v", resp)
	}
	if resp := call(t, conn, "Repeat", "x", 3); !resp.Success || string(resp.Payload) != `"xxx"` {
		t.Fatalf("unexpected %+v", resp)
	}

	// Oversized request: connection closed
	send(t, conn, 3, "Repeat", []any{strings.Repeat("y", 200), 1}, nil)
	expectClosed(t, conn)
}

func TestDisconnectWakesStep(t *testing.T) {
	svr, err := NewServer(&Counter{}, WithBindAddress("127.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	defer svr.Close()
	if err := svr.Connect(); err != nil {
		t.Fatal(err)
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for svr.Step() {
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if err := svr.Disconnect(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Step still blocked after Disconnect")
	}
	if svr.Step() {
		t.Fatal("Step should report nothing to watch")
	}
}

func TestDisconnectKeepsOpenConnections(t *testing.T) {
	svr, err := NewServer(&Counter{}, WithBindAddress("127.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	defer svr.Close()
	if err := svr.Connect(); err != nil {
		t.Fatal(err)
	}
	port := svr.Port()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		for svr.Step() {
		}
	}()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatal(err)
	}
	if resp := call(t, conn, "Incr", 2); !resp.Success {
		t.Fatalf("unexpected %+v", resp)
	}

	svr.Disconnect()
	if svr.Addr() != nil {
		t.Fatal("Addr should be nil after Disconnect")
	}
	if _, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second); err == nil {
		t.Fatal("new connections should be refused")
	}

	// Existing client is still served
	if resp := call(t, conn, "Value"); !resp.Success || string(resp.Payload) != "2" {
		t.Fatalf("unexpected %+v", resp)
	}

	select {
	case <-stopped:
		t.Fatal("loop ended while a client is connected")
	default:
	}

	conn.Close()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("loop should end once the last client leaves")
	}
}

func TestConnect(t *testing.T) {
	svr, err := NewServer(&Counter{}, WithBindAddress("127.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	if svr.Step() {
		t.Fatal("idle server has nothing to watch")
	}
	if err := svr.Connect(); err != nil {
		t.Fatal(err)
	}
	port := svr.Port()
	if port == 0 {
		t.Fatal("port should be resolved after Connect")
	}
	if err := svr.Connect(); err != nil || svr.Port() != port {
		t.Fatalf("second Connect should be a no-op, got %v port %d", err, svr.Port())
	}

	svr.Close()
	if err := svr.Connect(); !errors.Is(err, ErrServerClosed) {
		t.Fatalf("expect ErrServerClosed, got %v", err)
	}
}

func TestNewServerRejectsNil(t *testing.T) {
	if _, err := NewServer(nil); err == nil {
		t.Fatal("expect error for nil target")
	}
	if _, err := NewServerWithRegistry(nil); err == nil {
		t.Fatal("expect error for nil registry")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	svr, err := NewServer(&Counter{}, WithBindAddress("127.0.0.1"))
	if err != nil {
		t.Fatal(err)
	}
	defer svr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svr.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expect context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestMiddlewareAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	core, logs := observer.New(zap.DebugLevel)
	svr := newServer(t, &Counter{}, WithMetrics(reg, "objrpc"))
	svr.Use(middleware.LoggingMiddleware(zap.New(core)))
	run(t, svr)

	conn := dial(t, svr)
	call(t, conn, "Incr", 1)
	call(t, conn, "Fail")

	if got := testutil.ToFloat64(svr.connGauge); got != 1 {
		t.Fatalf("expect 1 open connection, got %v", got)
	}
	if n := logs.FilterMessage("call failed").Len(); n != 1 {
		t.Fatalf("expect 1 failed call logged, got %d", n)
	}

	count, err := testutil.GatherAndCount(reg, "objrpc_calls_total")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expect 2 call series, got %d", count)
	}
}

func TestStalledReaderIsDropped(t *testing.T) {
	svr := startServer(t, &Counter{}, WithMaxBodySize(4<<20), WithWriteTimeout(100*time.Millisecond))

	// Never reads: responses pile up until the socket buffers are full
	stalled := dial(t, svr)
	for i := 0; i < 16; i++ {
		send(t, stalled, uint32(i), "Repeat", []any{"x", 3 << 20}, nil)
	}

	good := dial(t, svr)
	for i := 1; i <= 3; i++ {
		if resp := call(t, good, "Incr", 1); !resp.Success || string(resp.Payload) != fmt.Sprint(i) {
			t.Fatalf("call %d: unexpected %+v", i, resp)
		}
	}

	stalled.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.Copy(io.Discard, stalled)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("stalled connection still open")
	}
}

// faultyCodec fails to encode any value fail accepts.
type faultyCodec struct {
	fail func(v any) bool
}

func (c *faultyCodec) Encode(v any) ([]byte, error) {
	if c.fail(v) {
		return nil, errors.New("codec fault")
	}
	return json.Marshal(v)
}

func (c *faultyCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }

func (c *faultyCodec) Type() codec.CodecType { return codec.CodecTypeJSON }

func TestEncodeResponse(t *testing.T) {
	svr := newServer(t, &Counter{}, WithMaxBodySize(32))
	ok := &message.Response{Success: true, Status: message.StatusOK, Payload: json.RawMessage(`7`)}

	resp, out, err := svr.encodeResponse(&codec.JSONCodec{}, ok)
	if err != nil || resp != ok || string(out) != `[true,7]` {
		t.Fatalf("unexpected %+v %s (%v)", resp, out, err)
	}

	big := &message.Response{Success: true, Payload: json.RawMessage(`"` + strings.Repeat("x", 64) + `"`)}
	resp, _, err = svr.encodeResponse(&codec.JSONCodec{}, big)
	if err != nil || resp.Status != message.StatusCallFailed || !strings.Contains(resp.Error, "exceeds maximum message size") {
		t.Fatalf("oversized: unexpected %+v (%v)", resp, err)
	}

	successOnly := &faultyCodec{fail: func(v any) bool { return v.(*message.Response).Success }}
	resp, out, err = svr.encodeResponse(successOnly, ok)
	if err != nil || resp.Status != message.StatusCallFailed || resp.Error != "encode response: codec fault" || len(out) == 0 {
		t.Fatalf("fallback: unexpected %+v %s (%v)", resp, out, err)
	}

	always := &faultyCodec{fail: func(any) bool { return true }}
	if _, _, err := svr.encodeResponse(always, ok); err == nil {
		t.Fatal("expect an error when even the failure does not encode")
	}
}
