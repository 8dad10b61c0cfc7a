package exchange

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/parleyhq/parley/internal/protocol"
)

const testTimeout = 2 * time.Second

// fakeConn is an in-memory Conn fed by the test.
type fakeConn struct {
	mu      sync.Mutex
	inbound chan []byte
	sent    [][]byte
	readErr error
	closed  bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		readErr: io.EOF,
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-c.inbound
	if !ok {
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.readErr
	}
	return data, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

// push delivers one inbound message.
func (c *fakeConn) push(data string) {
	c.inbound <- []byte(data)
}

// fail ends the stream with a transport error.
func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	c.readErr = err
	c.mu.Unlock()
	c.Close()
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) sentAt(i int) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[i]
}

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func testContext() Context {
	return Context{SessionID: "s1", Seq: 1, StartedAt: time.Now()}
}

func TestControllerPlainExchange(t *testing.T) {
	conn := newFakeConn()
	ctrl := NewController("ws://test/main", &fakeDialer{conn: conn}, nil)

	opened := make(chan struct{})
	closed := make(chan struct{})
	var mu sync.Mutex
	var frames []protocol.Frame
	var closeReason CloseReason

	cb := Callbacks{
		OnOpen: func(Context) { close(opened) },
		OnFrame: func(_ Context, f protocol.Frame) {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		},
		OnError: func(_ Context, err error) { t.Errorf("unexpected OnError: %v", err) },
		OnClose: func(_ Context, r CloseReason) {
			closeReason = r
			close(closed)
		},
	}

	env := protocol.Envelope{Function: "ai_chat", MainInput: "hello"}
	if err := ctrl.Open(context.Background(), testContext(), env, cb); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitSignal(t, opened, "OnOpen")

	// The envelope was sent verbatim on readiness.
	if conn.sentCount() != 1 {
		t.Fatalf("sent %d messages, want 1", conn.sentCount())
	}
	sent, err := protocol.DecodeFrame(conn.sentAt(0))
	if err != nil {
		t.Fatalf("decode sent envelope: %v", err)
	}
	if sent.MainInput != "hello" {
		t.Errorf("sent MainInput = %q, want %q", sent.MainInput, "hello")
	}

	conn.push(`{"function":"ai_chat","chatbot":[["hello",""]]}`)
	conn.push(`{"function":"ai_chat","chatbot":[["hello","hi there"]]}`)
	conn.push(`{"function":"TERMINATE"}`)
	waitSignal(t, closed, "OnClose")

	mu.Lock()
	defer mu.Unlock()
	if len(frames) != 3 {
		t.Fatalf("received %d frames, want 3", len(frames))
	}
	if frames[1].Chatbot[0][1] != "hi there" {
		t.Errorf("frame order violated: %v", frames[1].Chatbot)
	}
	if frames[2].Kind != protocol.FrameTerminal {
		t.Errorf("last frame Kind = %v, want terminal", frames[2].Kind)
	}
	if closeReason.Cancelled {
		t.Error("natural termination flagged as cancellation")
	}
	if ctrl.State() != StateClosed {
		t.Errorf("State() = %v, want closed", ctrl.State())
	}
}

func TestControllerOpenFailure(t *testing.T) {
	ctrl := NewController("ws://test/main", &fakeDialer{err: errors.New("connection refused")}, nil)

	errored := make(chan struct{})
	cb := Callbacks{
		OnError: func(_ Context, err error) {
			if err == nil {
				t.Error("OnError with nil error")
			}
			close(errored)
		},
		OnClose: func(_ Context, r CloseReason) { t.Error("unexpected OnClose after open failure") },
	}

	if err := ctrl.Open(context.Background(), testContext(), protocol.Envelope{}, cb); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitSignal(t, errored, "OnError")

	if ctrl.State() != StateErrored {
		t.Errorf("State() = %v, want errored", ctrl.State())
	}
}

func TestControllerCancelFinalizesThroughClose(t *testing.T) {
	conn := newFakeConn()
	ctrl := NewController("ws://test/main", &fakeDialer{conn: conn}, nil)

	opened := make(chan struct{})
	closed := make(chan struct{})
	var closeCount int
	var reason CloseReason
	var mu sync.Mutex

	cb := Callbacks{
		OnOpen: func(Context) { close(opened) },
		OnError: func(_ Context, err error) {
			t.Errorf("cancel must not surface OnError, got %v", err)
		},
		OnClose: func(_ Context, r CloseReason) {
			mu.Lock()
			closeCount++
			reason = r
			mu.Unlock()
			close(closed)
		},
	}

	if err := ctrl.Open(context.Background(), testContext(), protocol.Envelope{}, cb); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitSignal(t, opened, "OnOpen")

	ctrl.Cancel()
	ctrl.Cancel() // second cancel is a no-op
	waitSignal(t, closed, "OnClose")

	// Give a duplicated close a chance to fire before asserting.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if closeCount != 1 {
		t.Errorf("OnClose fired %d times, want exactly 1", closeCount)
	}
	if !reason.Cancelled {
		t.Error("CloseReason.Cancelled = false, want true")
	}
}

func TestControllerMidStreamError(t *testing.T) {
	conn := newFakeConn()
	ctrl := NewController("ws://test/main", &fakeDialer{conn: conn}, nil)

	opened := make(chan struct{})
	errored := make(chan struct{})
	gotFrame := make(chan struct{})

	cb := Callbacks{
		OnOpen:  func(Context) { close(opened) },
		OnFrame: func(Context, protocol.Frame) { close(gotFrame) },
		OnError: func(_ Context, err error) { close(errored) },
		OnClose: func(Context, CloseReason) { t.Error("unexpected OnClose after transport error") },
	}

	if err := ctrl.Open(context.Background(), testContext(), protocol.Envelope{}, cb); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitSignal(t, opened, "OnOpen")

	conn.push(`{"function":"ai_chat","chatbot":[["q","partial"]]}`)
	waitSignal(t, gotFrame, "OnFrame")

	conn.fail(errors.New("connection reset"))
	waitSignal(t, errored, "OnError")

	if ctrl.State() != StateErrored {
		t.Errorf("State() = %v, want errored", ctrl.State())
	}
}

func TestControllerDropsMalformedFrames(t *testing.T) {
	conn := newFakeConn()
	ctrl := NewController("ws://test/main", &fakeDialer{conn: conn}, nil)

	opened := make(chan struct{})
	closed := make(chan struct{})
	var mu sync.Mutex
	var frames []protocol.Frame

	cb := Callbacks{
		OnOpen: func(Context) { close(opened) },
		OnFrame: func(_ Context, f protocol.Frame) {
			mu.Lock()
			frames = append(frames, f)
			mu.Unlock()
		},
		OnClose: func(Context, CloseReason) { close(closed) },
	}

	if err := ctrl.Open(context.Background(), testContext(), protocol.Envelope{}, cb); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitSignal(t, opened, "OnOpen")

	conn.push(`{garbage`)
	conn.push(`{"function":"ai_chat","chatbot":[["q","a"]]}`)
	conn.push(`{"function":"TERMINATE"}`)
	waitSignal(t, closed, "OnClose")

	mu.Lock()
	defer mu.Unlock()
	// The malformed frame is dropped; the exchange continues.
	if len(frames) != 2 {
		t.Fatalf("received %d frames, want 2 (malformed dropped)", len(frames))
	}
	if frames[0].Chatbot[0][1] != "a" {
		t.Errorf("first surviving frame = %v", frames[0].Chatbot)
	}
}

func TestControllerNaturalServerClose(t *testing.T) {
	conn := newFakeConn()
	ctrl := NewController("ws://test/main", &fakeDialer{conn: conn}, nil)

	opened := make(chan struct{})
	closed := make(chan struct{})
	var reason CloseReason

	cb := Callbacks{
		OnOpen: func(Context) { close(opened) },
		OnClose: func(_ Context, r CloseReason) {
			reason = r
			close(closed)
		},
		OnError: func(_ Context, err error) { t.Errorf("unexpected OnError: %v", err) },
	}

	if err := ctrl.Open(context.Background(), testContext(), protocol.Envelope{}, cb); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	waitSignal(t, opened, "OnOpen")

	conn.Close() // server hangup with io.EOF
	waitSignal(t, closed, "OnClose")

	if reason.Cancelled {
		t.Error("server close flagged as cancellation")
	}
}

func TestControllerOpenTwice(t *testing.T) {
	conn := newFakeConn()
	ctrl := NewController("ws://test/main", &fakeDialer{conn: conn}, nil)

	if err := ctrl.Open(context.Background(), testContext(), protocol.Envelope{}, Callbacks{}); err != nil {
		t.Fatalf("first Open() error = %v", err)
	}
	if err := ctrl.Open(context.Background(), testContext(), protocol.Envelope{}, Callbacks{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Open() = %v, want ErrAlreadyStarted", err)
	}
	ctrl.Cancel()
}
