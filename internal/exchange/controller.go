package exchange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/parleyhq/parley/internal/protocol"
)

// State is the controller's position in the exchange lifecycle:
// Idle -> Opening -> Open -> (Streaming)* -> Closed | Errored.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateOpen
	StateStreaming
	StateClosed
	StateErrored
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrAlreadyStarted is returned when Open is called twice on one controller.
var ErrAlreadyStarted = errors.New("exchange already started")

// Controller drives one exchange over one connection. Transport errors,
// open failures and decode failures are all surfaced through the lifecycle
// callbacks, never thrown synchronously to the caller of Open.
type Controller struct {
	url    string
	dialer Dialer
	logger *slog.Logger

	mu        sync.Mutex
	state     State
	conn      Conn
	started   bool
	cancelled bool
	finalized bool

	// writeMu serializes sends between the open goroutine and the upload
	// completion callback, which share the connection.
	writeMu sync.Mutex
}

// NewController creates a controller for a single exchange against the
// given endpoint. A nil dialer selects the production WebSocket dialer.
func NewController(url string, dialer Dialer, logger *slog.Logger) *Controller {
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		url:    url,
		dialer: dialer,
		logger: logger,
		state:  StateIdle,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open starts a plain exchange: dial, send the envelope once the connection
// is ready, then run the receive loop until terminal close or error. It
// returns an error only if the controller was already used; everything else
// arrives through the callbacks.
func (c *Controller) Open(ctx context.Context, exctx Context, env protocol.Envelope, cb Callbacks) error {
	return c.open(ctx, exctx, env, nil, nil, cb)
}

// OpenUpload starts an upload-bearing exchange: the first send is the
// "transfer beginning" control envelope, the transport moves the bytes
// out-of-band, and its completion triggers the "transfer complete" envelope
// on the same connection.
func (c *Controller) OpenUpload(ctx context.Context, exctx Context, env protocol.Envelope, transport Transport, payload any, cb Callbacks) error {
	if transport == nil {
		return errors.New("upload exchange requires a transport")
	}
	return c.open(ctx, exctx, env, transport, payload, cb)
}

func (c *Controller) open(ctx context.Context, exctx Context, env protocol.Envelope, transport Transport, payload any, cb Callbacks) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.state = StateOpening
	c.mu.Unlock()

	go c.run(ctx, exctx, env, transport, payload, cb)
	return nil
}

// Cancel forcibly closes the underlying connection. Finalization is
// asynchronous: it arrives through the same OnClose path used for natural
// termination. Cancelling an already-finalized exchange is a no-op.
func (c *Controller) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (c *Controller) run(ctx context.Context, exctx Context, env protocol.Envelope, transport Transport, payload any, cb Callbacks) {
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.finalizeError(cb, exctx, fmt.Errorf("open connection: %w", err))
		return
	}

	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		conn.Close()
		c.finalizeClose(cb, exctx, CloseReason{Cancelled: true, Message: "cancelled before open"})
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()

	// Send the opening envelope: for upload mode the "transfer beginning"
	// control envelope, otherwise the exchange snapshot itself.
	first := env
	if transport != nil {
		first = protocol.BuildUploadBegin(env)
	}
	if err := c.send(first); err != nil {
		conn.Close()
		c.finalizeError(cb, exctx, fmt.Errorf("send envelope: %w", err))
		return
	}
	if cb.OnOpen != nil {
		cb.OnOpen(exctx)
	}

	if transport != nil {
		go c.runTransfer(exctx, env, transport, payload, cb)
	}

	c.receiveLoop(conn, exctx, cb)
}

func (c *Controller) receiveLoop(conn Conn, exctx Context, cb Callbacks) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			cancelled := c.cancelled
			c.mu.Unlock()

			switch {
			case cancelled:
				c.finalizeClose(cb, exctx, CloseReason{Cancelled: true, Message: "cancelled"})
			case isNormalClose(err):
				c.finalizeClose(cb, exctx, CloseReason{Message: "connection closed"})
			default:
				c.finalizeError(cb, exctx, fmt.Errorf("receive: %w", err))
			}
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			// One bad frame does not end the exchange; later frames
			// are self-contained snapshots.
			c.logger.Warn("Dropping malformed frame",
				"session_id", exctx.SessionID,
				"seq", exctx.Seq,
				"error", err)
			continue
		}

		c.mu.Lock()
		if c.finalized {
			c.mu.Unlock()
			return
		}
		c.state = StateStreaming
		c.mu.Unlock()

		if cb.OnFrame != nil {
			cb.OnFrame(exctx, frame)
		}

		if frame.Kind == protocol.FrameTerminal {
			conn.Close()
			c.finalizeClose(cb, exctx, CloseReason{Message: "server terminated"})
			return
		}
	}
}

// send serializes and writes one envelope on the exchange connection.
func (c *Controller) send(env protocol.Envelope) error {
	data, err := protocol.EncodeRequest(env)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	finalized := c.finalized
	c.mu.Unlock()
	if conn == nil || finalized {
		return errors.New("connection not open")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// finalizeError transitions to Errored and fires OnError. At most one
// terminal callback ever fires for an exchange.
func (c *Controller) finalizeError(cb Callbacks, exctx Context, err error) {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	c.state = StateErrored
	c.mu.Unlock()

	c.logger.Debug("Exchange errored",
		"session_id", exctx.SessionID,
		"seq", exctx.Seq,
		"error", err)
	if cb.OnError != nil {
		cb.OnError(exctx, err)
	}
}

// finalizeClose transitions to Closed and fires OnClose. Cancellation and
// natural termination share this path, so finalization logic is never
// duplicated.
func (c *Controller) finalizeClose(cb Callbacks, exctx Context, reason CloseReason) {
	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return
	}
	c.finalized = true
	c.state = StateClosed
	c.mu.Unlock()

	c.logger.Debug("Exchange closed",
		"session_id", exctx.SessionID,
		"seq", exctx.Seq,
		"cancelled", reason.Cancelled,
		"reason", reason.Message)
	if cb.OnClose != nil {
		cb.OnClose(exctx, reason)
	}
}

// isNormalClose reports whether a read error represents orderly termination
// rather than a transport failure.
func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
