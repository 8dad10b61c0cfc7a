// Package exchange owns the lifecycle of a single connection per outbound
// exchange: open, send, receive loop, close, error. One Controller serves
// exactly one exchange; starting a new exchange on a session supersedes any
// prior one.
package exchange

import (
	"time"

	"github.com/parleyhq/parley/internal/protocol"
)

// Context identifies the exchange a callback belongs to. It is an immutable
// value assigned at exchange creation and passed to every callback
// explicitly, so late frames can never be misattributed to whichever session
// happens to be current at receive time.
type Context struct {
	SessionID string
	Seq       uint64
	StartedAt time.Time
}

// CloseReason describes how an exchange terminated through the close path.
// User cancellation is not a failure; it is an intent marker only.
type CloseReason struct {
	Cancelled bool
	Message   string
}

// Callbacks receives the exchange lifecycle events. All callbacks are
// optional; nil callbacks are ignored. For one exchange, exactly one of
// OnError or OnClose fires, exactly once.
type Callbacks struct {
	// OnOpen is called after the connection is established and the
	// opening envelope has been sent.
	OnOpen func(ctx Context)

	// OnFrame is called for every decoded inbound frame, in transport
	// delivery order.
	OnFrame func(ctx Context, frame protocol.Frame)

	// OnError is called at most once on transport or open failure. No
	// further sends or receives are processed afterwards.
	OnError func(ctx Context, err error)

	// OnClose is called at most once on termination through the close
	// path: server close, terminal frame, or cancellation.
	OnClose func(ctx Context, reason CloseReason)

	// OnUploadProgress is called with transfer percentages during an
	// upload-mode exchange. Intermediate reports are throttled.
	OnUploadProgress func(ctx Context, percent int)
}
