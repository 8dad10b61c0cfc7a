package exchange

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/internal/protocol"
)

// progressInterval throttles intermediate upload progress reports so a
// chatty transport cannot flood the caller's event loop. Terminal reports
// (100%) always pass.
const progressInterval = 100 * time.Millisecond

// Transport moves upload bytes out-of-band. The core never interprets
// transfer internals; it only sequences the control envelopes around the
// transport's progress and completion reports.
type Transport interface {
	// Begin starts the transfer. Implementations report progress as a
	// 0..100 percentage and call onComplete exactly once with the
	// resulting server-side paths, or an error text on failure.
	Begin(payload any, onProgress func(percent int), onComplete func(paths []string, errText string))
}

// runTransfer drives the out-of-band transfer of an upload exchange and
// pushes the "transfer complete" control envelope once the transport
// reports completion. The second send never precedes that callback.
func (c *Controller) runTransfer(exctx Context, env protocol.Envelope, transport Transport, payload any, cb Callbacks) {
	limiter := rate.NewLimiter(rate.Every(progressInterval), 1)
	var once sync.Once

	transport.Begin(payload,
		func(percent int) {
			if percent < 100 && !limiter.Allow() {
				return
			}
			if cb.OnUploadProgress != nil {
				cb.OnUploadProgress(exctx, percent)
			}
		},
		func(paths []string, errText string) {
			once.Do(func() {
				if errText != "" {
					c.logger.Warn("Upload transport failed",
						"session_id", exctx.SessionID,
						"seq", exctx.Seq,
						"error", errText)
				}
				done := protocol.BuildUploadDone(env, paths, errText)
				if err := c.send(done); err != nil {
					// The receive loop surfaces the underlying
					// transport failure; nothing to add here.
					c.logger.Warn("Failed to send transfer-complete envelope",
						"session_id", exctx.SessionID,
						"seq", exctx.Seq,
						"error", err)
				}
			})
		},
	)
}
