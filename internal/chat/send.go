package chat

import (
	"context"
	"time"

	"github.com/parleyhq/parley/internal/exchange"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/reconcile"
	"github.com/parleyhq/parley/internal/session"
)

// Send opens a new exchange carrying input on the active session, creating
// one if none exists. A still-running exchange on the same session is
// superseded: cancelled, with its late callbacks ignored.
func (m *Manager) Send(ctx context.Context, input string) error {
	var opErr error
	if err := m.call(func() {
		opErr = m.startExchange(ctx, input, nil, nil)
	}); err != nil {
		return err
	}
	return opErr
}

// SendUpload opens an upload-mode exchange: the transport moves payload
// out-of-band while the connection carries the transfer control envelopes.
func (m *Manager) SendUpload(ctx context.Context, input string, transport exchange.Transport, payload any) error {
	var opErr error
	if err := m.call(func() {
		opErr = m.startExchange(ctx, input, transport, payload)
	}); err != nil {
		return err
	}
	return opErr
}

// Cancel aborts the active session's in-flight exchange. Finalization
// arrives asynchronously through the exchange's close path.
func (m *Manager) Cancel() error {
	var opErr error
	if err := m.call(func() {
		id := m.store.ActiveID()
		le, ok := m.live[id]
		if !ok {
			opErr = ErrNoExchange
			return
		}
		le.ctrl.Cancel()
	}); err != nil {
		return err
	}
	return opErr
}

// startExchange runs on the loop. It snapshots the session, supersedes any
// running exchange, stamps the waiting flag and derives the title, then
// hands the exchange to a fresh controller.
func (m *Manager) startExchange(ctx context.Context, input string, transport exchange.Transport, payload any) error {
	sess, ok := m.store.Active()
	if !ok {
		sess = m.store.Create(m.ui.Module)
	}

	if old, running := m.live[sess.ID]; running {
		old.stopIdle()
		old.ctrl.Cancel()
	}

	m.nextSeq++
	exctx := exchange.Context{
		SessionID: sess.ID,
		Seq:       m.nextSeq,
		StartedAt: time.Now(),
	}

	title := sess.Title
	if sess.Title == session.SentinelTitle && input != "" {
		title = session.DeriveTitle(input)
	}
	m.store.Update(sess.ID, func(s session.Session) session.Session {
		s.Title = title
		s.IsWaiting = true
		s.IsStreaming = false
		return s
	})

	env := m.buildEnvelope(sess, input)
	ctrl := exchange.NewController(m.cfg.ServerURL, m.dialer, m.logger)
	le := &liveExchange{seq: exctx.Seq, ctrl: ctrl}
	if m.cfg.IdleTimeout > 0 {
		le.idle = time.AfterFunc(m.cfg.IdleTimeout, ctrl.Cancel)
	}
	m.live[sess.ID] = le

	cb := exchange.Callbacks{
		OnFrame: func(exctx exchange.Context, frame protocol.Frame) {
			m.post(func() { m.handleFrame(exctx, frame) })
		},
		OnError: func(exctx exchange.Context, err error) {
			m.post(func() { m.finishExchange(exctx, err) })
		},
		OnClose: func(exctx exchange.Context, _ exchange.CloseReason) {
			m.post(func() { m.finishExchange(exctx, nil) })
		},
		OnUploadProgress: func(exctx exchange.Context, percent int) {
			m.post(func() {
				if m.isFresh(exctx) && m.events.OnUploadProgress != nil {
					m.events.OnUploadProgress(exctx.SessionID, percent)
				}
			})
		},
	}

	m.logger.Debug("Starting exchange",
		"session_id", sess.ID,
		"seq", exctx.Seq,
		"function", env.Function,
		"upload", transport != nil)

	if transport != nil {
		return ctrl.OpenUpload(ctx, exctx, env, transport, payload, cb)
	}
	return ctrl.Open(ctx, exctx, env, cb)
}

// buildEnvelope assembles the outbound snapshot from the session and the
// interface state. The session value is already a store clone, so the
// envelope aliases nothing a later mutation can reach.
func (m *Manager) buildEnvelope(sess session.Session, input string) protocol.Envelope {
	module := m.ui.Module
	if module == "" {
		module = protocol.FunctionChat
	}
	model := m.ui.Model
	if model == "" {
		model = sess.Params.Model
	}
	if model == "" {
		model = m.cfg.DefaultModel
	}
	prompt := m.ui.SystemPrompt
	if prompt == "" {
		prompt = sess.Params.SystemPrompt
	}

	return protocol.Envelope{
		Function:  module,
		MainInput: input,
		LLMKwargs: protocol.LLMKwargs{
			Model:       model,
			TopP:        m.ui.TopP,
			Temperature: m.ui.Temperature,
			MaxLength:   m.ui.MaxLength,
		},
		PluginKwargs:  map[string]any{},
		Chatbot:       pairsFromTurns(sess.Turns),
		Cookies:       sess.Cookies,
		History:       historyFromTurns(sess.Turns),
		SystemPrompt:  prompt,
		UserRequest:   map[string]any{"username": m.cfg.Username},
		SpecialKwargs: map[string]any{},
		SpecialState:  map[string]any{},
	}
}

// isFresh reports whether the callback's exchange is still the session's
// current one. Superseded and finalized exchanges fail this check.
func (m *Manager) isFresh(exctx exchange.Context) bool {
	le, ok := m.live[exctx.SessionID]
	return ok && le.seq == exctx.Seq
}

// handleFrame runs on the loop for every inbound frame. Fresh frames merge
// into both the session and the interface state and feed the throughput
// tracker; stale frames still enrich the stored session but leave the
// interface, the flags and the tracker alone.
func (m *Manager) handleFrame(exctx exchange.Context, frame protocol.Frame) {
	sess, ok := m.store.Get(exctx.SessionID)
	if !ok {
		// Session deleted while its exchange was draining.
		return
	}
	fresh := m.isFresh(exctx)

	merged, ui := reconcile.Merge(sess, m.ui, frame, reconcile.Options{DefaultModel: m.cfg.DefaultModel})
	if fresh {
		m.ui = ui
		m.live[exctx.SessionID].resetIdle(m.cfg.IdleTimeout)
	}

	turn := len(merged.Turns) - 1
	var text string
	if turn >= 0 {
		text = merged.Turns[turn].Assistant
	}

	m.store.Update(exctx.SessionID, func(s session.Session) session.Session {
		s.Turns = merged.Turns
		s.Cookies = merged.Cookies
		s.Params = merged.Params
		if fresh && text != "" {
			s.IsWaiting = false
			s.IsStreaming = true
		}
		return s
	})

	if !fresh || turn < 0 {
		return
	}
	m.tracker.Observe(exctx.SessionID, turn, len([]rune(text)))
	if text != "" && m.events.OnAssistantText != nil {
		m.events.OnAssistantText(exctx.SessionID, turn, text)
	}
}

// finishExchange runs on the loop when an exchange finalizes. Only the
// session's current exchange may clear the transient flags; a superseded
// exchange's finalization is dropped so it cannot stomp on its successor.
func (m *Manager) finishExchange(exctx exchange.Context, err error) {
	if !m.isFresh(exctx) {
		return
	}
	le := m.live[exctx.SessionID]
	le.stopIdle()
	delete(m.live, exctx.SessionID)

	m.store.Update(exctx.SessionID, func(s session.Session) session.Session {
		s.IsWaiting = false
		s.IsStreaming = false
		return s
	})

	if err != nil {
		m.logger.Warn("Exchange failed",
			"session_id", exctx.SessionID,
			"seq", exctx.Seq,
			"error", err)
	}
	if m.events.OnExchangeDone != nil {
		m.events.OnExchangeDone(exctx.SessionID, err)
	}
}

// pairsFromTurns converts typed turns back into wire chatbot pairs.
func pairsFromTurns(turns []session.Turn) [][]string {
	pairs := make([][]string, 0, len(turns))
	for _, turn := range turns {
		pairs = append(pairs, []string{turn.User, turn.Assistant})
	}
	return pairs
}

// historyFromTurns flattens turns into the alternating user/assistant list
// the backend expects.
func historyFromTurns(turns []session.Turn) []string {
	history := make([]string, 0, 2*len(turns))
	for _, turn := range turns {
		history = append(history, turn.User, turn.Assistant)
	}
	return history
}
