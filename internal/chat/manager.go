// Package chat orchestrates sessions, exchanges and reconciliation behind a
// single event loop. All session and interface state is owned by that loop;
// exchange callbacks and public operations post onto it, which makes stale
// frames, superseded exchanges and concurrent commands a matter of ordinary
// sequencing rather than locking.
package chat

import (
	"errors"
	"log/slog"
	"time"

	"github.com/parleyhq/parley/internal/exchange"
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/reconcile"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/throughput"
)

// ErrClosed is returned by operations posted after Close.
var ErrClosed = errors.New("chat manager closed")

// ErrNoExchange is returned by Cancel when the active session has no
// exchange in flight.
var ErrNoExchange = errors.New("no exchange in flight")

// Config carries the manager's environment.
type Config struct {
	// ServerURL is the WebSocket endpoint exchanges are opened against.
	ServerURL string

	// Username is stamped into every outbound envelope's user_request.
	Username string

	// DefaultModel is the system default model identifier, used both for
	// outbound envelopes with no explicit choice and by the merge policy
	// to decide whether a server echo may overwrite the client's model.
	DefaultModel string

	// IdleTimeout cancels an exchange that produces no frames for this
	// long. Zero disables the watchdog.
	IdleTimeout time.Duration

	// TopP, Temperature and MaxLength seed the interface sampling state.
	// Nil fields stay unset and are omitted from outbound envelopes until
	// a frame supplies a value.
	TopP        *float64
	Temperature *float64
	MaxLength   *int
}

// Events receives rendering-level notifications from the manager's loop.
// All fields are optional. Callbacks run on the loop goroutine and must not
// call back into the manager.
type Events struct {
	// OnAssistantText fires with the cumulative assistant text of the
	// newest turn each time a fresh frame advances it.
	OnAssistantText func(sessionID string, turn int, text string)

	// OnExchangeDone fires once per exchange when it finalizes. err is
	// nil for close (including cancellation) and non-nil for failure.
	OnExchangeDone func(sessionID string, err error)

	// OnUploadProgress fires with throttled transfer percentages.
	OnUploadProgress func(sessionID string, percent int)
}

// liveExchange is the loop's record of one in-flight exchange. The sequence
// number is the freshness token: callbacks carrying any other sequence for
// the same session are stale and must not touch interface state.
type liveExchange struct {
	seq  uint64
	ctrl *exchange.Controller
	idle *time.Timer
}

// Manager owns the session store, the interface state and the set of live
// exchanges. Public methods are safe for concurrent use; each one executes
// on the internal loop.
type Manager struct {
	cfg     Config
	store   *session.Store
	tracker *throughput.Tracker
	dialer  exchange.Dialer
	logger  *slog.Logger
	events  Events

	ops  chan func()
	done chan struct{}

	// Loop-owned state. Never touched off the loop goroutine.
	ui      reconcile.UIState
	live    map[string]*liveExchange
	nextSeq uint64
}

// NewManager creates a manager and starts its event loop. A nil dialer
// selects the production WebSocket dialer; a nil logger selects the default.
func NewManager(cfg Config, store *session.Store, tracker *throughput.Tracker, dialer exchange.Dialer, logger *slog.Logger, events Events) *Manager {
	if store == nil {
		store = session.NewStore()
	}
	if tracker == nil {
		tracker = throughput.NewTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		store:   store,
		tracker: tracker,
		dialer:  dialer,
		logger:  logger,
		events:  events,
		ops:     make(chan func(), 64),
		done:    make(chan struct{}),
		live:    make(map[string]*liveExchange),
	}
	m.ui.Module = protocol.FunctionChat
	m.ui.Model = cfg.DefaultModel
	m.ui.TopP = cfg.TopP
	m.ui.Temperature = cfg.Temperature
	m.ui.MaxLength = cfg.MaxLength
	go m.loop()
	return m
}

func (m *Manager) loop() {
	for {
		select {
		case fn := <-m.ops:
			fn()
		case <-m.done:
			for id, le := range m.live {
				le.stopIdle()
				le.ctrl.Cancel()
				delete(m.live, id)
			}
			return
		}
	}
}

// Close stops the loop and cancels every in-flight exchange. Operations
// issued afterwards return ErrClosed.
func (m *Manager) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

// call runs fn on the loop and waits for it to finish.
func (m *Manager) call(fn func()) error {
	finished := make(chan struct{})
	select {
	case m.ops <- func() {
		fn()
		close(finished)
	}:
	case <-m.done:
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// post runs fn on the loop without waiting. Used by exchange callbacks,
// which must never block the transport goroutine on the loop's progress.
func (m *Manager) post(fn func()) {
	select {
	case m.ops <- fn:
	case <-m.done:
	}
}

// NewSession creates (or reuses, when the newest same-kind session is still
// blank) a session of the given kind and makes it active. An empty kind
// selects the currently active module.
func (m *Manager) NewSession(kind string) (session.Session, error) {
	var out session.Session
	err := m.call(func() {
		if kind == "" {
			kind = m.ui.Module
		}
		out = m.store.Create(kind)
	})
	return out, err
}

// Sessions returns every session in recency order.
func (m *Manager) Sessions() ([]session.Session, error) {
	var out []session.Session
	err := m.call(func() {
		out = m.store.List()
	})
	return out, err
}

// Active returns the active session, if any.
func (m *Manager) Active() (session.Session, bool, error) {
	var (
		out session.Session
		ok  bool
	)
	err := m.call(func() {
		out, ok = m.store.Active()
	})
	return out, ok, err
}

// Switch makes another session active. Any exchange streaming into the
// previously active session keeps running in the background.
func (m *Manager) Switch(id string) error {
	var opErr error
	if err := m.call(func() {
		opErr = m.store.SetActive(id)
	}); err != nil {
		return err
	}
	return opErr
}

// Rename sets the active session's title.
func (m *Manager) Rename(title string) error {
	var opErr error
	if err := m.call(func() {
		id := m.store.ActiveID()
		if id == "" {
			opErr = session.ErrNotFound
			return
		}
		opErr = m.store.Rename(id, title)
	}); err != nil {
		return err
	}
	return opErr
}

// Delete removes a session, cancelling its in-flight exchange if any. When
// the active session is deleted the store's replacement becomes active.
func (m *Manager) Delete(id string) error {
	var opErr error
	if err := m.call(func() {
		if le, ok := m.live[id]; ok {
			le.stopIdle()
			le.ctrl.Cancel()
			delete(m.live, id)
		}
		m.tracker.Forget(id)
		_, _, opErr = m.store.Delete(id)
	}); err != nil {
		return err
	}
	return opErr
}

// UI returns a snapshot of the interface state.
func (m *Manager) UI() (reconcile.UIState, error) {
	var out reconcile.UIState
	err := m.call(func() {
		out = m.ui
	})
	return out, err
}

// SetModel records an explicit model choice. A non-default choice is
// protected from server echoes by the merge policy.
func (m *Manager) SetModel(model string) error {
	return m.call(func() {
		m.ui.Model = model
		if id := m.store.ActiveID(); id != "" {
			m.store.Update(id, func(s session.Session) session.Session {
				s.Params.Model = model
				return s
			})
		}
	})
}

// SetSystemPrompt records the system prompt for subsequent exchanges.
func (m *Manager) SetSystemPrompt(prompt string) error {
	return m.call(func() {
		m.ui.SystemPrompt = prompt
		if id := m.store.ActiveID(); id != "" {
			m.store.Update(id, func(s session.Session) session.Session {
				s.Params.SystemPrompt = prompt
				return s
			})
		}
	})
}

// Speed returns the most recent throughput estimate for the session's
// newest observed turn. The sample survives the end of its stream.
func (m *Manager) Speed(sessionID string, turn int) (float64, bool) {
	return m.tracker.Speed(sessionID, turn)
}

func (le *liveExchange) stopIdle() {
	if le.idle != nil {
		le.idle.Stop()
	}
}

func (le *liveExchange) resetIdle(d time.Duration) {
	if le.idle != nil {
		le.idle.Reset(d)
	}
}
