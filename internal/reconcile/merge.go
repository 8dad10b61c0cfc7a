// Package reconcile implements the smart-merge policy applied to every
// inbound frame. The server's echo is not authoritative for every field:
// the conversation content and cookies are, while the user's in-progress
// input and explicitly chosen parameters must survive stale or
// default-valued echoes.
package reconcile

import (
	"github.com/parleyhq/parley/internal/protocol"
	"github.com/parleyhq/parley/internal/session"
)

// UIState is the locally-owned interface state that frames merge into
// alongside the session. The rendering layer consumes it read-only.
type UIState struct {
	// Module is the currently selected backend capability tag.
	Module string

	// MainInput mirrors the input box. A streaming frame legitimately
	// omits it so the user's in-progress typing is never erased.
	MainInput string

	// Model, SystemPrompt and the sampling fields mirror the session's
	// locally-owned parameters.
	Model        string
	SystemPrompt string
	TopP         *float64
	Temperature  *float64
	MaxLength    *int

	// LastUploaded is the side-channel "last uploaded artifact" slot,
	// republished when a transfer-complete frame carries an embedded
	// upload path. Collaborators read it; it is never a merge target.
	LastUploaded string
}

// Options carries the environment the merge policy needs.
type Options struct {
	// DefaultModel is the system default model identifier. A client value
	// equal to it (or empty) may still be overwritten by a server echo; a
	// user-chosen non-default value may not.
	DefaultModel string
}

// Merge computes the next session and UI state from an inbound frame. It is
// a pure function: inputs are not mutated, and applying the same frame twice
// yields the same result as applying it once.
func Merge(sess session.Session, ui UIState, frame protocol.Frame, opts Options) (session.Session, UIState) {
	next := sess.Clone()

	// Session-type tag: adopt only if present.
	if frame.Function != "" {
		ui.Module = frame.Function
	}

	// Main input: adopt only if non-empty.
	if frame.MainInput != "" {
		ui.MainInput = frame.MainInput
	}

	// Turn history and cookies are server-authoritative: replace
	// wholesale.
	next.Turns = turnsFromPairs(frame.Chatbot)
	next.Cookies = copyCookies(frame.Cookies)

	// Model identifier: adopt only while the client still holds the
	// system default (or nothing). Either condition permits adoption.
	if m := frame.LLMKwargs.Model; m != "" {
		if ui.Model == "" || ui.Model == opts.DefaultModel {
			ui.Model = m
			next.Params.Model = m
		}
	}

	// System prompt: adopt only if non-empty.
	if p := frame.SystemPrompt; p != "" {
		ui.SystemPrompt = p
		next.Params.SystemPrompt = p
	}

	// Sampling parameters: adopt only if supplied.
	if v := frame.LLMKwargs.TopP; v != nil {
		ui.TopP = ptr(*v)
		next.Params.TopP = ptr(*v)
	}
	if v := frame.LLMKwargs.Temperature; v != nil {
		ui.Temperature = ptr(*v)
		next.Params.Temperature = ptr(*v)
	}
	if v := frame.LLMKwargs.MaxLength; v != nil {
		ui.MaxLength = ptr(*v)
		next.Params.MaxLength = ptr(*v)
	}

	// Transfer-complete control marker: republish the embedded upload
	// path into the artifact slot. One-way enrichment.
	if frame.Kind == protocol.FrameControl {
		if text, ok := lastAssistantText(next.Turns); ok {
			if path, found := ExtractUploadPath(text); found {
				ui.LastUploaded = path
			}
		}
	}

	return next, ui
}

// turnsFromPairs converts the wire chatbot pairs into typed turns. Short or
// oversized pairs are tolerated; only the first two elements are used.
func turnsFromPairs(pairs [][]string) []session.Turn {
	if pairs == nil {
		return nil
	}
	turns := make([]session.Turn, 0, len(pairs))
	for _, pair := range pairs {
		var turn session.Turn
		if len(pair) > 0 {
			turn.User = pair[0]
		}
		if len(pair) > 1 {
			turn.Assistant = pair[1]
		}
		turns = append(turns, turn)
	}
	return turns
}

func copyCookies(cookies map[string]any) map[string]any {
	if cookies == nil {
		return nil
	}
	out := make(map[string]any, len(cookies))
	for k, v := range cookies {
		out[k] = v
	}
	return out
}

func lastAssistantText(turns []session.Turn) (string, bool) {
	if len(turns) == 0 {
		return "", false
	}
	return turns[len(turns)-1].Assistant, true
}

func ptr[T any](v T) *T { return &v }
