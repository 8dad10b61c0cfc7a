// Package protocol implements the wire protocol spoken between the Parley
// client and the inference backend.
//
// # Protocol Overview
//
// Every exchange opens a WebSocket connection, sends a single JSON envelope
// and then receives a stream of frames until the server terminates the
// conversation turn. Frames echo the envelope shape: the server is
// authoritative for the chat history and cookies, while the remaining fields
// are only selectively populated.
//
// All messages are JSON-encoded with the following structure:
//
//	{
//	    "function": "chat",
//	    "main_input": "...",
//	    "llm_kwargs": { "llm_model": "...", "top_p": 1.0, ... },
//	    "chatbot": [ ["user text", "assistant text"], ... ],
//	    "chatbot_cookies": { ... },
//	    ...
//	}
package protocol

// Function tags understood by the backend.
const (
	// FunctionChat is the default capability tag for plain conversation.
	FunctionChat = "chat"

	// FunctionUpload marks the control envelope that opens a file transfer.
	FunctionUpload = "upload"

	// FunctionUploadDone marks the control envelope that closes a file
	// transfer, carrying the uploaded file paths in special_kwargs.
	FunctionUploadDone = "upload_done"

	// FunctionTerminate is sent by the server as the last frame of an
	// exchange.
	FunctionTerminate = "TERMINATE"
)

// Visible placeholder strings used by the upload control envelopes.
const (
	UploadingPlaceholder = "<uploading, please wait>"
	UploadDoneText       = "<done>"
)

// Well-known keys inside special_kwargs and special_state.
const (
	// SpecialFilesKey carries the uploaded file paths in special_kwargs.
	SpecialFilesKey = "files"

	// StopStateKey marks a terminal frame in special_state.
	StopStateKey = "stop"

	// UploadCompleteKey marks a transfer-complete control frame in
	// special_state.
	UploadCompleteKey = "upload_complete"
)

// LLMKwargs holds the model and sampling configuration carried by an
// envelope. Pointer fields distinguish "not supplied" from zero values so
// the merge policy can tell a deliberate setting from an omitted one.
type LLMKwargs struct {
	Model       string   `json:"llm_model,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxLength   *int     `json:"max_length,omitempty"`
}

// Envelope is the request/response payload exchanged with the backend.
// The same shape is used in both directions: outbound it is the snapshot
// that opens an exchange, inbound it is one streamed frame.
type Envelope struct {
	Function      string         `json:"function"`
	MainInput     string         `json:"main_input"`
	LLMKwargs     LLMKwargs      `json:"llm_kwargs"`
	PluginKwargs  map[string]any `json:"plugin_kwargs"`
	Chatbot       [][]string     `json:"chatbot"`
	Cookies       map[string]any `json:"chatbot_cookies"`
	History       []string       `json:"history"`
	SystemPrompt  string         `json:"system_prompt"`
	UserRequest   map[string]any `json:"user_request"`
	SpecialKwargs map[string]any `json:"special_kwargs"`
	SpecialState  map[string]any `json:"special_state"`
}

// Clone returns a deep copy of the envelope. Outbound envelopes are values:
// mutating the session after a send must not change what was already sent.
func (e Envelope) Clone() Envelope {
	out := e
	if e.Chatbot != nil {
		out.Chatbot = make([][]string, len(e.Chatbot))
		for i, pair := range e.Chatbot {
			cp := make([]string, len(pair))
			copy(cp, pair)
			out.Chatbot[i] = cp
		}
	}
	if e.History != nil {
		out.History = make([]string, len(e.History))
		copy(out.History, e.History)
	}
	out.PluginKwargs = cloneMap(e.PluginKwargs)
	out.Cookies = cloneMap(e.Cookies)
	out.UserRequest = cloneMap(e.UserRequest)
	out.SpecialKwargs = cloneMap(e.SpecialKwargs)
	out.SpecialState = cloneMap(e.SpecialState)
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
