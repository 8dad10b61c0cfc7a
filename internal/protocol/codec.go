package protocol

import (
	"encoding/json"
	"fmt"
)

// FrameKind classifies a decoded inbound frame.
type FrameKind int

const (
	// FrameUpdate is a plain streaming update carrying new or grown turns.
	FrameUpdate FrameKind = iota

	// FrameControl is an upload acknowledgement or transfer-complete
	// marker embedded in the frame's special_state.
	FrameControl

	// FrameTerminal ends the exchange. The server tags it with the
	// TERMINATE function or a stop marker in special_state.
	FrameTerminal
)

// String returns a human-readable name for the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameUpdate:
		return "update"
	case FrameControl:
		return "control"
	case FrameTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("FrameKind(%d)", int(k))
	}
}

// Frame is one decoded inbound message.
type Frame struct {
	Envelope
	Kind FrameKind
}

// MalformedFrameError reports an inbound message that could not be decoded.
// The receive loop drops the frame and continues: subsequent frames are
// self-contained snapshots, so one bad frame is recoverable.
type MalformedFrameError struct {
	Data []byte
	Err  error
}

func (e *MalformedFrameError) Error() string {
	return fmt.Sprintf("malformed frame (%d bytes): %v", len(e.Data), e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// EncodeRequest serializes an outbound envelope. The serialization is
// deterministic: struct fields in declaration order, map keys sorted.
func EncodeRequest(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

// DecodeFrame parses one inbound message into a typed frame. It never
// panics: malformed input is returned as a *MalformedFrameError value.
func DecodeFrame(data []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, &MalformedFrameError{Data: data, Err: err}
	}
	return Frame{Envelope: env, Kind: classify(env)}, nil
}

// classify derives the frame kind from the envelope's control fields.
// Terminal markers win over control markers.
func classify(env Envelope) FrameKind {
	if env.Function == FunctionTerminate || truthy(env.SpecialState[StopStateKey]) {
		return FrameTerminal
	}
	if truthy(env.SpecialState[UploadCompleteKey]) {
		return FrameControl
	}
	return FrameUpdate
}

// truthy interprets a JSON value the way the original protocol does:
// booleans as-is, non-zero numbers and non-empty strings are true.
func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return false
	}
}
