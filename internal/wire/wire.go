// Package wire defines the JSON frames exchanged on the hub control channel.
//
// Every websocket message carries exactly one Frame. A client sends
// "invoke" frames and receives a "result" frame with the same ID. The
// server may push "event" frames at any time.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// HubPath is the websocket endpoint served by every node.
const HubPath = "/hubs/core"

// HeaderServerSelect names the node a control channel is meant for. A node
// refuses upgrades that name another node.
const HeaderServerSelect = "X-Server-Select"

// Hub method names.
const (
	MethodAuthorize             = "Authorize"
	MethodJoinUser              = "JoinUser"
	MethodLeaveUser             = "LeaveUser"
	MethodJoinPlanet            = "JoinPlanet"
	MethodLeavePlanet           = "LeavePlanet"
	MethodJoinChannel           = "JoinChannel"
	MethodLeaveChannel          = "LeaveChannel"
	MethodJoinInteractionGroup  = "JoinInteractionGroup"
	MethodLeaveInteractionGroup = "LeaveInteractionGroup"
	MethodPing                  = "Ping"
)

// Pong is the reply to MethodPing.
const Pong = "pong"

// FrameType distinguishes the three kinds of frames.
type FrameType string

const (
	FrameInvoke FrameType = "invoke"
	FrameResult FrameType = "result"
	FrameEvent  FrameType = "event"
)

// ErrMalformed is returned by Decode for frames that are not valid JSON or
// are missing required fields.
var ErrMalformed = errors.New("wire: malformed frame")

// Frame is one control channel message.
type Frame struct {
	Type   FrameType         `json:"type"`
	ID     uint64            `json:"id,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// TaskResult is the result body of most hub methods.
type TaskResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
	// Node is set on misdirected requests to the node that owns the planet.
	Node string `json:"node,omitempty"`
}

// Ok returns a successful TaskResult.
func Ok(msg string) TaskResult { return TaskResult{Success: true, Message: msg, Code: 200} }

// Fail returns a failed TaskResult.
func Fail(code int, msg string) TaskResult { return TaskResult{Code: code, Message: msg} }

// Err turns a failed TaskResult into an error, or returns nil.
func (r TaskResult) Err() error {
	if r.Success {
		return nil
	}
	return &TaskError{Code: r.Code, Message: r.Message, Node: r.Node}
}

// TaskError is a failed TaskResult seen from the calling side.
type TaskError struct {
	Code    int
	Message string
	Node    string
}

func (e *TaskError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("hub: %d %s (owner %s)", e.Code, e.Message, e.Node)
	}
	return fmt.Sprintf("hub: %d %s", e.Code, e.Message)
}

// NewInvoke builds an invoke frame, encoding each argument as JSON.
func NewInvoke(id uint64, method string, args ...any) (Frame, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode args for %s: %w", method, err)
	}
	return Frame{Type: FrameInvoke, ID: id, Method: method, Args: raw}, nil
}

// NewResult builds a successful result frame.
func NewResult(id uint64, v any) (Frame, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode result: %w", err)
	}
	return Frame{Type: FrameResult, ID: id, Result: raw}, nil
}

// NewError builds a result frame carrying a protocol-level error.
func NewError(id uint64, msg string) Frame {
	return Frame{Type: FrameResult, ID: id, Error: msg}
}

// NewEvent builds a server push frame.
func NewEvent(method string, args ...any) (Frame, error) {
	raw, err := encodeArgs(args)
	if err != nil {
		return Frame{}, fmt.Errorf("wire: encode event %s: %w", method, err)
	}
	return Frame{Type: FrameEvent, Method: method, Args: raw}, nil
}

func encodeArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		if raw, ok := a.(json.RawMessage); ok {
			out[i] = raw
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Arg decodes argument i into v.
func (f Frame) Arg(i int, v any) error {
	if i >= len(f.Args) {
		return fmt.Errorf("%w: %s expects argument %d", ErrMalformed, f.Method, i)
	}
	if err := json.Unmarshal(f.Args[i], v); err != nil {
		return fmt.Errorf("%w: %s argument %d: %v", ErrMalformed, f.Method, i, err)
	}
	return nil
}

// Encode serializes a frame.
func Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

// Decode parses and validates a frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch f.Type {
	case FrameInvoke:
		if f.Method == "" || f.ID == 0 {
			return Frame{}, fmt.Errorf("%w: invoke needs method and id", ErrMalformed)
		}
	case FrameResult:
		if f.ID == 0 {
			return Frame{}, fmt.Errorf("%w: result needs id", ErrMalformed)
		}
	case FrameEvent:
		if f.Method == "" {
			return Frame{}, fmt.Errorf("%w: event needs method", ErrMalformed)
		}
	default:
		return Frame{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, f.Type)
	}
	return f, nil
}
