// Package rpc exposes the backend over newline-delimited JSON on stdio.
//
// Each input line is a request {"id", "method", "params"}. Each request gets
// exactly one response line, {"id", "result"} or {"id", "error"}, where the
// error is a human-readable string. Notifications are written as
// {"event": <topic>, "payload": <notification>} and may interleave with
// responses at any point.
package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/zjrosen/banshee/internal/events"
)

// Request is one inbound call.
type Request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Event is an unsolicited notification line.
type Event struct {
	Event   string              `json:"event"`
	Payload events.Notification `json:"payload"`
}

var nullResult = json.RawMessage("null")

// NewResult builds a success response. A nil result is encoded as null.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	if result == nil {
		return &Response{ID: id, Result: nullResult}, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{ID: id, Result: data}, nil
}

// NewError builds an error response.
func NewError(id json.RawMessage, err error) *Response {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return &Response{ID: id, Error: msg}
}

// ErrMethodNotFound is returned for unknown methods.
type ErrMethodNotFound string

func (e ErrMethodNotFound) Error() string { return "unknown method: " + string(e) }

// InvalidParamsError wraps a params decoding failure.
type InvalidParamsError struct{ Err error }

func (e *InvalidParamsError) Error() string { return "invalid params: " + e.Err.Error() }

func (e *InvalidParamsError) Unwrap() error { return e.Err }
