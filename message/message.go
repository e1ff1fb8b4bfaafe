// Package message defines the request and response exchanged between client and server.
//
// A Request travels as a three element JSON array and a Response as a two element
// JSON array. The codec layer serializes them and the protocol layer wraps the
// resulting bytes in a frame for transmission over TCP.
//
//	request:  ["Method", [arg0, arg1, ...], {"key": value, ...}]
//	response: [true, result]  or  [false, "error description"]
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Args holds positional arguments as raw JSON values, in call order.
type Args []json.RawMessage

// Kwargs holds keyword arguments as raw JSON values.
//
// A method that declares a trailing Kwargs parameter receives the keyword
// arguments of the call in it.
type Kwargs map[string]json.RawMessage

// Status classifies a response. It is carried in the frame header, the JSON
// body only knows success or failure.
type Status byte

const (
	StatusOK             Status = 0
	StatusMethodNotFound Status = 1 // The registry has no entry for the name
	StatusCallFailed     Status = 2 // The method returned an error or panicked
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMethodNotFound:
		return "method_not_found"
	case StatusCallFailed:
		return "call_failed"
	}
	return fmt.Sprintf("status(%d)", byte(s))
}

var (
	ErrMalformedRequest  = errors.New("message: malformed request")
	ErrMalformedResponse = errors.New("message: malformed response")
)

// Request carries one call: the method name plus positional and keyword arguments.
type Request struct {
	Method string
	Args   Args
	Kwargs Kwargs
}

// NewRequest encodes native Go arguments into a Request.
func NewRequest(method string, args []any, kwargs map[string]any) (*Request, error) {
	req := &Request{
		Method: method,
		Args:   make(Args, 0, len(args)),
		Kwargs: make(Kwargs, len(kwargs)),
	}
	for i, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("message: encode arg %d of %s: %w", i, method, err)
		}
		req.Args = append(req.Args, raw)
	}
	for k, v := range kwargs {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("message: encode kwarg %q of %s: %w", k, method, err)
		}
		req.Kwargs[k] = raw
	}
	return req, nil
}

func (r *Request) MarshalJSON() ([]byte, error) {
	args := r.Args
	if args == nil {
		args = Args{}
	}
	kwargs := r.Kwargs
	if kwargs == nil {
		kwargs = Kwargs{}
	}
	return json.Marshal([3]any{r.Method, args, kwargs})
}

// UnmarshalJSON accepts exactly [string, array, object]. A null args or kwargs
// element is read as empty.
func (r *Request) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("%w: expected 3 elements, got %d", ErrMalformedRequest, len(parts))
	}
	if !isKind(parts[0], '"') {
		return fmt.Errorf("%w: method name must be a string", ErrMalformedRequest)
	}
	if err := json.Unmarshal(parts[0], &r.Method); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if !isKind(parts[1], '[') && !isNull(parts[1]) {
		return fmt.Errorf("%w: args must be an array", ErrMalformedRequest)
	}
	r.Args = nil
	if err := json.Unmarshal(parts[1], &r.Args); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	if !isKind(parts[2], '{') && !isNull(parts[2]) {
		return fmt.Errorf("%w: kwargs must be an object", ErrMalformedRequest)
	}
	r.Kwargs = nil
	if err := json.Unmarshal(parts[2], &r.Kwargs); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return nil
}

// Response carries the outcome of one call.
//
//   - On success: Payload holds the JSON encoded result.
//   - On failure: Error holds the description and Status says why.
type Response struct {
	Success bool
	Status  Status
	Payload json.RawMessage
	Error   string
}

// Failure builds a failed response.
func Failure(status Status, format string, a ...any) *Response {
	return &Response{Status: status, Error: fmt.Sprintf(format, a...)}
}

func (r *Response) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal([2]any{false, r.Error})
	}
	payload := r.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal([2]any{true, payload})
}

// UnmarshalJSON accepts exactly [bool, value]. Status is not part of the body
// and is left untouched.
func (r *Response) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("%w: expected 2 elements, got %d", ErrMalformedResponse, len(parts))
	}
	if err := json.Unmarshal(parts[0], &r.Success); err != nil {
		return fmt.Errorf("%w: success flag: %v", ErrMalformedResponse, err)
	}
	if r.Success {
		r.Payload = append(json.RawMessage(nil), parts[1]...)
		r.Error = ""
		return nil
	}
	r.Payload = nil
	if err := json.Unmarshal(parts[1], &r.Error); err != nil {
		// Non-string failure payloads are passed through as their JSON text.
		r.Error = string(parts[1])
	}
	return nil
}

func isKind(raw json.RawMessage, open byte) bool {
	raw = bytes.TrimLeft(raw, " \t\r\n")
	return len(raw) > 0 && raw[0] == open
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
