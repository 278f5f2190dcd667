// Package wire defines the JSON frame protocol spoken between a client and
// the helix gateway: tagged req/res/event frames, the connect handshake, and
// the error code taxonomy.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Frame type discriminators.
const (
	TypeRequest  = "req"
	TypeResponse = "res"
	TypeEvent    = "event"
)

// Request asks the gateway to run a dot-namespaced method.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response settles the request with the matching ID, carrying either a
// result or an error but never both.
type Response struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Event is a server-pushed notification; it is never acknowledged.
type Event struct {
	Type  string          `json:"type"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request frame with a fresh UUIDv4 id.
// A nil params marshals to an absent field.
func NewRequest(method string, params any) (Request, error) {
	req := Request{Type: TypeRequest, ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Request{}, fmt.Errorf("marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// NewEvent builds an event frame.
func NewEvent(name string, data any) (Event, error) {
	ev := Event{Type: TypeEvent, Event: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("marshal data for event %s: %w", name, err)
		}
		ev.Data = raw
	}
	return ev, nil
}

// Encode serializes a frame to one JSON message.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// Decode parses one JSON message into a Request, Response or Event,
// validating the type discriminator and the fields that type requires.
func Decode(data []byte) (any, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case TypeRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("decode request frame: %w", err)
		}
		if req.ID == "" || req.Method == "" {
			return nil, fmt.Errorf("request frame missing id or method")
		}
		return req, nil
	case TypeResponse:
		var res Response
		if err := json.Unmarshal(data, &res); err != nil {
			return nil, fmt.Errorf("decode response frame: %w", err)
		}
		if res.ID == "" {
			return nil, fmt.Errorf("response frame missing id")
		}
		return res, nil
	case TypeEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode event frame: %w", err)
		}
		if ev.Event == "" {
			return nil, fmt.Errorf("event frame missing event name")
		}
		return ev, nil
	case "":
		return nil, fmt.Errorf("frame missing type discriminator")
	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}
