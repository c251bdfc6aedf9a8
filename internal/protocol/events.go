package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Client -> server events.
const (
	EventCreateSession  = "create-session"
	EventUpdateSession  = "update-session"
	EventDeleteSession  = "delete-session"
	EventGetAllSessions = "get-all-sessions"
)

// Server -> client events.
const (
	EventSessionUpdated = "session-updated"
	EventSessionDeleted = "session-deleted"
	EventAllSessions    = "all-sessions"
)

// Envelope is a single frame on the wire: {"event": "...", "data": ...}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame for event. A nil payload produces a frame without data.
func Encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses a frame. Frames without an event name are malformed.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return env, nil
}

// DecodeBatch parses either a single frame or a JSON array of frames,
// as submitted by polling clients.
func DecodeBatch(raw []byte) ([]Envelope, error) {
	var batch []json.RawMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		env, err := Decode(raw)
		if err != nil {
			return nil, err
		}
		return []Envelope{env}, nil
	}

	envs := make([]Envelope, 0, len(batch))
	for _, item := range batch {
		env, err := Decode(item)
		if err != nil {
			return nil, err
		}
		envs = append(envs, env)
	}
	return envs, nil
}
