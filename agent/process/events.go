package process

import (
	"encoding/json"
	"fmt"
)

// EventType is the "type" tag of an event on the wire.
type EventType string

const (
	EventStdout EventType = "STDOUT"
	EventStderr EventType = "STDERR"
	EventExit   EventType = "EXIT"
)

// Event is one message sent to the client. The set of events is closed:
// StdoutEvent, StderrEvent and ExitEvent are the only implementations.
type Event interface {
	Type() EventType
	isEvent()
}

// OutputEvent is an event produced by a pump. ExitEvent is not one,
// so a pump cannot emit the terminal event.
type OutputEvent interface {
	Event
	isOutput()
}

type StdoutEvent struct {
	PID           int    `json:"pid"`
	Data          string `json:"data"`
	IsInputPrompt bool   `json:"is_input_prompt"`
}

type StderrEvent struct {
	PID  int    `json:"pid"`
	Data string `json:"data"`
}

type ExitEvent struct {
	PID        int `json:"pid"`
	ReturnCode int `json:"returncode"`
}

func (StdoutEvent) Type() EventType { return EventStdout }
func (StderrEvent) Type() EventType { return EventStderr }
func (ExitEvent) Type() EventType   { return EventExit }

func (StdoutEvent) isEvent() {}
func (StderrEvent) isEvent() {}
func (ExitEvent) isEvent()   {}

func (StdoutEvent) isOutput() {}
func (StderrEvent) isOutput() {}

// envelope is the wire shape: {"type": ..., "data": {...}}.
type envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalEvent encodes e in its wire envelope.
func MarshalEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", e.Type(), err)
	}
	return json.Marshal(envelope{Type: e.Type(), Data: data})
}

// UnmarshalEvent decodes a wire envelope into its concrete event.
func UnmarshalEvent(b []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case EventStdout:
		var e StdoutEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventStderr:
		var e StderrEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	case EventExit:
		var e ExitEvent
		err = json.Unmarshal(env.Data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return ev, nil
}
