// Package event defines the normalized event stream every agent backend
// produces for one turn.
//
// The set of events is closed: Event is implemented only by the types in this
// file, so a type switch over them is exhaustive.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind is the wire "type" of an event.
type Kind string

const (
	KindThreadStarted     Kind = "thread.started"
	KindTurnStarted       Kind = "turn.started"
	KindTurnCompleted     Kind = "turn.completed"
	KindTurnFailed        Kind = "turn.failed"
	KindError             Kind = "error"
	KindItemStarted       Kind = "item.started"
	KindItemUpdated       Kind = "item.updated"
	KindItemCompleted     Kind = "item.completed"
	KindTextDelta         Kind = "text.delta"
	KindResponseCompleted Kind = "response.completed"
)

// Item types produced by the adapters.
const (
	ItemAgentMessage = "agent_message"
	ItemReasoning    = "reasoning"
	ItemToolCall     = "tool_call"
)

// Item statuses.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Event is one element of a turn's event stream.
type Event interface {
	Kind() Kind
	isEvent()
}

// Item is one unit of agent output. It is mutable until its item.completed
// event; the ID is stable for the whole turn.
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Status string `json:"status,omitempty"`
	Name   string `json:"name,omitempty"`
	Input  any    `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// ThreadStarted reports a new or changed resumable backend handle.
type ThreadStarted struct {
	ThreadID string `json:"thread_id"`
}

type TurnStarted struct{}

type TurnCompleted struct {
	Usage *Usage `json:"usage"`
}

type TurnFailed struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
}

// Error is a non-terminal error notice. The orchestrator still treats it as fatal.
type Error struct {
	Message string `json:"message"`
}

type ItemStarted struct {
	Item Item `json:"item"`
}

type ItemUpdated struct {
	Item Item `json:"item"`
}

type ItemCompleted struct {
	Item Item `json:"item"`
}

// TextDelta carries newly appended assistant text. Delta is never empty.
type TextDelta struct {
	Delta string `json:"delta"`
}

// ResponseCompleted carries the final assistant text of the turn.
type ResponseCompleted struct {
	Text string `json:"text"`
}

func (ThreadStarted) Kind() Kind     { return KindThreadStarted }
func (TurnStarted) Kind() Kind       { return KindTurnStarted }
func (TurnCompleted) Kind() Kind     { return KindTurnCompleted }
func (TurnFailed) Kind() Kind        { return KindTurnFailed }
func (Error) Kind() Kind             { return KindError }
func (ItemStarted) Kind() Kind       { return KindItemStarted }
func (ItemUpdated) Kind() Kind       { return KindItemUpdated }
func (ItemCompleted) Kind() Kind     { return KindItemCompleted }
func (TextDelta) Kind() Kind         { return KindTextDelta }
func (ResponseCompleted) Kind() Kind { return KindResponseCompleted }

func (ThreadStarted) isEvent()     {}
func (TurnStarted) isEvent()       {}
func (TurnCompleted) isEvent()     {}
func (TurnFailed) isEvent()        {}
func (Error) isEvent()             {}
func (ItemStarted) isEvent()       {}
func (ItemUpdated) isEvent()       {}
func (ItemCompleted) isEvent()     {}
func (TextDelta) isEvent()         {}
func (ResponseCompleted) isEvent() {}

// Failed builds a turn.failed event.
func Failed(message string) TurnFailed {
	return TurnFailed{Error: ErrorDetail{Message: message}}
}

// ItemOf returns the item carried by item.* events.
func ItemOf(e Event) (Item, bool) {
	switch ev := e.(type) {
	case ItemStarted:
		return ev.Item, true
	case ItemUpdated:
		return ev.Item, true
	case ItemCompleted:
		return ev.Item, true
	default:
		return Item{}, false
	}
}

// IsTerminal reports whether e ends a turn.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case TurnCompleted, TurnFailed:
		return true
	default:
		return false
	}
}

// Marshal encodes e as a single JSON object with a leading "type" field.
func Marshal(e Event) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	kind, _ := json.Marshal(string(e.Kind()))
	buf.Write(kind)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Unmarshal decodes one JSON object produced by Marshal.
func Unmarshal(data []byte) (Event, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}

	var e Event
	var err error
	switch head.Type {
	case KindThreadStarted:
		e, err = decode[ThreadStarted](data)
	case KindTurnStarted:
		e = TurnStarted{}
	case KindTurnCompleted:
		e, err = decode[TurnCompleted](data)
	case KindTurnFailed:
		e, err = decode[TurnFailed](data)
	case KindError:
		e, err = decode[Error](data)
	case KindItemStarted:
		e, err = decode[ItemStarted](data)
	case KindItemUpdated:
		e, err = decode[ItemUpdated](data)
	case KindItemCompleted:
		e, err = decode[ItemCompleted](data)
	case KindTextDelta:
		e, err = decode[TextDelta](data)
	case KindResponseCompleted:
		e, err = decode[ResponseCompleted](data)
	default:
		return nil, fmt.Errorf("unknown event type %q", head.Type)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func decode[T Event](data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
