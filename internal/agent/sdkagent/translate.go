package sdkagent

import (
	"encoding/json"
	"strings"

	copilot "github.com/github/copilot-sdk/go"
	"github.com/google/uuid"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
)

// sdkEvent is the subset of a copilot.SessionEvent the translator reads.
type sdkEvent struct {
	Type         copilot.SessionEventType
	SessionID    string
	Content      string
	Delta        string
	ToolCallID   string
	ToolName     string
	Arguments    any
	Result       string
	Message      string
	InputTokens  int64
	OutputTokens int64
}

func fromSDK(evt copilot.SessionEvent) sdkEvent {
	e := sdkEvent{Type: evt.Type}
	if evt.Data.SessionID != nil {
		e.SessionID = *evt.Data.SessionID
	}
	if evt.Data.Content != nil {
		e.Content = *evt.Data.Content
	}
	if evt.Data.DeltaContent != nil {
		e.Delta = *evt.Data.DeltaContent
	}
	if evt.Data.ToolCallID != nil {
		e.ToolCallID = *evt.Data.ToolCallID
	}
	if evt.Data.ToolName != nil {
		e.ToolName = *evt.Data.ToolName
	}
	if evt.Data.Message != nil {
		e.Message = *evt.Data.Message
	}
	if evt.Data.InputTokens != nil {
		e.InputTokens = int64(*evt.Data.InputTokens)
	}
	if evt.Data.OutputTokens != nil {
		e.OutputTokens = int64(*evt.Data.OutputTokens)
	}
	e.Arguments = evt.Data.Arguments
	e.Result = resultText(evt.Data.Result)
	return e
}

// resultText flattens a tool result of unknown shape into display text.
func resultText(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	case *string:
		if r == nil {
			return ""
		}
		return *r
	}
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return ""
	}
	return string(b)
}

type outcome int

const (
	outcomePending outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeAborted
)

// translator converts one turn's SDK events into the normalized stream. It is
// not safe for concurrent use; the turn serializes calls.
type translator struct {
	message       event.Item
	started       bool
	needSeparator bool
	sawDeltas     bool

	reasoning        event.Item
	reasoningStarted bool

	tools     map[string]*event.Item
	toolOrder []string

	usage     *event.Usage
	sessionID string
	outcome   outcome
	failure   string
}

func newTranslator() *translator {
	return &translator{
		message:   event.Item{ID: "msg_" + uuid.NewString(), Type: event.ItemAgentMessage, Status: event.StatusInProgress},
		reasoning: event.Item{ID: "rsn_" + uuid.NewString(), Type: event.ItemReasoning, Status: event.StatusInProgress},
		tools:     make(map[string]*event.Item),
	}
}

// observeSession records id and reports whether it is new for this turn.
func (t *translator) observeSession(id string) bool {
	if id == "" || id == t.sessionID {
		return false
	}
	t.sessionID = id
	return true
}

// handle returns the events produced by e. Events after the turn has resolved
// are ignored.
func (t *translator) handle(e sdkEvent) []event.Event {
	if t.outcome != outcomePending {
		return nil
	}
	var out []event.Event
	if t.observeSession(e.SessionID) {
		out = append(out, event.ThreadStarted{ThreadID: e.SessionID})
	}

	switch e.Type {
	case copilot.AssistantMessageDelta:
		if e.Delta != "" {
			t.sawDeltas = true
			out = append(out, t.appendText(e.Delta)...)
		}
	case copilot.AssistantMessage:
		if !t.sawDeltas && e.Content != "" {
			out = append(out, t.appendText(e.Content)...)
		}
		// The next message starts a new paragraph; deltas are per message.
		t.sawDeltas = false
		if t.started {
			t.needSeparator = true
		}
	case copilot.AssistantReasoning, copilot.AssistantReasoningDelta:
		text := e.Delta
		if e.Type == copilot.AssistantReasoning && e.Content != "" {
			text = e.Content
		}
		out = append(out, t.addReasoning(text, e.Type == copilot.AssistantReasoning)...)
	case copilot.ToolExecutionStart:
		out = append(out, t.startTool(e))
	case copilot.ToolExecutionProgress:
		if it, ok := t.tools[e.ToolCallID]; ok {
			out = append(out, event.ItemUpdated{Item: *it})
		}
	case copilot.ToolExecutionComplete:
		out = append(out, t.completeTool(e.ToolCallID, e.Result)...)
	case copilot.AssistantUsage:
		if e.InputTokens > 0 || e.OutputTokens > 0 {
			t.usage = event.Merge(t.usage, &event.Usage{InputTokens: e.InputTokens, OutputTokens: e.OutputTokens})
		}
	case copilot.SessionIdle:
		out = append(out, t.complete()...)
	case copilot.SessionError:
		msg := strings.TrimSpace(e.Message)
		if msg == "" {
			msg = "unknown error"
		}
		out = append(out, t.fail(msg)...)
	case copilot.Abort:
		t.outcome = outcomeAborted
	}
	return out
}

func (t *translator) appendText(chunk string) []event.Event {
	if t.needSeparator {
		chunk = "\n\n" + chunk
		t.needSeparator = false
	}
	t.message.Text += chunk
	if !t.started {
		t.started = true
		return []event.Event{event.ItemStarted{Item: t.message}, event.TextDelta{Delta: chunk}}
	}
	return []event.Event{event.ItemUpdated{Item: t.message}, event.TextDelta{Delta: chunk}}
}

func (t *translator) addReasoning(text string, whole bool) []event.Event {
	if text == "" {
		return nil
	}
	if whole {
		t.reasoning.Text = text
	} else {
		t.reasoning.Text += text
	}
	if !t.reasoningStarted {
		t.reasoningStarted = true
		return []event.Event{event.ItemStarted{Item: t.reasoning}}
	}
	return []event.Event{event.ItemUpdated{Item: t.reasoning}}
}

func (t *translator) startTool(e sdkEvent) event.Event {
	id := e.ToolCallID
	if id == "" {
		id = "tool_" + uuid.NewString()
	}
	it, ok := t.tools[id]
	if !ok {
		it = &event.Item{ID: id, Type: event.ItemToolCall, Status: event.StatusInProgress}
		t.tools[id] = it
		t.toolOrder = append(t.toolOrder, id)
	}
	it.Name = e.ToolName
	it.Input = e.Arguments
	if ok {
		return event.ItemUpdated{Item: *it}
	}
	return event.ItemStarted{Item: *it}
}

func (t *translator) completeTool(id, result string) []event.Event {
	it, ok := t.tools[id]
	if !ok || it.Status != event.StatusInProgress {
		return nil
	}
	it.Status = event.StatusCompleted
	it.Output = result
	return []event.Event{event.ItemCompleted{Item: *it}}
}

// complete resolves the turn successfully. Tools still running are completed
// without output.
func (t *translator) complete() []event.Event {
	var out []event.Event
	for _, id := range t.toolOrder {
		out = append(out, t.completeTool(id, "")...)
	}
	if t.reasoningStarted {
		t.reasoning.Status = event.StatusCompleted
		out = append(out, event.ItemCompleted{Item: t.reasoning})
	}
	if t.started {
		t.message.Status = event.StatusCompleted
		out = append(out, event.ItemCompleted{Item: t.message})
	}
	t.outcome = outcomeCompleted
	return append(out,
		event.ResponseCompleted{Text: t.message.Text},
		event.TurnCompleted{Usage: t.usage},
	)
}

func (t *translator) fail(msg string) []event.Event {
	t.outcome = outcomeFailed
	t.failure = msg
	return []event.Event{event.Failed(msg)}
}

// items returns the structured items followed by the message item.
func (t *translator) items() []event.Item {
	var items []event.Item
	if t.reasoningStarted {
		items = append(items, t.reasoning)
	}
	for _, id := range t.toolOrder {
		items = append(items, *t.tools[id])
	}
	if t.started {
		items = append(items, t.message)
	}
	return items
}
