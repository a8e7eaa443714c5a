package cliagent

import (
	"strings"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
)

// textAccumulator turns whole-message snapshots into one synthetic
// agent_message item plus incremental text deltas.
type textAccumulator struct {
	item    event.Item
	started bool
}

func newTextAccumulator(itemID string) *textAccumulator {
	return &textAccumulator{item: event.Item{ID: itemID, Type: event.ItemAgentMessage}}
}

// update feeds the latest snapshot and returns the events it produces.
// Unchanged text produces nothing. A snapshot that does not extend the
// previous text replaces it with an item.updated and no delta.
func (a *textAccumulator) update(snapshot string) []event.Event {
	text := strings.TrimSpace(snapshot)
	if text == "" {
		return nil
	}
	if !a.started {
		a.started = true
		a.item.Text = text
		a.item.Status = event.StatusInProgress
		return []event.Event{event.ItemStarted{Item: a.item}, event.TextDelta{Delta: text}}
	}
	prev := a.item.Text
	if text == prev {
		return nil
	}
	a.item.Text = text
	if !strings.HasPrefix(text, prev) {
		return []event.Event{event.ItemUpdated{Item: a.item}}
	}
	return []event.Event{event.ItemUpdated{Item: a.item}, event.TextDelta{Delta: text[len(prev):]}}
}

// complete marks the item done. ok is false when no text was produced.
func (a *textAccumulator) complete() (event.Item, bool) {
	if !a.started {
		return event.Item{}, false
	}
	a.item.Status = event.StatusCompleted
	return a.item, true
}

func (a *textAccumulator) text() string {
	return a.item.Text
}

func (a *textAccumulator) snapshot() (event.Item, bool) {
	return a.item, a.started
}
