// Package events lists the subjects published on the webedt event bus.
package events

// Turn lifecycle.
const (
	TurnStarted  = "turn.started"
	TurnFinished = "turn.finished"
)

// Runtime agent settings (backend, model, reasoning effort).
const (
	SettingsChanged = "settings.changed"
)

// Session records.
const (
	SessionCreated      = "session.created"
	SessionTitleUpdated = "session.title_updated"
)
