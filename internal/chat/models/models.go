// Package models defines the persisted chat records.
package models

import (
	"time"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is one conversation with the coding agent.
type Session struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	WorkspacePath string `json:"workspacePath"`
	// ThreadID is the backend handle of the conversation, used to resume it
	// after a restart. ThreadBackend and ThreadModel name the backend and
	// model it was issued under; it is not valid under any other pair.
	ThreadID      *string   `json:"threadId,omitempty"`
	ThreadBackend string    `json:"threadBackend,omitempty"`
	ThreadModel   string    `json:"threadModel,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Attachment is a file uploaded alongside a user message.
type Attachment struct {
	Name     string `json:"name" yaml:"name"`
	Path     string `json:"path" yaml:"path"`
	MimeType string `json:"mimeType,omitempty" yaml:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty" yaml:"size,omitempty"`
}

// Message is one persisted turn half.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Items     []event.Item   `json:"items,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
