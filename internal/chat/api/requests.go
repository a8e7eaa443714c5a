// Package api provides the HTTP handlers for chat sessions and agent turns.
package api

import (
	"time"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
)

// CreateSessionRequest for creating a session. An empty workspacePath places
// the workspace under the configured root.
type CreateSessionRequest struct {
	Title         string `json:"title"`
	WorkspacePath string `json:"workspacePath"`
}

// TurnRequest for starting a turn
type TurnRequest struct {
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// UpdateSettingsRequest for changing the agent settings. Omitted fields keep
// their current value.
type UpdateSettingsRequest struct {
	Backend         *string `json:"backend,omitempty"`
	Model           *string `json:"model,omitempty"`
	ReasoningEffort *string `json:"reasoningEffort,omitempty"`
}

// SessionResponse is a session as returned by the API.
type SessionResponse struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	WorkspacePath string    `json:"workspacePath"`
	ThreadBackend string    `json:"threadBackend,omitempty"`
	Resumable     bool      `json:"resumable"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// MessageResponse is a message as returned by the API.
type MessageResponse struct {
	ID        string         `json:"id"`
	Role      models.Role    `json:"role"`
	Content   string         `json:"content"`
	Items     []event.Item   `json:"items"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// TitleResponse carries a suggested title, null when the agent had none.
type TitleResponse struct {
	Title *string `json:"title"`
}

// ErrorResponse is the body of every non-streaming error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func sessionToResponse(s *models.Session) SessionResponse {
	return SessionResponse{
		ID:            s.ID,
		Title:         s.Title,
		WorkspacePath: s.WorkspacePath,
		ThreadBackend: s.ThreadBackend,
		Resumable:     s.ThreadID != nil && *s.ThreadID != "",
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func messageToResponse(m *models.Message) MessageResponse {
	items := m.Items
	if items == nil {
		items = []event.Item{}
	}
	return MessageResponse{
		ID:        m.ID,
		Role:      m.Role,
		Content:   m.Content,
		Items:     items,
		Metadata:  m.Metadata,
		CreatedAt: m.CreatedAt,
	}
}
