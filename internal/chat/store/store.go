// Package store persists chat sessions and messages.
package store

import (
	"context"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
)

// Store is the persistence contract of the chat service. Lookups of unknown
// ids return an error for which errors.IsNotFound holds.
type Store interface {
	// CreateSession assigns ID and timestamps when they are empty.
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// ListSessions returns sessions, most recently updated first.
	ListSessions(ctx context.Context) ([]*models.Session, error)
	UpdateSessionTitle(ctx context.Context, id, title string) error
	// UpdateSessionThreadID stores or, with a nil threadID, clears the
	// backend handle of the session together with the backend and model that
	// issued it.
	UpdateSessionThreadID(ctx context.Context, id string, threadID *string, backend, model string) error
	// ClearThreadIDs drops the backend handle of every session.
	ClearThreadIDs(ctx context.Context) error

	// AddMessage appends a message and bumps the session's updated_at.
	AddMessage(ctx context.Context, m *models.Message) error
	// ListMessages returns the session's messages, oldest first.
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)

	Close() error
}
