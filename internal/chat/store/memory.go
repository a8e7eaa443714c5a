package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
	apperrors "github.com/ETdoFresh/webedt-main-app-sub001/internal/common/errors"
)

// MemoryStore is an in-process Store. Returned records are copies.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	messages map[string][]*models.Message
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.Session) error {
	prepareSession(s)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return apperrors.Conflict("session " + s.ID + " already exists")
	}
	m.sessions[s.ID] = copySession(s)
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.NotFound("session", id)
	}
	return copySession(s), nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]*models.Session, error) {
	m.mu.RLock()
	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copySession(s))
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) UpdateSessionTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	s.Title = title
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateSessionThreadID(_ context.Context, id string, threadID *string, backend, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return apperrors.NotFound("session", id)
	}
	if threadID == nil {
		clearThread(s)
		return nil
	}
	v := *threadID
	s.ThreadID = &v
	s.ThreadBackend = backend
	s.ThreadModel = model
	return nil
}

func (m *MemoryStore) ClearThreadIDs(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		clearThread(s)
	}
	return nil
}

func clearThread(s *models.Session) {
	s.ThreadID = nil
	s.ThreadBackend = ""
	s.ThreadModel = ""
}

func (m *MemoryStore) AddMessage(_ context.Context, msg *models.Message) error {
	prepareMessage(msg)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return apperrors.NotFound("session", msg.SessionID)
	}
	s.UpdatedAt = msg.CreatedAt
	m.messages[msg.SessionID] = append(m.messages[msg.SessionID], copyMessage(msg))
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[sessionID]
	out := make([]*models.Message, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, copyMessage(msg))
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func copySession(s *models.Session) *models.Session {
	c := *s
	if s.ThreadID != nil {
		v := *s.ThreadID
		c.ThreadID = &v
	}
	return &c
}

func copyMessage(msg *models.Message) *models.Message {
	c := *msg
	c.Items = append([]event.Item(nil), msg.Items...)
	if msg.Metadata != nil {
		c.Metadata = make(map[string]any, len(msg.Metadata))
		for k, v := range msg.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
