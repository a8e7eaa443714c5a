package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/config"
	apperrors "github.com/ETdoFresh/webedt-main-app-sub001/internal/common/errors"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := Open(config.DatabaseConfig{
		Driver: config.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "chat.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlStore.Close() })
	return map[string]Store{
		"sqlite": sqlStore,
		"memory": NewMemoryStore(),
	}
}

func TestStore_SessionLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := &models.Session{Title: "New chat", WorkspacePath: "/w/1"}
			require.NoError(t, s.CreateSession(ctx, sess))
			require.NotEmpty(t, sess.ID)
			assert.False(t, sess.CreatedAt.IsZero())

			got, err := s.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, "New chat", got.Title)
			assert.Equal(t, "/w/1", got.WorkspacePath)
			assert.Nil(t, got.ThreadID)

			require.NoError(t, s.UpdateSessionTitle(ctx, sess.ID, "Renamed"))
			thread := "thread-9"
			require.NoError(t, s.UpdateSessionThreadID(ctx, sess.ID, &thread, "cli", "gpt-5"))

			got, err = s.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, "Renamed", got.Title)
			require.NotNil(t, got.ThreadID)
			assert.Equal(t, "thread-9", *got.ThreadID)
			assert.Equal(t, "cli", got.ThreadBackend)
			assert.Equal(t, "gpt-5", got.ThreadModel)

			require.NoError(t, s.UpdateSessionThreadID(ctx, sess.ID, nil, "cli", "gpt-5"))
			got, err = s.GetSession(ctx, sess.ID)
			require.NoError(t, err)
			assert.Nil(t, got.ThreadID)
			assert.Empty(t, got.ThreadBackend)
			assert.Empty(t, got.ThreadModel)
		})
	}
}

func TestStore_ClearThreadIDs(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := &models.Session{WorkspacePath: "/w/a"}
			b := &models.Session{WorkspacePath: "/w/b"}
			require.NoError(t, s.CreateSession(ctx, a))
			require.NoError(t, s.CreateSession(ctx, b))
			thread := "thread-a"
			require.NoError(t, s.UpdateSessionThreadID(ctx, a.ID, &thread, "sdk", "gpt-5"))

			require.NoError(t, s.ClearThreadIDs(ctx))

			for _, id := range []string{a.ID, b.ID} {
				got, err := s.GetSession(ctx, id)
				require.NoError(t, err)
				assert.Nil(t, got.ThreadID)
				assert.Empty(t, got.ThreadBackend)
				assert.Empty(t, got.ThreadModel)
			}
		})
	}
}

func TestStore_NotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.GetSession(ctx, "missing")
			assert.True(t, apperrors.IsNotFound(err))
			assert.True(t, apperrors.IsNotFound(s.UpdateSessionTitle(ctx, "missing", "x")))
			assert.True(t, apperrors.IsNotFound(s.UpdateSessionThreadID(ctx, "missing", nil, "", "")))
			assert.True(t, apperrors.IsNotFound(s.AddMessage(ctx, &models.Message{SessionID: "missing", Role: models.RoleUser})))
		})
	}
}

func TestStore_MessagesBumpSession(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			older := &models.Session{WorkspacePath: "/w/a", CreatedAt: base, UpdatedAt: base}
			newer := &models.Session{WorkspacePath: "/w/b", CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute)}
			require.NoError(t, s.CreateSession(ctx, older))
			require.NoError(t, s.CreateSession(ctx, newer))

			list, err := s.ListSessions(ctx)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, newer.ID, list[0].ID)

			require.NoError(t, s.AddMessage(ctx, &models.Message{
				SessionID: older.ID, Role: models.RoleUser, Content: "hi",
				CreatedAt: base.Add(2 * time.Minute),
			}))
			require.NoError(t, s.AddMessage(ctx, &models.Message{
				SessionID: older.ID, Role: models.RoleAssistant, Content: "hello",
				Items:     []event.Item{{ID: "msg_1", Type: event.ItemAgentMessage, Text: "hello", Status: event.StatusCompleted}},
				Metadata:  map[string]any{"backend": "cli"},
				CreatedAt: base.Add(3 * time.Minute),
			}))

			list, err = s.ListSessions(ctx)
			require.NoError(t, err)
			assert.Equal(t, older.ID, list[0].ID, "new messages move the session to the top")

			msgs, err := s.ListMessages(ctx, older.ID)
			require.NoError(t, err)
			require.Len(t, msgs, 2)
			assert.Equal(t, models.RoleUser, msgs[0].Role)
			assert.Empty(t, msgs[0].Items)
			assert.Equal(t, "hello", msgs[1].Content)
			require.Len(t, msgs[1].Items, 1)
			assert.Equal(t, "msg_1", msgs[1].Items[0].ID)
			assert.Equal(t, "cli", msgs[1].Metadata["backend"])

			none, err := s.ListMessages(ctx, newer.ID)
			require.NoError(t, err)
			assert.Empty(t, none)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	sess := &models.Session{WorkspacePath: "/w"}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, _ := s.GetSession(ctx, sess.ID)
	got.Title = "mutated"
	again, _ := s.GetSession(ctx, sess.ID)
	assert.Empty(t, again.Title)

	assert.Error(t, s.CreateSession(ctx, &models.Session{ID: sess.ID}))
}
