package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/config"
	apperrors "github.com/ETdoFresh/webedt-main-app-sub001/internal/common/errors"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/db"
)

// SQLStore implements Store over SQLite or PostgreSQL through sqlx.
type SQLStore struct {
	db   *sqlx.DB // writer
	ro   *sqlx.DB // reader
	pool *db.Pool // set when the store owns its connections
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore uses the pool's connections and creates the schema. The pool
// stays owned by the caller.
func NewSQLStore(pool *db.Pool) (*SQLStore, error) {
	s := &SQLStore{db: pool.Writer(), ro: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Open connects to the configured database and returns a store that closes
// the connections on Close.
func Open(cfg config.DatabaseConfig) (*SQLStore, error) {
	pool, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLStore(pool)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

func (s *SQLStore) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

func (s *SQLStore) initSchema() error {
	stmts := []string{`
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL,
		thread_id TEXT,
		thread_backend TEXT NOT NULL DEFAULT '',
		thread_model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`, `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		items TEXT NOT NULL DEFAULT '[]',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP NOT NULL
	)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	// Databases created before thread_model existed; fails harmlessly when
	// the column is already there.
	_, _ = s.db.Exec(`ALTER TABLE chat_sessions ADD COLUMN thread_model TEXT NOT NULL DEFAULT ''`)
	return nil
}

type sessionRow struct {
	ID            string         `db:"id"`
	Title         string         `db:"title"`
	WorkspacePath string         `db:"workspace_path"`
	ThreadID      sql.NullString `db:"thread_id"`
	ThreadBackend string         `db:"thread_backend"`
	ThreadModel   string         `db:"thread_model"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r sessionRow) toModel() *models.Session {
	s := &models.Session{
		ID:            r.ID,
		Title:         r.Title,
		WorkspacePath: r.WorkspacePath,
		ThreadBackend: r.ThreadBackend,
		ThreadModel:   r.ThreadModel,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	if r.ThreadID.Valid {
		id := r.ThreadID.String
		s.ThreadID = &id
	}
	return s
}

type messageRow struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	Items     string    `db:"items"`
	Metadata  string    `db:"metadata"`
	CreatedAt time.Time `db:"created_at"`
}

func (r messageRow) toModel() (*models.Message, error) {
	m := &models.Message{
		ID:        r.ID,
		SessionID: r.SessionID,
		Role:      models.Role(r.Role),
		Content:   r.Content,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Items != "" {
		var items []event.Item
		if err := json.Unmarshal([]byte(r.Items), &items); err != nil {
			return nil, fmt.Errorf("decode items of message %s: %w", r.ID, err)
		}
		m.Items = items
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata of message %s: %w", r.ID, err)
		}
	}
	return m, nil
}

const sessionColumns = `id, title, workspace_path, thread_id, thread_backend, thread_model, created_at, updated_at`

func (s *SQLStore) CreateSession(ctx context.Context, sess *models.Session) error {
	prepareSession(sess)
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO chat_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), sess.ID, sess.Title, sess.WorkspacePath, nullString(sess.ThreadID), sess.ThreadBackend, sess.ThreadModel, sess.CreatedAt, sess.UpdatedAt)
	return err
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var row sessionRow
	err := s.ro.GetContext(ctx, &row, s.ro.Rebind(`SELECT `+sessionColumns+` FROM chat_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]*models.Session, error) {
	var rows []sessionRow
	if err := s.ro.SelectContext(ctx, &rows, `SELECT `+sessionColumns+` FROM chat_sessions ORDER BY updated_at DESC, id ASC`); err != nil {
		return nil, err
	}
	out := make([]*models.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQLStore) UpdateSessionTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE chat_sessions SET title = ?, updated_at = ? WHERE id = ?
	`), title, time.Now().UTC(), id)
	return checkAffected(res, err, id)
}

func (s *SQLStore) UpdateSessionThreadID(ctx context.Context, id string, threadID *string, backend, model string) error {
	if threadID == nil {
		backend, model = "", ""
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE chat_sessions SET thread_id = ?, thread_backend = ?, thread_model = ? WHERE id = ?
	`), nullString(threadID), backend, model, id)
	return checkAffected(res, err, id)
}

func (s *SQLStore) ClearThreadIDs(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET thread_id = NULL, thread_backend = '', thread_model = ''
		WHERE thread_id IS NOT NULL
	`)
	return err
}

func (s *SQLStore) AddMessage(ctx context.Context, m *models.Message) (err error) {
	prepareMessage(m)
	items, err := json.Marshal(nonNilItems(m.Items))
	if err != nil {
		return fmt.Errorf("encode items: %w", err)
	}
	metadata, err := json.Marshal(nonNilMetadata(m.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE chat_sessions SET updated_at = ? WHERE id = ?
	`), m.CreatedAt, m.SessionID)
	if err = checkAffected(res, err, m.SessionID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO chat_messages (id, session_id, role, content, items, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), m.ID, m.SessionID, string(m.Role), m.Content, string(items), string(metadata), m.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	var rows []messageRow
	if err := s.ro.SelectContext(ctx, &rows, s.ro.Rebind(`
		SELECT id, session_id, role, content, items, metadata, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`), sessionID); err != nil {
		return nil, err
	}
	out := make([]*models.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func checkAffected(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperrors.NotFound("session", id)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func prepareSession(s *models.Session) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
}

func prepareMessage(m *models.Message) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
}

func nonNilItems(items []event.Item) []event.Item {
	if items == nil {
		return []event.Item{}
	}
	return items
}

func nonNilMetadata(md map[string]any) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return md
}
