package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/registry"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/orchestrator"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/store"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/errors"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

const (
	wsWriteTimeout  = 10 * time.Second
	maxTurnMessage  = 1 << 20
	ndjsonMediaType = "application/x-ndjson"
)

// Handler contains HTTP handlers for the chat API
type Handler struct {
	store         store.Store
	orch          *orchestrator.Orchestrator
	registry      *registry.Registry
	workspaceRoot string
	upgrader      websocket.Upgrader
	logger        *logger.Logger
}

// NewHandler creates a new API handler. Sessions created without a workspace
// path get a directory under workspaceRoot.
func NewHandler(s store.Store, orch *orchestrator.Orchestrator, reg *registry.Registry, workspaceRoot string, log *logger.Logger) *Handler {
	return &Handler{
		store:         s,
		orch:          orch,
		registry:      reg,
		workspaceRoot: workspaceRoot,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origins are enforced by the CORS middleware.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithFields(zap.String("component", "chat-api")),
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(errors.GetHTTPStatus(err), ErrorResponse{Error: errors.Message(err), Code: errors.Code(err)})
}

// Session endpoints

// CreateSession creates a new session
// POST /api/v1/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, errors.BadRequest(err.Error()))
			return
		}
	}

	sess := &models.Session{ID: uuid.NewString(), Title: strings.TrimSpace(req.Title)}
	workspace := strings.TrimSpace(req.WorkspacePath)
	if workspace == "" {
		workspace = filepath.Join(h.workspaceRoot, sess.ID)
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		respondError(c, errors.BadRequest("invalid workspacePath"))
		return
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		h.logger.Error("failed to prepare workspace", zap.String("path", abs), zap.Error(err))
		respondError(c, errors.InternalError("failed to prepare workspace", err))
		return
	}
	sess.WorkspacePath = abs

	if err := h.store.CreateSession(c.Request.Context(), sess); err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		respondError(c, errors.Wrap(err, "failed to create session"))
		return
	}
	c.JSON(http.StatusCreated, sessionToResponse(sess))
}

// ListSessions returns all sessions, most recently active first
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		respondError(c, errors.InternalError("failed to list sessions", err))
		return
	}
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionToResponse(s))
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// GetSession retrieves a session by ID
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(sess))
}

// ListMessages returns the transcript of a session
// GET /api/v1/sessions/:sessionId/messages
func (h *Handler) ListMessages(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.store.GetSession(c.Request.Context(), sessionID); err != nil {
		respondError(c, err)
		return
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("session_id", sessionID), zap.Error(err))
		respondError(c, errors.InternalError("failed to list messages", err))
		return
	}
	out := make([]MessageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToResponse(m))
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// Turn endpoints

// StreamTurn runs a turn and streams its frames as NDJSON
// POST /api/v1/sessions/:sessionId/turns
func (h *Handler) StreamTurn(c *gin.Context) {
	var req TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}

	sink := &lazyNDJSONSink{c: c}
	err := h.orch.StreamTurn(c.Request.Context(), orchestrator.TurnRequest{
		SessionID:   c.Param("sessionId"),
		Text:        req.Text,
		Attachments: req.Attachments,
	}, sink)
	if err != nil && !sink.started() {
		respondError(c, err)
	}
}

// lazyNDJSONSink commits the streaming headers on the first frame so that
// rejections before the turn starts keep their status code.
type lazyNDJSONSink struct {
	c    *gin.Context
	sink *orchestrator.NDJSONSink
}

func (s *lazyNDJSONSink) started() bool { return s.sink != nil }

func (s *lazyNDJSONSink) WriteFrame(frame []byte) error {
	if s.sink == nil {
		h := s.c.Writer.Header()
		h.Set("Content-Type", ndjsonMediaType)
		h.Set("Cache-Control", "no-cache")
		h.Set("X-Accel-Buffering", "no")
		s.c.Status(http.StatusOK)
		s.sink = orchestrator.NewNDJSONSink(s.c.Writer)
	}
	return s.sink.WriteFrame(frame)
}

// StreamTurnWS runs a turn over a WebSocket. The first client message is the
// turn request; the connection closing cancels the turn.
// GET /api/v1/sessions/:sessionId/turns/ws
func (h *Handler) StreamTurnWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxTurnMessage)

	sink := orchestrator.NewWebSocketSink(conn, wsWriteTimeout)
	var req TurnRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = orchestrator.WriteError(sink, "invalid turn request")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	err = h.orch.StreamTurn(ctx, orchestrator.TurnRequest{
		SessionID:   c.Param("sessionId"),
		Text:        req.Text,
		Attachments: req.Attachments,
	}, sink)
	if err != nil {
		_ = orchestrator.WriteError(sink, errors.Message(err))
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsWriteTimeout))
}

type transcriptEntry struct {
	Role    models.Role `json:"role"`
	Content string      `json:"content"`
}

// SuggestTitle asks the active agent for a title and stores it
// POST /api/v1/sessions/:sessionId/title
func (h *Handler) SuggestTitle(c *gin.Context) {
	ctx := c.Request.Context()
	sess, err := h.store.GetSession(ctx, c.Param("sessionId"))
	if err != nil {
		respondError(c, err)
		return
	}
	msgs, err := h.store.ListMessages(ctx, sess.ID)
	if err != nil {
		respondError(c, errors.InternalError("failed to list messages", err))
		return
	}
	if len(msgs) == 0 {
		respondError(c, errors.BadRequest("session has no messages"))
		return
	}
	transcript := make([]transcriptEntry, 0, len(msgs))
	for _, m := range msgs {
		transcript = append(transcript, transcriptEntry{Role: m.Role, Content: m.Content})
	}
	data, err := json.Marshal(transcript)
	if err != nil {
		respondError(c, errors.InternalError("failed to encode transcript", err))
		return
	}

	ag, _ := h.registry.Active()
	title := ag.SuggestTitle(ctx, agent.Session{ID: sess.ID, WorkspacePath: sess.WorkspacePath}, string(data))
	if title != nil {
		if err := h.store.UpdateSessionTitle(ctx, sess.ID, *title); err != nil {
			h.logger.Error("failed to store title", zap.String("session_id", sess.ID), zap.Error(err))
			respondError(c, errors.InternalError("failed to store title", err))
			return
		}
	}
	c.JSON(http.StatusOK, TitleResponse{Title: title})
}

// Settings endpoints

// GetSettings returns the active agent settings
// GET /api/v1/settings
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.Settings())
}

// UpdateSettings changes the agent settings
// PUT /api/v1/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req UpdateSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	next := h.registry.Settings()
	if req.Backend != nil {
		next.Backend = agent.Backend(*req.Backend)
	}
	if req.Model != nil {
		next.Model = *req.Model
	}
	if req.ReasoningEffort != nil {
		next.ReasoningEffort = *req.ReasoningEffort
	}
	applied, err := h.registry.Update(c.Request.Context(), next)
	if err != nil {
		respondError(c, errors.BadRequest(err.Error()))
		return
	}
	c.JSON(http.StatusOK, applied)
}
