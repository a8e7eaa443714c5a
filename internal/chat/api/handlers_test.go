package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/agenttest"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/registry"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/orchestrator"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/store"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

type testEnv struct {
	router *gin.Engine
	store  *store.MemoryStore
	cli    *agenttest.Agent
	root   string
}

func setupTestEnv(t *testing.T) testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cli := agenttest.New(agent.BackendCLI)
	sdk := agenttest.New(agent.BackendSDK)
	reg, err := registry.New(
		registry.Settings{Backend: agent.BackendCLI, Model: "gpt-5"},
		[]registry.Entry{{Agent: cli, Cache: cli.Cache()}, {Agent: sdk, Cache: sdk.Cache()}},
		nil, "test", logger.NewNop(),
	)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	promReg := prometheus.NewRegistry()
	orch := orchestrator.New(s, reg, orchestrator.Config{}, logger.NewNop(),
		orchestrator.WithMetrics(orchestrator.MustNewMetrics(promReg)))

	root := t.TempDir()
	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), NewHandler(s, orch, reg, root, logger.NewNop()))
	SetupOperationalRoutes(router, promReg)
	return testEnv{router: router, store: s, cli: cli, root: root}
}

func (e testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e testEnv) createSession(t *testing.T) SessionResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/sessions", CreateSessionRequest{Title: "demo"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func ndjsonTypes(t *testing.T, body string) []string {
	t.Helper()
	var types []string
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &frame), line)
		types = append(types, frame["type"].(string))
	}
	return types
}

func helloScript() agenttest.Script {
	return agenttest.Events(
		event.ItemStarted{Item: event.Item{ID: "m1", Type: event.ItemAgentMessage}},
		event.ItemCompleted{Item: event.Item{ID: "m1", Type: event.ItemAgentMessage, Text: "hello", Status: event.StatusCompleted}},
		event.TurnCompleted{},
	)
}

func TestHandler_CreateSession(t *testing.T) {
	env := setupTestEnv(t)
	sess := env.createSession(t)

	assert.Equal(t, "demo", sess.Title)
	assert.Equal(t, filepath.Join(env.root, sess.ID), sess.WorkspacePath)
	info, err := os.Stat(sess.WorkspacePath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.False(t, sess.Resumable)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/sessions", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), sess.ID)
}

func TestHandler_GetSessionNotFound(t *testing.T) {
	env := setupTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "NOT_FOUND", resp.Code)
	assert.Contains(t, resp.Error, "nope")
}

func TestHandler_StreamTurnNDJSON(t *testing.T) {
	env := setupTestEnv(t)
	env.cli.SetScript(helloScript())
	sess := env.createSession(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/turns", TurnRequest{Text: "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.True(t, w.Flushed)
	assert.Equal(t, []string{
		"item.started", "snapshot", "item.completed", "snapshot", "turn.completed", "done",
	}, ndjsonTypes(t, w.Body.String()))

	w = env.do(t, http.MethodGet, "/api/v1/sessions/"+sess.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Messages []MessageResponse `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Messages, 2)
	assert.Equal(t, models.RoleAssistant, body.Messages[1].Role)
	assert.Equal(t, "hello", body.Messages[1].Content)

	w = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Contains(t, w.Body.String(), `webedt_turns_total{backend="cli",outcome="completed"} 1`)
}

func TestHandler_StreamTurnFailureStillEndsWithDone(t *testing.T) {
	env := setupTestEnv(t)
	env.cli.SetScript(agenttest.Events(event.Failed("model overloaded")))
	sess := env.createSession(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/turns", TurnRequest{Text: "hi"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"turn.failed", "error", "done"}, ndjsonTypes(t, w.Body.String()))
	assert.Contains(t, w.Body.String(), `"message":"model overloaded"`)
}

func TestHandler_StreamTurnRejections(t *testing.T) {
	env := setupTestEnv(t)
	sess := env.createSession(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/turns", TurnRequest{Text: " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	w = env.do(t, http.MethodPost, "/api/v1/sessions/missing/turns", TurnRequest{Text: "hi"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	assert.Empty(t, env.cli.Calls())
}

func TestHandler_StreamTurnWebSocket(t *testing.T) {
	env := setupTestEnv(t)
	env.cli.SetScript(helloScript())
	sess := env.createSession(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/" + sess.ID + "/turns/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(TurnRequest{Text: "hi"}))
	var types []string
	for {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame))
		types = append(types, frame["type"].(string))
		if frame["type"] == "done" {
			break
		}
	}
	assert.Equal(t, []string{
		"item.started", "snapshot", "item.completed", "snapshot", "turn.completed", "done",
	}, types)
}

func TestHandler_StreamTurnWebSocketRejection(t *testing.T) {
	env := setupTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/missing/turns/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(TurnRequest{Text: "hi"}))
	var first, second map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "error", first["type"])
	assert.Contains(t, first["message"], "missing")
	assert.Equal(t, "done", second["type"])
}

func TestHandler_SuggestTitle(t *testing.T) {
	env := setupTestEnv(t)
	sess := env.createSession(t)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/title", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	require.NoError(t, env.store.AddMessage(context.Background(), &models.Message{
		SessionID: sess.ID, Role: models.RoleUser, Content: "fix the flaky test",
	}))
	title := "Fix flaky test"
	env.cli.SetTitle(&title)

	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+sess.ID+"/title", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"title":"Fix flaky test"}`, w.Body.String())

	stored, err := env.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "Fix flaky test", stored.Title)
}

func TestHandler_Settings(t *testing.T) {
	env := setupTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"backend":"cli","model":"gpt-5","reasoningEffort":""}`, w.Body.String())

	backend := "sdk"
	w = env.do(t, http.MethodPut, "/api/v1/settings", UpdateSettingsRequest{Backend: &backend})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"backend":"sdk","model":"gpt-5","reasoningEffort":""}`, w.Body.String())

	bad := "gemini"
	w = env.do(t, http.MethodPut, "/api/v1/settings", UpdateSettingsRequest{Backend: &bad})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_Health(t *testing.T) {
	env := setupTestEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}
