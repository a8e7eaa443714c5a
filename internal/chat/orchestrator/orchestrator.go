// Package orchestrator streams agent turns to chat clients.
//
// A turn is consumed event by event: item events are folded into an ordered
// snapshot that is re-sent after every change, silence is bounded by stall
// timeouts, and the outcome is persisted once the stream ends. Every turn that
// gets past validation ends with a {"type":"done"} frame.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/continuity"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/registry"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/prompt"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/store"
	apperrors "github.com/ETdoFresh/webedt-main-app-sub001/internal/common/errors"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/tracing"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/events"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/events/bus"
)

const (
	DefaultNoActivityTimeout   = 5 * time.Minute
	DefaultPostResponseTimeout = 30 * time.Second
	summaryWait                = 10 * time.Second
)

// Backends resolves the agent for a turn. *registry.Registry implements it.
type Backends interface {
	Active() (agent.Agent, registry.Settings)
	Cache(b agent.Backend) *continuity.Cache
	// OnInvalidate registers fn to run whenever cached handles go stale.
	OnInvalidate(fn func())
}

var _ Backends = (*registry.Registry)(nil)

// Config tunes turns. It can be replaced at runtime with SetConfig.
type Config struct {
	// NoActivityTimeout bounds silence before the agent has responded.
	NoActivityTimeout time.Duration
	// PostResponseTimeout bounds silence afterwards; hitting it ends the turn
	// successfully.
	PostResponseTimeout time.Duration
	Instructions        string
	Env                 map[string]string
}

func (c Config) withDefaults() Config {
	if c.NoActivityTimeout <= 0 {
		c.NoActivityTimeout = DefaultNoActivityTimeout
	}
	if c.PostResponseTimeout <= 0 {
		c.PostResponseTimeout = DefaultPostResponseTimeout
	}
	return c
}

// TurnRequest is one user message.
type TurnRequest struct {
	SessionID   string              `json:"-"`
	Text        string              `json:"text"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// Orchestrator runs turns. It is safe for concurrent use; turns of the same
// session are serialized by rejecting overlapping requests.
type Orchestrator struct {
	store      store.Store
	backends   Backends
	bus        bus.EventBus
	metrics    *Metrics
	tracer     trace.Tracer
	instanceID string
	logger     *logger.Logger

	cfgMu sync.RWMutex
	cfg   Config

	locksMu sync.Mutex
	locks   map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventBus publishes turn.started and turn.finished on b.
func WithEventBus(b bus.EventBus, instanceID string) Option {
	return func(o *Orchestrator) {
		o.bus = b
		o.instanceID = instanceID
	}
}

// WithMetrics records turn metrics.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates an orchestrator.
func New(s store.Store, backends Backends, cfg Config, log *logger.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		backends: backends,
		tracer:   tracing.Tracer("webedt-orchestrator"),
		logger:   log.WithFields(zap.String("component", "turn-orchestrator")),
		cfg:      cfg.withDefaults(),
		locks:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	backends.OnInvalidate(o.clearStoredThreads)
	return o
}

// clearStoredThreads drops persisted handles so they are not seeded back into
// the caches the registry just cleared.
func (o *Orchestrator) clearStoredThreads() {
	if err := o.store.ClearThreadIDs(context.Background()); err != nil {
		o.logger.Warn("failed to clear stored thread ids", zap.Error(err))
	}
}

// SetConfig replaces the turn configuration for later turns.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.cfgMu.Lock()
	defer o.cfgMu.Unlock()
	o.cfg = cfg.withDefaults()
}

func (o *Orchestrator) config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

func (o *Orchestrator) tryLock(sessionID string) bool {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	if _, busy := o.locks[sessionID]; busy {
		return false
	}
	o.locks[sessionID] = struct{}{}
	return true
}

func (o *Orchestrator) unlock(sessionID string) {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	delete(o.locks, sessionID)
}

// StreamTurn runs one turn and writes its frames to sink.
//
// Errors returned before anything was written are *apperrors.AppError values
// (bad request, unknown session, turn already running) for the caller to map
// to a status code. After the first frame every failure is reported in-band
// and StreamTurn returns nil.
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest, sink Sink) error {
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return apperrors.BadRequest("message text is required")
	}
	sess, err := o.store.GetSession(ctx, req.SessionID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return err
		}
		return apperrors.InternalError("failed to load session", err)
	}
	if !o.tryLock(sess.ID) {
		return apperrors.Conflict("a turn is already running for this session")
	}
	defer o.unlock(sess.ID)

	ag, settings := o.backends.Active()
	cfg := o.config()
	log := o.logger.WithSessionID(sess.ID).WithBackend(string(ag.Backend()))

	// Store writes outlive a disconnected client.
	persistCtx := context.WithoutCancel(ctx)

	userMsg := &models.Message{SessionID: sess.ID, Role: models.RoleUser, Content: req.Text}
	if len(req.Attachments) > 0 {
		userMsg.Metadata = map[string]any{"attachments": req.Attachments}
	}
	if err := o.store.AddMessage(persistCtx, userMsg); err != nil {
		return apperrors.InternalError("failed to save message", err)
	}

	ctx, span := o.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
		attribute.String("agent.backend", string(ag.Backend())),
		attribute.String("agent.model", settings.Model),
	))
	defer span.End()

	t := &turnRun{
		o:          o,
		sess:       sess,
		agent:      ag,
		settings:   settings,
		cfg:        cfg,
		sink:       sink,
		logger:     log,
		persistCtx: persistCtx,
		items:      newItemSet(),
		threadID:   sess.ThreadID,
	}

	o.seedCache(sess, ag.Backend(), settings.Model)
	o.metrics.turnStarted()
	o.publish(persistCtx, events.TurnStarted, map[string]any{
		"session_id": sess.ID,
		"backend":    string(ag.Backend()),
		"message_id": userMsg.ID,
	})

	started := time.Now()
	t.run(ctx, req)
	outcome := t.outcome()
	o.metrics.turnFinished(string(ag.Backend()), outcome, time.Since(started))

	span.SetAttributes(attribute.String("turn.outcome", outcome))
	if t.err != nil {
		span.RecordError(t.err)
		span.SetStatus(codes.Error, t.err.Error())
	}
	data := map[string]any{
		"session_id": sess.ID,
		"backend":    string(ag.Backend()),
		"outcome":    outcome,
	}
	if t.assistantID != "" {
		data["message_id"] = t.assistantID
	}
	o.publish(persistCtx, events.TurnFinished, data)
	log.Info("turn finished", zap.String("outcome", outcome), zap.Duration("elapsed", time.Since(started)))
	return nil
}

// seedCache restores the persisted backend handle after a restart, as long as
// it was issued under the current backend and model.
func (o *Orchestrator) seedCache(sess *models.Session, b agent.Backend, model string) {
	if sess.ThreadID == nil || *sess.ThreadID == "" {
		return
	}
	if sess.ThreadBackend != string(b) || sess.ThreadModel != model {
		return
	}
	cache := o.backends.Cache(b)
	if cache == nil {
		return
	}
	if _, ok := cache.Get(sess.ID); !ok {
		cache.Set(sess.ID, *sess.ThreadID)
	}
}

func (o *Orchestrator) publish(ctx context.Context, subject string, data map[string]any) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, subject, bus.NewEvent(subject, o.instanceID, data)); err != nil {
		o.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// turnRun is the state of one turn.
type turnRun struct {
	o          *Orchestrator
	sess       *models.Session
	agent      agent.Agent
	settings   registry.Settings
	cfg        Config
	sink       Sink
	logger     *logger.Logger
	persistCtx context.Context

	items     *itemSet
	// deltaText accumulates text.delta events; finalText is set by
	// response.completed or the summary. See text.
	deltaText string
	finalText string

	usage     *event.Usage
	threadID  *string
	responded bool

	err       error
	stalled   bool
	cancelled bool
	// sinkDead is set once a write failed; nothing more is written.
	sinkDead bool

	assistantID string
}

func (t *turnRun) outcome() string {
	switch {
	case t.cancelled:
		return OutcomeCancelled
	case t.stalled:
		return OutcomeStalled
	case t.err != nil:
		return OutcomeFailed
	default:
		return OutcomeCompleted
	}
}

func (t *turnRun) run(ctx context.Context, req TurnRequest) {
	defer t.write(doneFrame{Type: FrameDone})

	text, err := prompt.Build(prompt.Input{
		Instructions:  t.cfg.Instructions,
		WorkspacePath: t.sess.WorkspacePath,
		UserText:      req.Text,
		Attachments:   req.Attachments,
	})
	if err != nil {
		t.err = err
		t.finish()
		return
	}

	stream, err := t.agent.RunTurnStreamed(ctx, agent.Session{ID: t.sess.ID, WorkspacePath: t.sess.WorkspacePath}, text, agent.Options{
		Env:             t.cfg.Env,
		WorkDir:         t.sess.WorkspacePath,
		Model:           t.settings.Model,
		ReasoningEffort: t.settings.ReasoningEffort,
		ReuseSession:    true,
	})
	if err != nil {
		t.err = err
		t.finish()
		return
	}

	t.consume(ctx, stream)
	stream.Close()

	waitCtx, cancel := context.WithTimeout(t.persistCtx, summaryWait)
	summary, err := stream.Summary(waitCtx)
	cancel()
	if err != nil {
		t.logger.Warn("agent did not resolve its summary", zap.Error(err))
	} else {
		t.absorb(summary)
	}
	t.finish()
}

// consume reads events until the turn ends, the client leaves or a stall
// timeout fires.
func (t *turnRun) consume(ctx context.Context, stream *agent.Stream) {
	for {
		timeout := t.cfg.NoActivityTimeout
		if t.responded {
			timeout = t.cfg.PostResponseTimeout
		}
		nextCtx, cancel := context.WithTimeout(ctx, timeout)
		e, err := stream.Next(nextCtx)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			if ctx.Err() != nil {
				t.cancelled = true
			}
			return
		case ctx.Err() != nil:
			t.cancelled = true
			return
		case errors.Is(err, context.DeadlineExceeded):
			if t.responded {
				t.logger.Debug("agent quiet after responding, ending turn", zap.Duration("timeout", timeout))
				t.write(event.TurnCompleted{Usage: t.usage})
				return
			}
			t.stalled = true
			t.err = &agent.StallTimeoutError{Timeout: timeout}
			return
		default:
			t.err = err
			return
		}

		if !t.handle(e) || t.sinkDead {
			if t.sinkDead {
				t.cancelled = true
			}
			return
		}
	}
}

// handle applies one event and reports whether to keep reading.
func (t *turnRun) handle(e event.Event) bool {
	switch v := e.(type) {
	case event.ThreadStarted:
		t.updateThread(v.ThreadID)
		t.write(v)
	case event.TurnStarted:
		t.write(v)
	case event.ItemStarted, event.ItemUpdated, event.ItemCompleted:
		it, _ := event.ItemOf(e)
		t.items.put(it)
		if _, done := v.(event.ItemCompleted); done && it.Type == event.ItemAgentMessage {
			t.responded = true
		}
		t.write(e)
		t.snapshot()
	case event.TextDelta:
		t.deltaText += v.Delta
		t.write(v)
		t.snapshot()
	case event.ResponseCompleted:
		if v.Text != "" {
			t.finalText = v.Text
		}
		t.write(v)
		t.snapshot()
	case event.TurnCompleted:
		t.usage = event.Merge(t.usage, v.Usage)
		t.responded = true
		t.write(v)
		return false
	case event.TurnFailed:
		t.err = &agent.ProtocolError{Message: v.Error.Message}
		t.write(v)
		return false
	case event.Error:
		// Reported once, as the closing error frame.
		t.err = &agent.ProtocolError{Message: v.Message}
		return false
	}
	return true
}

func (t *turnRun) updateThread(id string) {
	if id == "" || (t.threadID != nil && *t.threadID == id) {
		return
	}
	if err := t.o.store.UpdateSessionThreadID(t.persistCtx, t.sess.ID, &id, string(t.agent.Backend()), t.settings.Model); err != nil {
		t.logger.Warn("failed to store thread id", zap.Error(err))
		return
	}
	t.threadID = &id
}

// absorb fills gaps from the adapter's summary.
func (t *turnRun) absorb(s *agent.ExecutionSummary) {
	if t.text() == "" && s.FinalText != "" {
		t.finalText = s.FinalText
	}
	if t.usage == nil {
		t.usage = s.Usage
	}
	if t.items.len() == 0 {
		for _, it := range s.Items {
			t.items.put(it)
		}
	}
	if s.ResumeID != "" && !t.cancelled {
		t.updateThread(s.ResumeID)
	}
	// A turn that ended without a terminal event still reports the
	// adapter's failure, unless this side ended it on purpose.
	if t.err == nil && !t.cancelled && s.Err != nil && !errors.Is(s.Err, context.Canceled) && !t.responded {
		t.err = s.Err
	}
}

// finish persists the outcome and writes the closing error frame.
func (t *turnRun) finish() {
	hasContent := strings.TrimSpace(t.text()) != ""

	switch {
	case t.err != nil && !hasContent:
		t.agent.ForgetSession(t.sess.ID)
		if t.threadID != nil {
			if err := t.o.store.UpdateSessionThreadID(t.persistCtx, t.sess.ID, nil, "", ""); err != nil {
				t.logger.Warn("failed to clear thread id", zap.Error(err))
			}
			t.threadID = nil
		}
	case t.err != nil:
		t.persist(map[string]any{"error": t.err.Error(), "partial": true})
	case t.cancelled:
		if hasContent {
			t.persist(map[string]any{"cancelled": true, "partial": true})
		}
	default:
		t.persist(nil)
	}

	if t.err != nil {
		t.logger.Warn("turn failed", zap.Error(t.err))
		t.write(event.Error{Message: errorMessage(t.err)})
	}
}

func (t *turnRun) persist(extra map[string]any) {
	md := map[string]any{
		"backend": string(t.agent.Backend()),
		"model":   t.settings.Model,
	}
	if t.settings.ReasoningEffort != "" {
		md["reasoningEffort"] = t.settings.ReasoningEffort
	}
	if t.usage != nil {
		md["usage"] = t.usage
	}
	for k, v := range extra {
		md[k] = v
	}
	msg := &models.Message{
		SessionID: t.sess.ID,
		Role:      models.RoleAssistant,
		Content:   t.text(),
		Items:     t.items.list(),
		Metadata:  md,
	}
	if err := t.o.store.AddMessage(t.persistCtx, msg); err != nil {
		t.logger.Error("failed to save assistant message", zap.Error(err))
		return
	}
	t.assistantID = msg.ID
}

// text is the assistant reply so far: the final text once known, else the
// agent_message items, else the streamed deltas.
func (t *turnRun) text() string {
	if t.finalText != "" {
		return t.finalText
	}
	if s := t.items.messageText(); s != "" {
		return s
	}
	return t.deltaText
}

func (t *turnRun) snapshot() {
	t.write(Snapshot{Type: FrameSnapshot, Items: t.items.list(), Text: t.text()})
}

func (t *turnRun) write(v any) {
	if t.sinkDead {
		return
	}
	frame, err := encodeFrame(v)
	if err != nil {
		t.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	if err := t.sink.WriteFrame(frame); err != nil {
		t.logger.Debug("client went away", zap.Error(err))
		t.sinkDead = true
	}
}

func errorMessage(err error) string {
	var ae *apperrors.AppError
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

// itemSet keeps items in first-seen order, values always replaced.
type itemSet struct {
	order []string
	byID  map[string]event.Item
}

func newItemSet() *itemSet {
	return &itemSet{byID: make(map[string]event.Item)}
}

func (s *itemSet) put(it event.Item) {
	if _, ok := s.byID[it.ID]; !ok {
		s.order = append(s.order, it.ID)
	}
	s.byID[it.ID] = it
}

func (s *itemSet) len() int { return len(s.order) }

// messageText joins the text of the agent_message items.
func (s *itemSet) messageText() string {
	var parts []string
	for _, id := range s.order {
		if it := s.byID[id]; it.Type == event.ItemAgentMessage && it.Text != "" {
			parts = append(parts, it.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (s *itemSet) list() []event.Item {
	out := make([]event.Item, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}
