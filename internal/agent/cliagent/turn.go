package cliagent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/continuity"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
	"github.com/ETdoFresh/webedt-main-app-sub001/internal/common/logger"
)

type turnState string

const (
	stateSpawning  turnState = "spawning"
	stateStreaming turnState = "streaming"
	stateCompleted turnState = "completed"
	stateFailed    turnState = "failed"
	stateClosed    turnState = "closed"
)

const fallbackErrorMessage = "agent reported an error"

type turnConfig struct {
	path      string
	args      []string
	workDir   string
	env       []string
	sessionID string
	resumeID  string
	persist   bool
	cache     *continuity.Cache
	grace     time.Duration
}

// turn drives one CLI process. Record handling runs on the stdout reader
// goroutine; run reads that state only after the reader has returned.
type turn struct {
	cfg    turnConfig
	stream *agent.Stream
	logger *logger.Logger
	state  turnState
	diag   *diagBuffer

	acc       *textAccumulator
	tools     []event.Item
	toolIndex map[string]int
	usage     *event.Usage
	currentID string
	seenIDs   map[string]bool
	failure   error
}

func newTurn(cfg turnConfig, stream *agent.Stream, log *logger.Logger) *turn {
	t := &turn{
		cfg:       cfg,
		stream:    stream,
		logger:    log,
		diag:      newDiagBuffer(64 * 1024),
		acc:       newTextAccumulator("msg_" + uuid.New().String()),
		toolIndex: make(map[string]int),
		currentID: cfg.resumeID,
		seenIDs:   make(map[string]bool),
	}
	if cfg.resumeID != "" {
		t.seenIDs[cfg.resumeID] = true
	}
	return t
}

func (t *turn) setState(s turnState) {
	t.state = s
	t.logger.Debug("agent turn state", zap.String("state", string(s)))
}

func (t *turn) emit(e event.Event) {
	t.stream.Emit(e)
}

func (t *turn) run(ctx context.Context) {
	t.setState(stateSpawning)

	cmd := exec.Command(t.cfg.path, t.cfg.args...)
	cmd.Dir = t.cfg.workDir
	cmd.Env = t.cfg.env
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.finishFailed(&agent.SpawnError{Path: t.cfg.path, Err: err})
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.finishFailed(&agent.SpawnError{Path: t.cfg.path, Err: err})
		return
	}
	if err := cmd.Start(); err != nil {
		t.finishFailed(&agent.SpawnError{Path: t.cfg.path, Err: err})
		return
	}

	t.setState(stateStreaming)
	t.logger.Debug("agent process started", zap.Int("pid", cmd.Process.Pid), zap.Bool("resume", t.cfg.resumeID != ""))

	exited := make(chan struct{})
	go t.terminateOnCancel(ctx, cmd.Process, exited)

	var g errgroup.Group
	g.Go(func() error { return t.readStdout(stdout) })
	g.Go(func() error {
		_, err := io.Copy(t.diag, stderr)
		return err
	})
	if err := g.Wait(); err != nil {
		t.logger.Debug("agent output reader stopped", zap.Error(err))
	}
	waitErr := cmd.Wait()
	close(exited)

	switch {
	case ctx.Err() != nil && (waitErr != nil || t.stream.Closed()):
		t.finish(context.Canceled)
	case t.failure != nil:
		t.setState(stateFailed)
		t.finish(t.failure)
	case waitErr != nil:
		t.finishFailed(t.exitError(waitErr))
	default:
		t.finishCompleted()
	}
}

// terminateOnCancel sends SIGTERM to the process group once ctx is done,
// then SIGKILL if the process outlives the grace period.
func (t *turn) terminateOnCancel(ctx context.Context, p *os.Process, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}

	t.logger.Debug("terminating agent process", zap.Int("pid", p.Pid))
	if err := terminateGroup(p); err != nil {
		t.logger.Debug("failed to signal agent process", zap.Error(err))
	}
	select {
	case <-exited:
		return
	case <-time.After(t.cfg.grace):
	}
	_ = killGroup(p)
}

var errLineTooLong = errors.New("line exceeds the size limit")

// readStdout handles one record per line. A line longer than maxLineSize is
// skipped up to its newline and reading continues with the next one.
func (t *turn) readStdout(r io.Reader) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var line []byte
	skipping := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !skipping {
			if len(line)+len(chunk) > maxLineSize {
				if len(line) > 0 {
					t.dropOversized(line)
				} else {
					t.dropOversized(chunk)
				}
				line = line[:0]
				skipping = true
			} else {
				line = append(line, chunk...)
			}
		}

		switch {
		case err == nil:
			if !skipping {
				t.handleLine(line)
			}
			line = line[:0]
			skipping = false
		case errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF):
			if !skipping {
				t.handleLine(line)
			}
			return nil
		default:
			t.diag.appendLine(fmt.Sprintf("agent output unreadable: %v", err))
			return err
		}
	}
}

func (t *turn) dropOversized(prefix []byte) {
	perr := &agent.ParseError{Line: truncate(string(prefix[:min(len(prefix), 201)]), 200), Err: errLineTooLong}
	t.logger.Warn("skipping oversized agent output line", zap.Error(perr))
	t.diag.appendLine(perr.Error())
}

func (t *turn) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	rec, err := parseRecord(line)
	if err != nil {
		perr := &agent.ParseError{Line: truncate(string(line), 200), Err: err}
		t.logger.Debug("unparseable agent output", zap.Error(perr))
		t.diag.appendLine(string(line))
		return
	}
	t.handleRecord(rec)
}

func (t *turn) handleRecord(rec record) {
	if id := rec.sessionID(); id != "" {
		t.observeSession(id)
	}
	if t.failure != nil {
		return
	}

	switch rec.kind() {
	case "message", "response", "assistant":
		if role := rec.role(); role == "" || role == "assistant" {
			t.feedText(rec.text())
		}
	case "result":
		if rec.isError() {
			msg := rec.errorMessage()
			if msg == "" {
				msg = strings.TrimSpace(rec.text())
			}
			t.failWith(msg)
			return
		}
		t.feedText(rec.text())
		if u := event.NormalizeUsage(rec["usage"]); u != nil {
			t.usage = u
		}
	case "usage":
		if u := event.NormalizeUsage(map[string]any(rec)); u != nil {
			t.usage = u
		}
	case "error", "exception", "failure":
		t.failWith(rec.errorMessage())
	case "tool_call":
		t.handleToolCall(rec)
	}
}

// observeSession records a reported resumable id. thread.started is emitted
// once per distinct id; the cache follows the latest id when persisting.
func (t *turn) observeSession(id string) {
	if id == t.currentID {
		return
	}
	t.currentID = id
	if t.cfg.persist {
		t.cfg.cache.Set(t.cfg.sessionID, id)
	}
	if t.seenIDs[id] {
		return
	}
	t.seenIDs[id] = true
	t.emit(event.ThreadStarted{ThreadID: id})
}

func (t *turn) feedText(text string) {
	for _, e := range t.acc.update(text) {
		t.emit(e)
	}
}

// failWith emits the one turn.failed of this turn for an explicit error record.
func (t *turn) failWith(msg string) {
	if msg == "" {
		msg = t.diag.String()
	}
	if msg == "" {
		msg = fallbackErrorMessage
	}
	t.failure = &agent.ProtocolError{Message: msg}
	t.emit(event.Failed(msg))
}

func (t *turn) handleToolCall(rec record) {
	id := rec.str("call_id")
	if id == "" {
		id = rec.str("id")
	}
	if id == "" {
		return
	}
	name, input := toolCallDetails(rec)

	idx, known := t.toolIndex[id]
	if !known {
		idx = len(t.tools)
		t.toolIndex[id] = idx
		t.tools = append(t.tools, event.Item{ID: id, Type: event.ItemToolCall, Name: name, Input: input})
	}
	item := &t.tools[idx]
	if name != "" {
		item.Name = name
	}
	if input != nil {
		item.Input = input
	}

	switch strings.ToLower(rec.str("subtype")) {
	case "completed", "complete", "finished":
		item.Status = event.StatusCompleted
		if out := rec.str("output"); out != "" {
			item.Output = out
		}
		t.emit(event.ItemCompleted{Item: *item})
	default:
		item.Status = event.StatusInProgress
		if known {
			t.emit(event.ItemUpdated{Item: *item})
		} else {
			t.emit(event.ItemStarted{Item: *item})
		}
	}
}

// toolCallDetails reads {"tool_call": {"<name>ToolCall": {"args": ...}}}
// as well as flat {"name": ..., "args": ...} records.
func toolCallDetails(rec record) (string, any) {
	if name := rec.str("name"); name != "" {
		return name, rec["args"]
	}
	for key, v := range rec.obj("tool_call") {
		body, _ := v.(map[string]any)
		return strings.TrimSuffix(key, "ToolCall"), body["args"]
	}
	return "", nil
}

func (t *turn) exitError(waitErr error) error {
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		return &agent.ProcessExitError{Code: ee.ExitCode(), Signal: exitSignal(ee), Detail: t.diag.String()}
	}
	return &agent.ProcessExitError{Code: -1, Detail: waitErr.Error()}
}

func (t *turn) finishFailed(err error) {
	t.setState(stateFailed)
	msg := err.Error()
	var pe *agent.ProcessExitError
	if errors.As(err, &pe) {
		if diag := t.diag.String(); diag != "" {
			msg = diag
		}
	}
	t.emit(event.Failed(msg))
	t.finish(err)
}

func (t *turn) finishCompleted() {
	t.setState(stateCompleted)
	if item, ok := t.acc.complete(); ok {
		t.emit(event.ItemCompleted{Item: item})
	}
	t.emit(event.ResponseCompleted{Text: t.acc.text()})
	t.emit(event.TurnCompleted{Usage: t.usage})
	t.finish(nil)
}

func (t *turn) finish(err error) {
	items := append([]event.Item(nil), t.tools...)
	if item, ok := t.acc.snapshot(); ok {
		items = append(items, item)
	}
	t.stream.Finish(&agent.ExecutionSummary{
		FinalText: t.acc.text(),
		Items:     items,
		Usage:     t.usage,
		ResumeID:  t.currentID,
		Err:       err,
	})
	t.setState(stateClosed)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// diagBuffer keeps the most recent stderr and unparseable stdout.
type diagBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newDiagBuffer(max int) *diagBuffer {
	return &diagBuffer{max: max}
}

func (d *diagBuffer) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buf = append(d.buf, p...)
	if over := len(d.buf) - d.max; over > 0 {
		d.buf = d.buf[over:]
	}
	return len(p), nil
}

func (d *diagBuffer) appendLine(s string) {
	d.mu.Lock()
	needNL := len(d.buf) > 0 && d.buf[len(d.buf)-1] != '\n'
	d.mu.Unlock()
	if needNL {
		_, _ = d.Write([]byte{'\n'})
	}
	_, _ = d.Write([]byte(s + "\n"))
}

// String returns the trimmed contents.
func (d *diagBuffer) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.TrimSpace(string(d.buf))
}
