package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/agent/event"
)

// Sink receives the frames of one turn, one JSON object per call. A write
// error means the client is gone.
type Sink interface {
	WriteFrame(frame []byte) error
}

// Frame types the orchestrator adds to the event stream.
const (
	FrameSnapshot = "snapshot"
	FrameDone     = "done"
)

// Snapshot is the accumulated state of a turn.
type Snapshot struct {
	Type  string       `json:"type"`
	Items []event.Item `json:"items"`
	Text  string       `json:"text"`
}

type doneFrame struct {
	Type string `json:"type"`
}

func encodeFrame(v any) ([]byte, error) {
	if e, ok := v.(event.Event); ok {
		return event.Marshal(e)
	}
	return json.Marshal(v)
}

// NDJSONSink writes newline-delimited JSON, flushing after every line.
type NDJSONSink struct {
	w       io.Writer
	flusher http.Flusher
}

// NewNDJSONSink wraps w; w is flushed per frame when it implements
// http.Flusher.
func NewNDJSONSink(w io.Writer) *NDJSONSink {
	f, _ := w.(http.Flusher)
	return &NDJSONSink{w: w, flusher: f}
}

func (s *NDJSONSink) WriteFrame(frame []byte) error {
	if bytes.ContainsAny(frame, "\n\r") {
		return fmt.Errorf("frame contains a line break")
	}
	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// WebSocketSink sends each frame as one text message.
type WebSocketSink struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketSink writes to conn. writeTimeout bounds each message; zero
// disables the deadline.
func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

func (s *WebSocketSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// WriteError reports a turn that could not start: an error frame then done.
func WriteError(s Sink, message string) error {
	frame, err := encodeFrame(event.Error{Message: message})
	if err != nil {
		return err
	}
	if err := s.WriteFrame(frame); err != nil {
		return err
	}
	done, err := encodeFrame(doneFrame{Type: FrameDone})
	if err != nil {
		return err
	}
	return s.WriteFrame(done)
}
