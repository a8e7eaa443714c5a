package cliagent

import (
	"encoding/json"
	"errors"
	"strings"
)

// record is one JSON object read from the agent's stdout.
type record map[string]any

// parseRecord decodes a line; anything but a JSON object is an error.
func parseRecord(line []byte) (record, error) {
	var raw any
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return record(obj), nil
}

var errNotObject = errors.New("line is not a JSON object")

func (r record) str(key string) string {
	s, _ := r[key].(string)
	return s
}

func (r record) obj(key string) record {
	m, _ := r[key].(map[string]any)
	return record(m)
}

// kind returns the lower-cased record type.
func (r record) kind() string {
	return strings.ToLower(strings.TrimSpace(r.str("type")))
}

// sessionID applies the resumable id heuristic: well-known top-level keys,
// then a nested session object, then the record's own id when its type
// mentions a session. An empty result is not an error.
func (r record) sessionID() string {
	for _, k := range []string{"session_id", "sessionId", "thread_id", "threadId"} {
		if s := strings.TrimSpace(r.str(k)); s != "" {
			return s
		}
	}
	if nested := r.obj("session"); nested != nil {
		for _, k := range []string{"id", "session_id", "sessionId"} {
			if s := strings.TrimSpace(nested.str(k)); s != "" {
				return s
			}
		}
	}
	if strings.Contains(r.kind(), "session") {
		return strings.TrimSpace(r.str("id"))
	}
	return ""
}

// role is the lower-cased author role, from the record or its message object.
func (r record) role() string {
	role := r.str("role")
	if role == "" {
		role = r.obj("message").str("role")
	}
	return strings.ToLower(strings.TrimSpace(role))
}

// text returns the assistant text carried by a message-like record.
func (r record) text() string {
	if s := r.str("text"); s != "" {
		return s
	}
	if s := r.str("result"); s != "" {
		return s
	}
	if s, ok := r["content"].(string); ok && s != "" {
		return s
	}
	if s := contentText(r["content"]); s != "" {
		return s
	}
	if msg := r.obj("message"); msg != nil {
		if s, ok := msg["content"].(string); ok {
			return s
		}
		return contentText(msg["content"])
	}
	return ""
}

// contentText concatenates the text parts of a content array.
func contentText(v any) string {
	parts, ok := v.([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, p := range parts {
		part, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := part["type"].(string); t != "" && t != "text" && t != "output_text" {
			continue
		}
		if s, ok := part["text"].(string); ok {
			b.WriteString(s)
		}
	}
	return b.String()
}

// errorMessage returns the message of an error record.
func (r record) errorMessage() string {
	if s := strings.TrimSpace(r.str("message")); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.str("error")); s != "" {
		return s
	}
	if s := strings.TrimSpace(r.obj("error").str("message")); s != "" {
		return s
	}
	return ""
}

// isError reports a result record flagged as failed.
func (r record) isError() bool {
	b, _ := r["is_error"].(bool)
	return b || strings.EqualFold(r.str("subtype"), "error")
}
