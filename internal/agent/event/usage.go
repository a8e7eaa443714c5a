package event

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Usage is token accounting for one turn.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

// NormalizeUsage converts a decoded JSON value into Usage. Non-objects and
// objects without any known token field yield nil. Values may be numbers or
// numeric strings; anything else counts as 0.
func NormalizeUsage(raw any) *Usage {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil
	}

	var u Usage
	found := false
	pick := func(dst *int64, keys ...string) {
		for _, k := range keys {
			if v, ok := obj[k]; ok {
				found = true
				*dst = toInt64(v)
				return
			}
		}
	}
	pick(&u.InputTokens, "input_tokens", "inputTokens", "prompt_tokens")
	pick(&u.CachedInputTokens, "cached_input_tokens", "cachedInputTokens", "cache_read_input_tokens")
	pick(&u.OutputTokens, "output_tokens", "outputTokens", "completion_tokens")
	if !found {
		return nil
	}
	return &u
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
	}
	return 0
}

// Add accumulates o into u. A nil receiver is not allowed; use Merge.
func (u *Usage) Add(o *Usage) {
	if o == nil {
		return
	}
	u.InputTokens += o.InputTokens
	u.CachedInputTokens += o.CachedInputTokens
	u.OutputTokens += o.OutputTokens
}

// Merge returns a+b, nil when both are nil.
func Merge(a, b *Usage) *Usage {
	if a == nil && b == nil {
		return nil
	}
	out := &Usage{}
	out.Add(a)
	out.Add(b)
	return out
}
