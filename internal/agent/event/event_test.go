package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_WireShape(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"thread started", ThreadStarted{ThreadID: "abc"}, `{"type":"thread.started","thread_id":"abc"}`},
		{"turn started", TurnStarted{}, `{"type":"turn.started"}`},
		{"turn completed without usage", TurnCompleted{}, `{"type":"turn.completed","usage":null}`},
		{"turn failed", Failed("boom"), `{"type":"turn.failed","error":{"message":"boom"}}`},
		{"text delta", TextDelta{Delta: " there"}, `{"type":"text.delta","delta":" there"}`},
		{"item started", ItemStarted{Item: Item{ID: "m1", Type: ItemAgentMessage, Text: "Hi"}},
			`{"type":"item.started","item":{"id":"m1","type":"agent_message","text":"Hi"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Marshal(tt.ev)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
			assert.True(t, json.Valid(got))
		})
	}
}

func TestUnmarshal_RoundTripsEveryKind(t *testing.T) {
	events := []Event{
		ThreadStarted{ThreadID: "t"},
		TurnStarted{},
		TurnCompleted{Usage: &Usage{InputTokens: 1, OutputTokens: 2}},
		Failed("x"),
		Error{Message: "y"},
		ItemStarted{Item: Item{ID: "1", Type: ItemToolCall, Name: "read"}},
		ItemUpdated{Item: Item{ID: "1", Type: ItemAgentMessage, Text: "a"}},
		ItemCompleted{Item: Item{ID: "1", Type: ItemAgentMessage, Status: StatusCompleted}},
		TextDelta{Delta: "d"},
		ResponseCompleted{Text: "done"},
	}
	for _, ev := range events {
		data, err := Marshal(ev)
		require.NoError(t, err)
		got, err := Unmarshal(data)
		require.NoError(t, err, string(data))
		assert.Equal(t, ev, got)
	}
}

func TestUnmarshal_UnknownType(t *testing.T) {
	_, err := Unmarshal([]byte(`{"type":"mystery"}`))
	assert.Error(t, err)
}

func TestItemOfAndIsTerminal(t *testing.T) {
	item, ok := ItemOf(ItemUpdated{Item: Item{ID: "x"}})
	assert.True(t, ok)
	assert.Equal(t, "x", item.ID)

	_, ok = ItemOf(TextDelta{Delta: "a"})
	assert.False(t, ok)

	assert.True(t, IsTerminal(TurnCompleted{}))
	assert.True(t, IsTerminal(Failed("x")))
	assert.False(t, IsTerminal(Error{Message: "x"}))
}

func TestNormalizeUsage(t *testing.T) {
	var raw any
	require.NoError(t, json.Unmarshal([]byte(`{"input_tokens":"12","output_tokens":5}`), &raw))
	assert.Equal(t, &Usage{InputTokens: 12, CachedInputTokens: 0, OutputTokens: 5}, NormalizeUsage(raw))

	assert.Nil(t, NormalizeUsage(map[string]any{}))
	assert.Nil(t, NormalizeUsage("12"))
	assert.Nil(t, NormalizeUsage(nil))
	assert.Nil(t, NormalizeUsage([]any{1.0}))

	u := NormalizeUsage(map[string]any{"inputTokens": "abc", "cachedInputTokens": 3.0, "outputTokens": json.Number("7")})
	assert.Equal(t, &Usage{InputTokens: 0, CachedInputTokens: 3, OutputTokens: 7}, u)
}

func TestMerge(t *testing.T) {
	assert.Nil(t, Merge(nil, nil))
	assert.Equal(t, &Usage{InputTokens: 3, OutputTokens: 1}, Merge(&Usage{InputTokens: 1}, &Usage{InputTokens: 2, OutputTokens: 1}))
}
