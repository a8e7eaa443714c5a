package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kaptinlin/jsonrepair"
)

// MaxTitleRunes caps suggested titles.
const MaxTitleRunes = 80

// TitlePrompt asks the agent for a title, without touching any files.
func TitlePrompt(transcriptJSON string) string {
	return fmt.Sprintf(`Suggest a short title (at most 8 words) for the conversation below.
Do not run tools or modify files. Reply with JSON only: {"title": "<title>"}

Conversation:
%s`, transcriptJSON)
}

// ParseTitle extracts a title from the agent's reply. Replies may be JSON
// (possibly malformed), or plain text where the first non-empty line is used.
func ParseTitle(reply string) *string {
	reply = strings.TrimSpace(stripCodeFence(reply))
	if reply == "" {
		return nil
	}

	var title string
	if strings.HasPrefix(reply, "{") {
		title = titleFromJSON(reply)
	}
	if title == "" {
		for _, line := range strings.Split(reply, "\n") {
			if line = strings.TrimSpace(line); line != "" && !strings.HasPrefix(line, "{") {
				title = line
				break
			}
		}
	}

	title = strings.TrimSpace(strings.Trim(strings.TrimSpace(title), `"'`+"`"))
	title = strings.TrimPrefix(title, "Title:")
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	if utf8.RuneCountInString(title) > MaxTitleRunes {
		runes := []rune(title)
		title = strings.TrimSpace(string(runes[:MaxTitleRunes]))
	}
	return &title
}

func titleFromJSON(s string) string {
	var obj struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		return obj.Title
	}
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return ""
	}
	if err := json.Unmarshal([]byte(repaired), &obj); err != nil {
		return ""
	}
	return obj.Title
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
