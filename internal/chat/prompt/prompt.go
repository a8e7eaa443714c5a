// Package prompt composes the text sent to the agent for one turn.
package prompt

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
)

// Input holds the parts of a turn prompt.
type Input struct {
	Instructions  string
	WorkspacePath string
	UserText      string
	Attachments   []models.Attachment
}

type manifest struct {
	Attachments []models.Attachment `yaml:"attachments"`
}

// Build renders the prompt: instructions, the workspace line, the user text
// and, when files were attached, a YAML manifest describing them.
func Build(in Input) (string, error) {
	var parts []string
	if s := strings.TrimSpace(in.Instructions); s != "" {
		parts = append(parts, s)
	}
	if in.WorkspacePath != "" {
		parts = append(parts, "Workspace: "+in.WorkspacePath)
	}
	if s := strings.TrimSpace(in.UserText); s != "" {
		parts = append(parts, s)
	}
	if len(in.Attachments) > 0 {
		out, err := yaml.Marshal(manifest{Attachments: in.Attachments})
		if err != nil {
			return "", fmt.Errorf("encode attachment manifest: %w", err)
		}
		parts = append(parts, "Attached files (paths are relative to the workspace):\n"+strings.TrimRight(string(out), "\n"))
	}
	return strings.Join(parts, "\n\n"), nil
}
