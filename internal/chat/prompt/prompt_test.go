package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ETdoFresh/webedt-main-app-sub001/internal/chat/models"
)

func TestBuild_TextOnly(t *testing.T) {
	got, err := Build(Input{
		Instructions:  "  Be concise.  ",
		WorkspacePath: "/w/42",
		UserText:      "fix the tests\n",
	})
	require.NoError(t, err)
	assert.Equal(t, "Be concise.\n\nWorkspace: /w/42\n\nfix the tests", got)
}

func TestBuild_OmitsEmptyParts(t *testing.T) {
	got, err := Build(Input{UserText: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", got)
}

func TestBuild_AttachmentManifest(t *testing.T) {
	files := []models.Attachment{
		{Name: "shot.png", Path: "uploads/shot.png", MimeType: "image/png", Size: 2048},
		{Name: "notes.txt", Path: "uploads/notes.txt"},
	}
	got, err := Build(Input{UserText: "see attached", Attachments: files})
	require.NoError(t, err)

	head, body, ok := strings.Cut(got, "Attached files (paths are relative to the workspace):\n")
	require.True(t, ok)
	assert.Equal(t, "see attached\n\n", head)

	var m manifest
	require.NoError(t, yaml.Unmarshal([]byte(body), &m))
	assert.Equal(t, files, m.Attachments)
	assert.Contains(t, body, "mime_type: image/png")
}
