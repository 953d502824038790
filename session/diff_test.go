package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFromWriteTool(t *testing.T) {
	x := NewToolDiffExtractor()

	rec, err := x.ExtractFromToolUse(context.Background(), "sess-1", ToolInvocation{
		ID:   "inv-1",
		Name: "Write",
		Input: map[string]interface{}{
			"file_path": "src/main.go",
			"content":   "package main",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "sess-1", rec.SessionID)
	assert.Equal(t, "src/main.go", rec.FilePath)
	assert.Equal(t, "create", rec.Operation)
	assert.Equal(t, "package main", rec.NewText)
	assert.Equal(t, DiffPending, rec.Status)
}

func TestExtractFromEditTool(t *testing.T) {
	x := NewToolDiffExtractor()

	rec, err := x.ExtractFromToolUse(context.Background(), "sess-1", ToolInvocation{
		Name: "Edit",
		Input: map[string]interface{}{
			"file_path":  "src/main.go",
			"old_string": "foo",
			"new_string": "bar",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "edit", rec.Operation)
	assert.Equal(t, "foo", rec.OldText)
	assert.Equal(t, "bar", rec.NewText)
}

func TestExtractAlternateKeyNames(t *testing.T) {
	x := NewToolDiffExtractor()

	rec, err := x.ExtractFromToolUse(context.Background(), "sess-1", ToolInvocation{
		Name: "str_replace",
		Input: map[string]interface{}{
			"path":    "lib/util.py",
			"old_str": "a",
			"new_str": "b",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "lib/util.py", rec.FilePath)
}

func TestExtractNonFileToolYieldsNil(t *testing.T) {
	x := NewToolDiffExtractor()

	rec, err := x.ExtractFromToolUse(context.Background(), "sess-1", ToolInvocation{
		Name:  "Bash",
		Input: map[string]interface{}{"command": "ls"},
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestExtractMissingPathYieldsNil(t *testing.T) {
	x := NewToolDiffExtractor()

	rec, err := x.ExtractFromToolUse(context.Background(), "sess-1", ToolInvocation{
		Name:  "Write",
		Input: map[string]interface{}{"content": "body only"},
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
}
