package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ToolDiffExtractor derives diff records from the file-modifying tools the
// supported CLIs expose. Tools that do not touch files yield nil.
type ToolDiffExtractor struct{}

// NewToolDiffExtractor returns the standard extractor.
func NewToolDiffExtractor() *ToolDiffExtractor {
	return &ToolDiffExtractor{}
}

// ExtractFromToolUse implements DiffExtractor.
func (x *ToolDiffExtractor) ExtractFromToolUse(ctx context.Context, sessionID string, inv ToolInvocation) (*DiffRecord, error) {
	switch inv.Name {
	case "Write", "write_file", "create_file":
		path := stringField(inv.Input, "file_path", "path")
		if path == "" {
			return nil, nil
		}
		return x.record(sessionID, path, "create", "", stringField(inv.Input, "content", "contents")), nil
	case "Edit", "edit_file", "str_replace":
		path := stringField(inv.Input, "file_path", "path")
		if path == "" {
			return nil, nil
		}
		return x.record(sessionID, path, "edit",
			stringField(inv.Input, "old_string", "old_str"),
			stringField(inv.Input, "new_string", "new_str")), nil
	case "NotebookEdit":
		path := stringField(inv.Input, "notebook_path")
		if path == "" {
			return nil, nil
		}
		return x.record(sessionID, path, "edit", "", stringField(inv.Input, "new_source")), nil
	default:
		return nil, nil
	}
}

func (x *ToolDiffExtractor) record(sessionID, path, op, oldText, newText string) *DiffRecord {
	return &DiffRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		FilePath:  path,
		Operation: op,
		OldText:   oldText,
		NewText:   newText,
		Status:    DiffPending,
		CreatedAt: time.Now().UTC(),
	}
}

// stringField returns the first present string value among the given keys.
func stringField(input map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := input[k].(string); ok {
			return v
		}
	}
	return ""
}
