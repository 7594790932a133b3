package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EditFileTool performs an exact old_text -> new_text replacement within a
// single file, restricted to a workspace directory.
type EditFileTool struct {
	allowedDir string
}

// NewEditFileTool creates an EditFileTool restricted to allowedDir. An empty
// allowedDir disables the restriction.
func NewEditFileTool(allowedDir string) *EditFileTool {
	return &EditFileTool{allowedDir: allowedDir}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact substring in a file with new text."
}
func (t *EditFileTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"path": map[string]interface{}{
				"type":        "string",
				"description": "File to edit",
			},
			"old_text": map[string]interface{}{
				"type":        "string",
				"description": "Exact text to find (must appear exactly once)",
			},
			"new_text": map[string]interface{}{
				"type":        "string",
				"description": "Replacement text",
			},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) Execute(_ context.Context, args map[string]interface{}) (string, error) {
	path, ok := args["path"].(string)
	if !ok || strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	oldText, ok := args["old_text"].(string)
	if !ok {
		return "", fmt.Errorf("old_text is required")
	}
	newText, ok := args["new_text"].(string)
	if !ok {
		return "", fmt.Errorf("new_text is required")
	}

	if err := t.checkAllowed(path); err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	content := string(data)
	count := strings.Count(content, oldText)
	if count == 0 {
		return "", fmt.Errorf("old_text not found in %s", path)
	}
	if count > 1 {
		return "", fmt.Errorf("old_text is not unique in %s (found %d occurrences)", path, count)
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}

	return "File edited successfully", nil
}

// checkAllowed rejects paths that escape t.allowedDir, guarding against both
// ../ traversal and directories that merely share a string prefix with the
// allowed directory (e.g. "workspace" vs "workspace-escape").
func (t *EditFileTool) checkAllowed(path string) error {
	if t.allowedDir == "" {
		return nil
	}

	absAllowed, err := filepath.Abs(t.allowedDir)
	if err != nil {
		return fmt.Errorf("resolving allowed directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving path: %w", err)
	}

	rel, err := filepath.Rel(absAllowed, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside allowed directory %s", path, t.allowedDir)
	}

	return nil
}
