// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package tools

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// resultPointerPrefix marks the line a ResultEvictor appends to an evicted
// tool result. The agent loop's history writer recognizes it and stores only
// the pointer, not the head/tail preview, so an evicted result never grows
// history by more than a few lines.
const resultPointerPrefix = "[Full content: "

// ResultEvictor bounds how much of a single tool result stays resident in
// conversation history. Results over Threshold bytes are spilled to a
// scratch file under workspace/scratch/.tool-results/ and replaced with a
// head/tail preview plus a pointer to the file.
type ResultEvictor struct {
	workspace string
	Threshold int // byte threshold above which a result is evicted
	PreviewK  int // bytes kept at head and at tail of the preview
}

// NewResultEvictor creates an evictor rooted at workspace with the given
// byte threshold. A non-positive threshold or previewK falls back to
// sensible defaults (8000 bytes, 1500-byte previews).
func NewResultEvictor(workspace string, threshold, previewK int) *ResultEvictor {
	if threshold <= 0 {
		threshold = 8000
	}
	if previewK <= 0 {
		previewK = 1500
	}
	return &ResultEvictor{workspace: workspace, Threshold: threshold, PreviewK: previewK}
}

// Process returns result unchanged if it is within Threshold. Otherwise it
// writes the full content to a scratch file and returns a composite string:
// a size notice, a HEAD block, a TAIL block, and a pointer line.
func (e *ResultEvictor) Process(result string) string {
	if len(result) <= e.Threshold {
		return result
	}

	scratchDir := filepath.Join(e.workspace, "scratch", ".tool-results")
	if err := os.MkdirAll(scratchDir, 0755); err != nil {
		// Can't spill to disk; fall back to a plain truncation rather than
		// losing the result entirely.
		return e.headTailOnly(result)
	}

	id := uuid.NewString()
	relPath := filepath.Join("scratch", ".tool-results", id+".txt")
	fullPath := filepath.Join(e.workspace, relPath)

	if err := os.WriteFile(fullPath, []byte(result), 0644); err != nil {
		return e.headTailOnly(result)
	}

	head := firstBytes(result, e.PreviewK)
	tail := lastBytes(result, e.PreviewK)

	return fmt.Sprintf(
		"[Result too large: %d bytes, truncated]\n=== HEAD ===\n%s\n=== TAIL ===\n%s\n%s%s — use read_file to access]",
		len(result), head, tail, resultPointerPrefix, relPath,
	)
}

// headTailOnly builds the same preview shape without a backing scratch
// file, used only when the scratch directory can't be created or written.
func (e *ResultEvictor) headTailOnly(result string) string {
	head := firstBytes(result, e.PreviewK)
	tail := lastBytes(result, e.PreviewK)
	return fmt.Sprintf(
		"[Result too large: %d bytes, could not be spilled to disk]\n=== HEAD ===\n%s\n=== TAIL ===\n%s",
		len(result), head, tail,
	)
}

// IsEvictedPointer reports whether s is an evictor-produced result, i.e.
// whether the history writer should store only the pointer line.
func IsEvictedPointer(s string) bool {
	return len(s) > 0 && containsPointer(s)
}

// PointerLine extracts just the "[Full content: ...]" line from an evicted
// result, for compact history storage. Returns s unchanged if no pointer
// line is present.
func PointerLine(s string) string {
	idx := indexOf(s, resultPointerPrefix)
	if idx < 0 {
		return s
	}
	return s[idx:]
}

func containsPointer(s string) bool {
	return indexOf(s, resultPointerPrefix) >= 0
}

func indexOf(s, substr string) int {
	n, m := len(s), len(substr)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == substr {
			return i
		}
	}
	return -1
}

func firstBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
