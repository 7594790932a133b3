// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package history implements the durable, queryable conversation log behind
// one contract (Add, GetMessages, Clear, Length, SetSummarizer) with two
// interchangeable backends: an in-memory map for tests and lightweight
// deployments, and a modernc.org/sqlite-backed store for durability across
// restarts. pkg/session remains the working set the agent loop mutates
// turn by turn; this package is the append-only record of the same
// conversations, row-ordered by an auto-incrementing id per session.
package history

import (
	"context"
	"strings"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// SummaryPrefix marks the leading system message a trim pass folds the
// oldest portion of a conversation into.
const SummaryPrefix = "[CONVERSATION SUMMARY]\n"

// Summarizer distills a run of messages into a short paragraph suitable for
// folding into a leading system message.
type Summarizer interface {
	Summarize(ctx context.Context, messages []providers.Message) (string, error)
}

// Store is the contract both backends satisfy.
type Store interface {
	// Add appends msg to sessionID's history, enforcing the trim policy
	// afterward (summarizing and folding the oldest ~40% of non-system
	// messages into a leading system message when over MaxMessages and a
	// Summarizer is configured).
	Add(ctx context.Context, sessionID string, msg providers.Message) error

	// GetMessages returns a sanitized snapshot: every tool message without
	// a preceding assistant message carrying the same ToolCallID is
	// dropped, and a trailing assistant message with an unresolved
	// ToolCallID gets a synthetic tool message appended recording the
	// interruption.
	GetMessages(ctx context.Context, sessionID string) ([]providers.Message, error)

	// Clear removes every message for sessionID.
	Clear(ctx context.Context, sessionID string) error

	// Length reports how many messages sessionID currently holds (pre any
	// per-read sanitization).
	Length(ctx context.Context, sessionID string) (int, error)

	// SetSummarizer installs (or clears, with nil) the summarizer used by
	// the trim policy.
	SetSummarizer(s Summarizer)

	// Close releases any backing resources (no-op for the in-memory store).
	Close() error
}

// sanitize applies the read-time sanitization policy from the conversation
// history invariants: drop orphaned tool results, and synthesize an
// interruption record for a trailing unresolved assistant tool call.
func sanitize(messages []providers.Message) []providers.Message {
	if len(messages) == 0 {
		return messages
	}

	resolved := make(map[string]bool)
	for _, m := range messages {
		if m.Role == "assistant" {
			for _, tc := range m.ToolCalls {
				resolved[tc.ID] = false
			}
		}
		if m.Role == "tool" && m.ToolCallID != "" {
			if _, known := resolved[m.ToolCallID]; known {
				resolved[m.ToolCallID] = true
			}
		}
	}

	out := make([]providers.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "tool" && m.ToolCallID != "" {
			if _, known := resolved[m.ToolCallID]; !known {
				continue // orphan: no prior assistant call claims this id
			}
		}
		out = append(out, m)
	}

	if n := len(out); n > 0 {
		last := out[n-1]
		if last.Role == "assistant" {
			for _, tc := range last.ToolCalls {
				if !resolved[tc.ID] {
					out = append(out, providers.Message{
						Role:       "tool",
						Content:    "[Interrupted: no result was recorded before the conversation moved on]",
						ToolCallID: tc.ID,
					})
				}
			}
		}
	}

	return out
}

// trim enforces the at-most-maxMessages invariant over a session's
// non-system messages, in place within the slice owned by the caller.
// When trimming is required and summarizer is non-nil, the oldest ~40% of
// non-system messages are summarized and folded into a single leading
// system message; otherwise they are simply dropped.
func trim(ctx context.Context, messages []providers.Message, maxMessages int, summarizer Summarizer) []providers.Message {
	if maxMessages <= 0 {
		return messages
	}

	var leadingSystem []providers.Message
	rest := messages
	for len(rest) > 0 && rest[0].Role == "system" {
		leadingSystem = append(leadingSystem, rest[0])
		rest = rest[1:]
	}

	if len(rest) <= maxMessages {
		return messages
	}

	cut := len(rest) * 40 / 100
	if cut < 1 {
		cut = 1
	}
	toFold := rest[:cut]
	keep := rest[cut:]

	summaryText := ""
	if summarizer != nil {
		if s, err := summarizer.Summarize(ctx, toFold); err == nil && strings.TrimSpace(s) != "" {
			summaryText = s
		}
	}

	out := make([]providers.Message, 0, len(leadingSystem)+1+len(keep))
	out = append(out, leadingSystem...)
	if summaryText != "" {
		out = append(out, providers.Message{Role: "system", Content: SummaryPrefix + summaryText})
	}
	out = append(out, keep...)
	return out
}
