// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package session holds the in-process, JSON-snapshotted conversation state
// keyed by "channel:chatID". It is the working set the agent loop mutates
// turn by turn; pkg/history is the separate durable, queryable log of the
// same conversations.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// Session holds one conversation's working message history and rolling
// summary.
type Session struct {
	Key      string               `json:"key"`
	Messages []providers.Message  `json:"messages"`
	Summary  string               `json:"summary,omitempty"`
	mu       sync.RWMutex
}

// SessionManager owns every active Session, keyed by session key, with
// optional JSON-file persistence under storageDir.
type SessionManager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	storageDir string
}

// NewSessionManager creates a manager. An empty storageDir disables
// persistence. When storageDir already contains session snapshots from a
// prior run, they are loaded immediately.
func NewSessionManager(storageDir string) *SessionManager {
	sm := &SessionManager{
		sessions:   make(map[string]*Session),
		storageDir: storageDir,
	}
	if storageDir != "" {
		sm.loadAll()
	}
	return sm
}

func (sm *SessionManager) sessionPath(key string) string {
	return filepath.Join(sm.storageDir, safeFileName(key)+".json")
}

func safeFileName(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-' || r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func (sm *SessionManager) loadAll() {
	entries, err := os.ReadDir(sm.storageDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sm.storageDir, e.Name()))
		if err != nil {
			continue
		}
		var snap sessionSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			continue
		}
		if snap.Key == "" {
			continue
		}
		sm.sessions[snap.Key] = &Session{
			Key:      snap.Key,
			Messages: snap.Messages,
			Summary:  snap.Summary,
		}
	}
}

type sessionSnapshot struct {
	Key      string              `json:"key"`
	Messages []providers.Message `json:"messages"`
	Summary  string              `json:"summary,omitempty"`
}

// GetOrCreate returns the existing session for key, creating an empty one
// if none exists. The returned pointer is stable across calls for the same
// key.
func (sm *SessionManager) GetOrCreate(key string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[key]; ok {
		return s
	}
	s := &Session{Key: key}
	sm.sessions[key] = s
	return s
}

// AddMessage appends a plain role/content message, auto-creating the
// session if needed.
func (sm *SessionManager) AddMessage(key, role, content string) {
	sm.AddFullMessage(key, providers.Message{Role: role, Content: content})
}

// AddFullMessage appends a complete message (including tool calls/IDs),
// auto-creating the session if needed.
func (sm *SessionManager) AddFullMessage(key string, msg providers.Message) {
	s := sm.GetOrCreate(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Messages = append(s.Messages, msg)
}

// GetHistory returns a deep copy of the session's message history, or an
// empty non-nil slice if the key doesn't exist.
func (sm *SessionManager) GetHistory(key string) []providers.Message {
	sm.mu.RLock()
	s, ok := sm.sessions[key]
	sm.mu.RUnlock()
	if !ok {
		return []providers.Message{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]providers.Message, len(s.Messages))
	for i, m := range s.Messages {
		cp := m
		if m.ToolCalls != nil {
			cp.ToolCalls = append([]providers.ToolCall(nil), m.ToolCalls...)
		}
		out[i] = cp
	}
	return out
}

// GetSummary returns the session's rolling summary, or "" if the session
// doesn't exist or has none.
func (sm *SessionManager) GetSummary(key string) string {
	sm.mu.RLock()
	s, ok := sm.sessions[key]
	sm.mu.RUnlock()
	if !ok {
		return ""
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Summary
}

// SetSummary replaces the session's rolling summary. A no-op for
// nonexistent keys.
func (sm *SessionManager) SetSummary(key, summary string) {
	sm.mu.RLock()
	s, ok := sm.sessions[key]
	sm.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Summary = summary
}

// TruncateHistory keeps only the most recent keepN messages. A no-op for
// nonexistent keys or when there are already keepN or fewer messages.
func (sm *SessionManager) TruncateHistory(key string, keepN int) {
	sm.mu.RLock()
	s, ok := sm.sessions[key]
	sm.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if keepN < 0 {
		keepN = 0
	}
	if len(s.Messages) <= keepN {
		return
	}
	s.Messages = append([]providers.Message(nil), s.Messages[len(s.Messages)-keepN:]...)
}

// Save writes session's current state to disk. A no-op returning nil when
// persistence is disabled.
func (sm *SessionManager) Save(session *Session) error {
	if sm.storageDir == "" || session == nil {
		return nil
	}

	session.mu.RLock()
	snap := sessionSnapshot{
		Key:      session.Key,
		Messages: append([]providers.Message(nil), session.Messages...),
		Summary:  session.Summary,
	}
	session.mu.RUnlock()

	if err := os.MkdirAll(sm.storageDir, 0755); err != nil {
		return fmt.Errorf("session: creating storage dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("session: encoding snapshot: %w", err)
	}

	if err := os.WriteFile(sm.sessionPath(session.Key), data, 0644); err != nil {
		return fmt.Errorf("session: writing snapshot: %w", err)
	}
	return nil
}
