// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package history

import (
	"context"
	"sync"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// MemoryStore is the in-process, non-durable Store backend. It is the
// default for tests and for deployments that don't need history to survive
// a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string][]providers.Message
	maxMessages int
	summarizer  Summarizer
}

// NewMemoryStore creates an in-memory Store that trims at maxMessages
// non-system messages per session. maxMessages <= 0 disables trimming.
func NewMemoryStore(maxMessages int) *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string][]providers.Message),
		maxMessages: maxMessages,
	}
}

func (s *MemoryStore) SetSummarizer(summarizer Summarizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summarizer = summarizer
}

func (s *MemoryStore) Add(ctx context.Context, sessionID string, msg providers.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = trim(ctx, append(s.sessions[sessionID], msg), s.maxMessages, s.summarizer)
	return nil
}

func (s *MemoryStore) GetMessages(ctx context.Context, sessionID string) ([]providers.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := append([]providers.Message(nil), s.sessions[sessionID]...)
	return sanitize(snapshot), nil
}

func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

func (s *MemoryStore) Length(ctx context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions[sessionID]), nil
}

func (s *MemoryStore) Close() error { return nil }
