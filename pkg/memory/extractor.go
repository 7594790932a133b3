// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package memory

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// ExtractFunc runs one distillation pass for sessionKey over recent history
// into the workspace memory files. It is supplied by the composition root,
// which has access to both the session history and the MemoryStore.
type ExtractFunc func(ctx context.Context, sessionKey string) error

// correctionSignal matches phrases that indicate the user is correcting
// something the assistant got wrong, warranting an immediate extraction
// instead of waiting for the idle debounce.
var correctionSignal = regexp.MustCompile(`(?i)\b(actually|no,? my name is|that'?s wrong|i meant|not what i said|let me correct)\b`)

// IsCorrectionSignal reports whether content looks like a user correcting
// prior assistant output.
func IsCorrectionSignal(content string) bool {
	return correctionSignal.MatchString(content)
}

// Extractor arms a per-session idle timer that triggers an LLM distillation
// pass, with an urgent path that bypasses the debounce entirely. At most one
// extraction runs at a time per session.
type Extractor struct {
	idleMs  time.Duration
	extract ExtractFunc

	mu       sync.Mutex
	timers   map[string]*time.Timer
	inFlight map[string]bool
	wg       sync.WaitGroup
	disposed bool
}

// NewExtractor creates an Extractor that fires extract after idleMs of
// inbound silence on a session, or immediately via ScheduleUrgentExtraction.
func NewExtractor(idleMs time.Duration, extract ExtractFunc) *Extractor {
	return &Extractor{
		idleMs:   idleMs,
		extract:  extract,
		timers:   make(map[string]*time.Timer),
		inFlight: make(map[string]bool),
	}
}

// ScheduleExtraction (re)arms the idle timer for sessionKey, replacing any
// timer already pending for it.
func (e *Extractor) ScheduleExtraction(sessionKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return
	}

	if t, ok := e.timers[sessionKey]; ok {
		t.Stop()
	}
	e.timers[sessionKey] = time.AfterFunc(e.idleMs, func() {
		e.run(sessionKey)
	})
}

// ScheduleUrgentExtraction bypasses the debounce and queues an extraction
// immediately, canceling any pending idle timer for the session.
func (e *Extractor) ScheduleUrgentExtraction(sessionKey string) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return
	}
	if t, ok := e.timers[sessionKey]; ok {
		t.Stop()
		delete(e.timers, sessionKey)
	}
	e.mu.Unlock()

	go e.run(sessionKey)
}

func (e *Extractor) run(sessionKey string) {
	e.mu.Lock()
	if e.disposed || e.inFlight[sessionKey] {
		e.mu.Unlock()
		return
	}
	e.inFlight[sessionKey] = true
	e.wg.Add(1)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inFlight, sessionKey)
		e.mu.Unlock()
		e.wg.Done()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := e.extract(ctx, sessionKey); err != nil {
		logger.WarnCF("memory", "Extraction failed", map[string]interface{}{"session_key": sessionKey, "error": err.Error()})
	}
}

// Dispose cancels every pending timer and blocks until any in-flight
// extraction drains.
func (e *Extractor) Dispose() {
	e.mu.Lock()
	e.disposed = true
	for key, t := range e.timers {
		t.Stop()
		delete(e.timers, key)
	}
	e.mu.Unlock()

	e.wg.Wait()
}
