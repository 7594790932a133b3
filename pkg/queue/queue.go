// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package queue implements the per-conversation debounce in front of the
// agent loop: a burst of 2-4 rapid short messages from the same chat is
// merged into a single turn instead of triggering one LLM call per message.
package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// ErrDisposed is returned by ProcessMessage once the queue has been
// disposed, and delivered to every pending caller dispose() rejects.
var ErrDisposed = errors.New("SessionQueue disposed")

// AgentResult mirrors the subset of an agent turn's outcome the queue and
// its callers need: enough to distinguish a real answer from the synthetic
// batched sentinel delivered to superseded callers in a merged burst.
type AgentResult struct {
	Text         string
	Steps        int
	FinishReason string // stop, tool-calls, error, length, batched
	ToolCalls    []providers.ToolCall
	ToolResults  []providers.Message
}

// batchedResult is handed to every caller in a merged burst except the
// last; downstream consumers key on FinishReason=="batched" to suppress
// duplicate outbound events.
func batchedResult() AgentResult {
	return AgentResult{FinishReason: "batched"}
}

// Processor runs one real agent turn for a (possibly merged) inbound
// message and returns its outcome.
type Processor func(ctx context.Context, msg bus.InboundMessage) (AgentResult, error)

type pendingCall struct {
	msg    bus.InboundMessage
	result chan callOutcome
}

type callOutcome struct {
	res AgentResult
	err error
}

type sessionState struct {
	pending    []pendingCall
	timer      *time.Timer
	processing bool
}

// SessionQueue serializes and debounces inbound messages per session key
// (channel:chatID) before handing merged bursts to Processor.
type SessionQueue struct {
	processor  Processor
	debounceMs time.Duration

	mu       sync.Mutex
	sessions map[string]*sessionState
	disposed bool
}

// NewSessionQueue creates a queue that waits debounceMs of inbound silence
// on a session before flushing it to processor.
func NewSessionQueue(processor Processor, debounceMs time.Duration) *SessionQueue {
	return &SessionQueue{
		processor:  processor,
		debounceMs: debounceMs,
		sessions:   make(map[string]*sessionState),
	}
}

// ProcessMessage enqueues msg under its SessionKey and blocks until it (or
// the merged burst it became part of) has been processed. Superseded
// callers in a merged burst receive the batched sentinel, not an error.
func (q *SessionQueue) ProcessMessage(ctx context.Context, msg bus.InboundMessage) (AgentResult, error) {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return AgentResult{}, ErrDisposed
	}

	st, ok := q.sessions[msg.SessionKey]
	if !ok {
		st = &sessionState{}
		q.sessions[msg.SessionKey] = st
	}

	call := pendingCall{msg: msg, result: make(chan callOutcome, 1)}
	st.pending = append(st.pending, call)

	if !st.processing {
		q.armTimer(msg.SessionKey, st)
	}
	q.mu.Unlock()

	select {
	case out := <-call.result:
		return out.res, out.err
	case <-ctx.Done():
		return AgentResult{}, ctx.Err()
	}
}

// armTimer (re)starts the debounce timer for a session. Caller holds q.mu.
func (q *SessionQueue) armTimer(sessionKey string, st *sessionState) {
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(q.debounceMs, func() {
		q.flush(sessionKey)
	})
}

// flush merges a session's pending bursts into one call to the processor
// and fans the result back out to every waiting caller.
func (q *SessionQueue) flush(sessionKey string) {
	q.mu.Lock()
	st, ok := q.sessions[sessionKey]
	if !ok || len(st.pending) == 0 {
		q.mu.Unlock()
		return
	}
	calls := st.pending
	st.pending = nil
	st.processing = true
	q.mu.Unlock()

	merged := mergeInbound(calls)

	out, err := q.processor(context.Background(), merged)

	if err != nil {
		for _, c := range calls {
			c.result <- callOutcome{err: err}
		}
	} else {
		for i, c := range calls {
			if i == len(calls)-1 {
				c.result <- callOutcome{res: out}
			} else {
				c.result <- callOutcome{res: batchedResult()}
			}
		}
	}

	q.mu.Lock()
	st.processing = false
	if len(st.pending) > 0 {
		q.armTimer(sessionKey, st)
	} else {
		delete(q.sessions, sessionKey)
	}
	q.mu.Unlock()
}

// mergeInbound folds N>1 pending calls for the same session into a single
// InboundMessage per the merge contract: contents newline-joined, media
// de-duplicated preserving first-seen order, metadata left-to-right merged
// (later wins), and identity fields taken from the last message.
func mergeInbound(calls []pendingCall) bus.InboundMessage {
	if len(calls) == 1 {
		return calls[0].msg
	}

	var contents []string
	var media []string
	seenMedia := make(map[string]bool)
	metadata := make(map[string]string)

	for _, c := range calls {
		contents = append(contents, c.msg.Content)
		for _, m := range c.msg.Media {
			if !seenMedia[m] {
				seenMedia[m] = true
				media = append(media, m)
			}
		}
		for k, v := range c.msg.Metadata {
			metadata[k] = v
		}
	}

	last := calls[len(calls)-1].msg
	merged := bus.InboundMessage{
		MessageID:  last.MessageID,
		Channel:    last.Channel,
		ChatID:     last.ChatID,
		SenderID:   last.SenderID,
		SessionKey: last.SessionKey,
		Timestamp:  last.Timestamp,
		Content:    strings.Join(contents, "\n"),
		Media:      media,
	}
	if len(metadata) > 0 {
		merged.Metadata = metadata
	}
	return merged
}

// Dispose rejects every pending caller with ErrDisposed, stops all timers,
// and marks the queue closed; further ProcessMessage calls fail fast.
func (q *SessionQueue) Dispose() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.disposed {
		return
	}
	q.disposed = true

	for key, st := range q.sessions {
		if st.timer != nil {
			st.timer.Stop()
		}
		for _, c := range st.pending {
			c.result <- callOutcome{err: ErrDisposed}
		}
		delete(q.sessions, key)
	}
	logger.InfoC("queue", "Session queue disposed")
}

// Status reports per-session queue depth, for diagnostics.
func (q *SessionQueue) Status() map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	sessions := make(map[string]interface{}, len(q.sessions))
	for key, st := range q.sessions {
		sessions[key] = map[string]interface{}{
			"pending":    len(st.pending),
			"processing": st.processing,
		}
	}
	return map[string]interface{}{
		"disposed": q.disposed,
		"sessions": sessions,
	}
}
