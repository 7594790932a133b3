// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package busadapter bridges the message bus's inbound events to a
// processor (normally the session queue) and translates the processor's
// outcome back into an outbound bus event, so channel adapters never see
// the processor's error/batching semantics directly.
package busadapter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/queue"
)

const fallbackResponse = "I couldn't generate a response. Please try again."

// Processor runs one (possibly merged) inbound message to completion. The
// session queue satisfies this via its ProcessMessage method.
type Processor func(ctx context.Context, msg bus.InboundMessage) (queue.AgentResult, error)

// BusAdapter consumes message:inbound, invokes Processor, and always
// publishes exactly one outbound event, never propagating a processor
// error back to the bus.
type BusAdapter struct {
	bus       *bus.MessageBus
	processor Processor

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBusAdapter creates an adapter over msgBus that drives every inbound
// message through processor.
func NewBusAdapter(msgBus *bus.MessageBus, processor Processor) *BusAdapter {
	return &BusAdapter{bus: msgBus, processor: processor}
}

// Start begins consuming inbound messages in a background goroutine. It is
// idempotent and restart-safe: calling Start again after Stop spins up a
// fresh consumer loop.
func (a *BusAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	a.stopCh = make(chan struct{})
	a.doneCh = make(chan struct{})
	a.running = true

	go a.loop(ctx, a.stopCh, a.doneCh)
	return nil
}

// Stop halts the consumer loop. Idempotent and safe even if Start was never
// called.
func (a *BusAdapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	stopCh := a.stopCh
	doneCh := a.doneCh
	a.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (a *BusAdapter) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	// Stop must also wake a ConsumeInbound that is blocked waiting for input.
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, ok := a.bus.ConsumeInbound(loopCtx)
		if !ok {
			return
		}
		a.handle(ctx, msg)
	}
}

// handle runs processor on msg and publishes exactly one outbound event.
// A panic inside processor is recovered and translated into an error
// outbound, matching the "never re-throw" contract.
func (a *BusAdapter) handle(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("busadapter", "Processor panicked", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
			a.bus.PublishOutbound(bus.OutboundMessage{
				Channel:            msg.Channel,
				ChatID:             msg.ChatID,
				Content:            fmt.Sprintf("Error: %v", r),
				InReplyToMessageID: msg.MessageID,
				Metadata:           map[string]string{"error": "true"},
			})
		}
	}()

	result, err := a.processor(ctx, msg)
	if err != nil {
		a.bus.PublishOutbound(bus.OutboundMessage{
			Channel:            msg.Channel,
			ChatID:             msg.ChatID,
			Content:            fmt.Sprintf("Error: %v", err),
			InReplyToMessageID: msg.MessageID,
			Metadata:           map[string]string{"error": "true"},
		})
		return
	}

	if result.FinishReason == "batched" {
		a.bus.PublishOutbound(bus.OutboundMessage{
			Channel:  msg.Channel,
			ChatID:   msg.ChatID,
			Content:  "",
			Metadata: map[string]string{"batched": "true"},
		})
		return
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		a.bus.PublishOutbound(bus.OutboundMessage{
			Channel: msg.Channel,
			ChatID:  msg.ChatID,
			Content: fallbackResponse,
		})
		return
	}

	a.bus.PublishOutbound(bus.OutboundMessage{
		Channel:            msg.Channel,
		ChatID:             msg.ChatID,
		Content:            text,
		InReplyToMessageID: msg.MessageID,
	})
}
