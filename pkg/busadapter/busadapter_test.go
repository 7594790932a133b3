// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package busadapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/queue"
)

func waitOutbound(t *testing.T, b *bus.MessageBus) bus.OutboundMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, ok := b.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("timed out waiting for outbound message")
	}
	return msg
}

func TestBusAdapter_PublishesRealResponse(t *testing.T) {
	b := bus.NewMessageBus()
	a := NewBusAdapter(b, func(ctx context.Context, msg bus.InboundMessage) (queue.AgentResult, error) {
		return queue.AgentResult{Text: "  hello  ", FinishReason: "stop"}, nil
	})
	a.Start(context.Background())
	defer a.Stop()

	b.PublishInbound(bus.InboundMessage{Channel: "cli", ChatID: "1", MessageID: "m1", Content: "hi"})

	out := waitOutbound(t, b)
	if out.Content != "hello" {
		t.Errorf("expected trimmed content 'hello', got %q", out.Content)
	}
	if out.InReplyToMessageID != "m1" {
		t.Errorf("expected InReplyToMessageID 'm1', got %q", out.InReplyToMessageID)
	}
}

func TestBusAdapter_BatchedSuppressesText(t *testing.T) {
	b := bus.NewMessageBus()
	a := NewBusAdapter(b, func(ctx context.Context, msg bus.InboundMessage) (queue.AgentResult, error) {
		return queue.AgentResult{FinishReason: "batched"}, nil
	})
	a.Start(context.Background())
	defer a.Stop()

	b.PublishInbound(bus.InboundMessage{Channel: "cli", ChatID: "1"})

	out := waitOutbound(t, b)
	if out.Content != "" {
		t.Errorf("expected empty content for batched result, got %q", out.Content)
	}
	if out.Metadata["batched"] != "true" {
		t.Errorf("expected metadata batched=true, got %+v", out.Metadata)
	}
}

func TestBusAdapter_EmptyTextGetsFallback(t *testing.T) {
	b := bus.NewMessageBus()
	a := NewBusAdapter(b, func(ctx context.Context, msg bus.InboundMessage) (queue.AgentResult, error) {
		return queue.AgentResult{Text: "   ", FinishReason: "stop"}, nil
	})
	a.Start(context.Background())
	defer a.Stop()

	b.PublishInbound(bus.InboundMessage{Channel: "cli", ChatID: "1"})

	out := waitOutbound(t, b)
	if out.Content != fallbackResponse {
		t.Errorf("expected fallback response, got %q", out.Content)
	}
}

func TestBusAdapter_ProcessorErrorPublishesErrorOutbound(t *testing.T) {
	b := bus.NewMessageBus()
	a := NewBusAdapter(b, func(ctx context.Context, msg bus.InboundMessage) (queue.AgentResult, error) {
		return queue.AgentResult{}, errors.New("boom")
	})
	a.Start(context.Background())
	defer a.Stop()

	b.PublishInbound(bus.InboundMessage{Channel: "cli", ChatID: "1", MessageID: "m2"})

	out := waitOutbound(t, b)
	if out.Content != "Error: boom" {
		t.Errorf("expected error content, got %q", out.Content)
	}
	if out.Metadata["error"] != "true" {
		t.Errorf("expected metadata error=true, got %+v", out.Metadata)
	}
	if out.InReplyToMessageID != "m2" {
		t.Errorf("expected InReplyToMessageID preserved on error, got %q", out.InReplyToMessageID)
	}
}

func TestBusAdapter_StartStopIdempotent(t *testing.T) {
	b := bus.NewMessageBus()
	a := NewBusAdapter(b, func(ctx context.Context, msg bus.InboundMessage) (queue.AgentResult, error) {
		return queue.AgentResult{Text: "ok"}, nil
	})

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	a.Stop()
	a.Stop()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start after Stop failed: %v", err)
	}
	a.Stop()
}
