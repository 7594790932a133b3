package bus

import (
	"context"
	"testing"
	"time"
)

func TestMessageBus_PublishInboundAfterClose_DoesNotPanic(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	didPanic := false
	func() {
		defer func() {
			if recover() != nil {
				didPanic = true
			}
		}()
		mb.PublishInbound(InboundMessage{Channel: "test", ChatID: "chat", Content: "hello"})
	}()

	if didPanic {
		t.Fatal("PublishInbound should not panic after Close")
	}
}

func TestMessageBus_PublishOutboundAfterClose_DoesNotPanic(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	didPanic := false
	func() {
		defer func() {
			if recover() != nil {
				didPanic = true
			}
		}()
		mb.PublishOutbound(OutboundMessage{Channel: "test", ChatID: "chat", Content: "hello"})
	}()

	if didPanic {
		t.Fatal("PublishOutbound should not panic after Close")
	}
}

func TestMessageBus_ConsumeInboundAfterClose_ReturnsFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Fatal("ConsumeInbound should return ok=false after Close")
	}
}

func TestMessageBus_SubscribeOutboundAfterClose_ReturnsFalse(t *testing.T) {
	mb := NewMessageBus()
	mb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, ok := mb.SubscribeOutbound(ctx); ok {
		t.Fatal("SubscribeOutbound should return ok=false after Close")
	}
}

// TestMessageBus_CloseDuringPublish_HandlerStillCompletes guards against a
// close() that tears down the handler table out from under an in-flight
// Publish: the snapshot Publish takes must run to completion even if Close
// runs concurrently.
func TestMessageBus_CloseDuringPublish_HandlerStillCompletes(t *testing.T) {
	mb := NewMessageBus()

	started := make(chan struct{})
	proceed := make(chan struct{})
	finished := make(chan struct{})

	mustSubscribe(t, mb, "k", func(event interface{}) error {
		close(started)
		<-proceed
		close(finished)
		return nil
	})

	go mb.Publish("k", nil)

	<-started
	mb.Close()
	close(proceed)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("handler never completed after concurrent Close")
	}
}
