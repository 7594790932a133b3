// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// Event kinds every MessageBus carries at minimum.
const (
	KindMessageInbound  = "message:inbound"
	KindMessageOutbound = "message:outbound"
)

// ErrClosed is returned by Subscribe once the bus has been closed.
var ErrClosed = errors.New("bus: closed")

// Handler processes one published event of a given kind. A returned error
// is logged and never propagated to the publisher, and never stops the rest
// of that kind's handlers from running.
type Handler func(event interface{}) error

// Subscription identifies one Subscribe call so Unsubscribe can remove it.
// Go func values aren't comparable, so a subscription token stands in for
// "handler identity" where the contract calls for unsubscribe(kind, handler).
type Subscription struct {
	kind string
	id   uint64
}

// MessageBus is a typed, multi-subscriber pub/sub: any number of handlers
// may subscribe to the same event kind, and Publish fans an event out to
// every one of them synchronously, in the publishing goroutine, before
// returning.
type MessageBus struct {
	mu        sync.RWMutex
	handlers  map[string]map[uint64]Handler
	nextID    uint64
	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	// inbound/outbound back the blocking Consume/Subscribe-by-polling
	// helpers: a standing internal subscription feeds every published
	// event of that kind into a buffered channel so a goroutine can pull
	// events one at a time instead of registering a callback.
	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

// NewMessageBus creates an empty bus with the inbound/outbound polling
// channels already wired to the message:inbound/message:outbound kinds.
func NewMessageBus() *MessageBus {
	mb := &MessageBus{
		handlers: make(map[string]map[uint64]Handler),
		inbound:  make(chan InboundMessage, 100),
		outbound: make(chan OutboundMessage, 100),
		done:     make(chan struct{}),
	}

	mb.subscribeLocked(KindMessageInbound, func(event interface{}) error {
		msg, ok := event.(InboundMessage)
		if !ok {
			return nil
		}
		select {
		case mb.inbound <- msg:
		default:
			logger.WarnCF("bus", "inbound channel full, dropping message", map[string]interface{}{
				"channel": msg.Channel, "chat_id": msg.ChatID,
			})
		}
		return nil
	})
	mb.subscribeLocked(KindMessageOutbound, func(event interface{}) error {
		msg, ok := event.(OutboundMessage)
		if !ok {
			return nil
		}
		select {
		case mb.outbound <- msg:
		default:
			logger.WarnCF("bus", "outbound channel full, dropping message", map[string]interface{}{
				"channel": msg.Channel, "chat_id": msg.ChatID,
			})
		}
		return nil
	})

	return mb
}

// subscribeLocked registers handler without the ErrClosed/locking ceremony
// Subscribe applies; used only by NewMessageBus before the bus is reachable
// from any other goroutine.
func (mb *MessageBus) subscribeLocked(kind string, handler Handler) {
	mb.nextID++
	if mb.handlers[kind] == nil {
		mb.handlers[kind] = make(map[uint64]Handler)
	}
	mb.handlers[kind][mb.nextID] = handler
}

// Subscribe registers handler to run on every future Publish of kind, until
// Unsubscribe is called or the bus is closed. Fails with ErrClosed once the
// bus has been closed.
func (mb *MessageBus) Subscribe(kind string, handler Handler) (Subscription, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closed {
		return Subscription{}, ErrClosed
	}

	mb.nextID++
	id := mb.nextID
	if mb.handlers[kind] == nil {
		mb.handlers[kind] = make(map[uint64]Handler)
	}
	mb.handlers[kind][id] = handler

	return Subscription{kind: kind, id: id}, nil
}

// Unsubscribe removes a handler previously registered with Subscribe. A
// stale or already-removed subscription is a no-op.
func (mb *MessageBus) Unsubscribe(sub Subscription) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if handlers, ok := mb.handlers[sub.kind]; ok {
		delete(handlers, sub.id)
	}
}

// Publish fans event out to every handler subscribed to kind (registration
// order is not guaranteed); every handler runs before Publish returns. A
// handler's error is logged, never returned to the caller, and never
// prevents the remaining handlers from running. A no-op once the bus is
// closed.
func (mb *MessageBus) Publish(kind string, event interface{}) {
	mb.mu.RLock()
	if mb.closed {
		mb.mu.RUnlock()
		return
	}
	byID := mb.handlers[kind]
	snapshot := make([]Handler, 0, len(byID))
	for _, h := range byID {
		snapshot = append(snapshot, h)
	}
	mb.mu.RUnlock()

	for _, h := range snapshot {
		if err := h(event); err != nil {
			logger.ErrorCF("bus", "handler returned error", map[string]interface{}{
				"kind": kind, "error": err.Error(),
			})
		}
	}
}

// PublishInbound publishes msg as a message:inbound event.
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	mb.Publish(KindMessageInbound, msg)
}

// PublishOutbound publishes msg as a message:outbound event.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	mb.Publish(KindMessageOutbound, msg)
}

// ConsumeInbound blocks until a message:inbound event arrives, ctx is
// cancelled, or the bus is closed. It is sugar over Subscribe for callers
// that want to pull one event at a time rather than register a handler.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	mb.mu.RLock()
	closed := mb.closed
	mb.mu.RUnlock()
	if closed {
		return InboundMessage{}, false
	}

	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-mb.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// SubscribeOutbound blocks until a message:outbound event arrives, ctx is
// cancelled, or the bus is closed.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	mb.mu.RLock()
	closed := mb.closed
	mb.mu.RUnlock()
	if closed {
		return OutboundMessage{}, false
	}

	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-mb.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Close marks the bus closed: Publish becomes a no-op and Subscribe starts
// failing with ErrClosed. Idempotent.
func (mb *MessageBus) Close() {
	mb.closeOnce.Do(func() {
		mb.mu.Lock()
		mb.closed = true
		mb.mu.Unlock()
		close(mb.done)
	})
}
