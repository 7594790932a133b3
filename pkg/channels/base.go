// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package channels adapts external chat platforms (Telegram, WhatsApp,
// Discord, Slack, Lark, DingTalk, QQ) to the internal message bus.
package channels

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sipeed/picoclaw/pkg/bus"
)

// Channel is the interface every platform adapter implements.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel holds the behavior shared by every adapter: name, allowlist
// enforcement, running state, and translating platform events into inbound
// bus messages.
type BaseChannel struct {
	name      string
	config    interface{}
	bus       *bus.MessageBus
	allowFrom map[string]bool
	running   atomic.Bool
}

// NewBaseChannel creates a BaseChannel. An empty or nil allowFrom permits
// every sender; a non-empty one restricts HandleMessage to listed senders.
func NewBaseChannel(name string, config interface{}, msgBus *bus.MessageBus, allowFrom []string) *BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}

	return &BaseChannel{
		name:      name,
		config:    config,
		bus:       msgBus,
		allowFrom: allowed,
	}
}

func (bc *BaseChannel) Name() string {
	return bc.name
}

// IsAllowed reports whether senderID may interact with this channel. An
// empty allowlist permits everyone.
func (bc *BaseChannel) IsAllowed(senderID string) bool {
	if len(bc.allowFrom) == 0 {
		return true
	}
	return bc.allowFrom[senderID]
}

func (bc *BaseChannel) IsRunning() bool {
	return bc.running.Load()
}

func (bc *BaseChannel) setRunning(running bool) {
	bc.running.Store(running)
}

// HandleMessage publishes senderID's message as an inbound bus message,
// provided senderID passes the allowlist. The session key is
// "<channel>:<chatID>", the convention the agent loop's session manager
// keys history on.
func (bc *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) {
	if !bc.IsAllowed(senderID) {
		return
	}

	bc.bus.PublishInbound(bus.InboundMessage{
		Channel:    bc.name,
		SenderID:   senderID,
		ChatID:     chatID,
		SessionKey: fmt.Sprintf("%s:%s", bc.name, chatID),
		Content:    content,
		Media:      media,
		Metadata:   metadata,
	})
}
