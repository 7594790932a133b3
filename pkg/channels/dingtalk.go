// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// DingTalkChannel adapts a DingTalk stream-mode chatbot to the message bus.
// Outbound replies go through the per-message session webhook DingTalk
// hands back with each inbound event, since stream mode has no persistent
// send API; the webhook is short-lived, so Send only succeeds while the
// triggering conversation's webhook is still fresh.
type DingTalkChannel struct {
	*BaseChannel
	config config.DingTalkConfig
	client *client.StreamClient

	mu       sync.Mutex
	webhooks map[string]string // chatID -> session webhook URL
}

func NewDingTalkChannel(cfg config.DingTalkConfig, msgBus *bus.MessageBus) (*DingTalkChannel, error) {
	base := NewBaseChannel("dingtalk", cfg, msgBus, cfg.AllowFrom)

	return &DingTalkChannel{
		BaseChannel: base,
		config:      cfg,
		webhooks:    make(map[string]string),
	}, nil
}

func (c *DingTalkChannel) Start(ctx context.Context) error {
	logger.InfoC("dingtalk", "Starting DingTalk stream client...")

	cli := client.NewStreamClient(client.WithAppCredential(
		client.NewAppCredentialConfig(c.config.ClientID, c.config.ClientSecret),
	))
	cli.RegisterChatBotCallbackRouter(chatbot.NewDefaultChatBotFrameRouter(c.onChatBotMessageReceived))

	if err := cli.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dingtalk stream client: %w", err)
	}

	c.client = cli
	c.setRunning(true)
	logger.InfoC("dingtalk", "DingTalk stream client connected")

	return nil
}

func (c *DingTalkChannel) Stop(ctx context.Context) error {
	logger.InfoC("dingtalk", "Stopping DingTalk stream client...")
	if c.client != nil {
		c.client.Close()
	}
	c.setRunning(false)
	return nil
}

func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	webhook, ok := c.webhooks[msg.ChatID]
	c.mu.Unlock()

	if !ok || webhook == "" {
		return fmt.Errorf("no active session webhook for chat %s (dingtalk replies must piggyback an inbound event)", msg.ChatID)
	}

	if err := chatbot.ReplyText(webhook, msg.Content); err != nil {
		return fmt.Errorf("failed to send dingtalk reply: %w", err)
	}
	return nil
}

// onChatBotMessageReceived is the stream-mode frame handler. A nil payload
// (e.g. a malformed or unexpected frame) is ignored rather than treated as
// an error.
func (c *DingTalkChannel) onChatBotMessageReceived(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	if data == nil {
		return []byte(""), nil
	}

	chatID := data.ConversationId
	if chatID == "" {
		chatID = data.SenderId
	}

	if data.SessionWebhook != "" {
		c.mu.Lock()
		c.webhooks[chatID] = data.SessionWebhook
		c.mu.Unlock()
	}

	metadata := map[string]string{
		"sender_nick":       data.SenderNick,
		"conversation_type": data.ConversationType,
	}

	c.HandleMessage(data.SenderId, chatID, data.Text.Content, nil, metadata)

	return []byte(""), nil
}
