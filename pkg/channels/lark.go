// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package channels

import (
	"context"
	"encoding/json"
	"fmt"

	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// LarkChannel connects to Lark/Feishu over its websocket long-connection
// mode, so no public webhook endpoint is required.
type LarkChannel struct {
	*BaseChannel
	config config.LarkConfig
	client *lark.Client
	ws     *larkws.Client
}

type larkTextContent struct {
	Text string `json:"text"`
}

func NewLarkChannel(cfg config.LarkConfig, msgBus *bus.MessageBus) (*LarkChannel, error) {
	client := lark.NewClient(cfg.AppID, cfg.AppSecret)

	base := NewBaseChannel("lark", cfg, msgBus, cfg.AllowFrom)

	c := &LarkChannel{
		BaseChannel: base,
		config:      cfg,
		client:      client,
	}

	handler := dispatcher.NewEventDispatcher("", "").
		OnP2MessageReceiveV1(c.onMessageReceive)

	c.ws = larkws.NewClient(cfg.AppID, cfg.AppSecret, larkws.WithEventHandler(handler))

	return c, nil
}

func (c *LarkChannel) Start(ctx context.Context) error {
	logger.InfoC("lark", "Starting Lark websocket client...")

	go func() {
		if err := c.ws.Start(ctx); err != nil {
			logger.ErrorCF("lark", "Lark websocket client stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.setRunning(true)
	logger.InfoC("lark", "Lark websocket client connected")
	return nil
}

func (c *LarkChannel) Stop(ctx context.Context) error {
	logger.InfoC("lark", "Stopping Lark websocket client...")
	c.setRunning(false)
	return nil
}

func (c *LarkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("lark client not running")
	}

	content, err := json.Marshal(larkTextContent{Text: msg.Content})
	if err != nil {
		return fmt.Errorf("failed to marshal lark message content: %w", err)
	}

	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType("chat_id").
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(msg.ChatID).
			MsgType("text").
			Content(string(content)).
			Build()).
		Build()

	resp, err := c.client.Im.Message.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send lark message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("lark send failed: %s", resp.Msg)
	}
	return nil
}

func (c *LarkChannel) onMessageReceive(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return nil
	}

	msg := event.Event.Message
	chatID := ""
	if msg.ChatId != nil {
		chatID = *msg.ChatId
	}

	senderID := ""
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil && event.Event.Sender.SenderId.OpenId != nil {
		senderID = *event.Event.Sender.SenderId.OpenId
	}

	if !c.IsAllowed(senderID) {
		logger.DebugCF("lark", "Message rejected by allowlist", map[string]interface{}{"user_id": senderID})
		return nil
	}

	text := ""
	if msg.Content != nil {
		var parsed larkTextContent
		if err := json.Unmarshal([]byte(*msg.Content), &parsed); err == nil {
			text = parsed.Text
		}
	}

	logger.DebugCF("lark", "Received message", map[string]interface{}{
		"sender_id": senderID,
		"preview":   utils.Truncate(text, 50),
	})

	c.HandleMessage(senderID, chatID, text, nil, nil)
	return nil
}
