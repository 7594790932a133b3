// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/tencent-connect/botgo"
	"github.com/tencent-connect/botgo/dto"
	"github.com/tencent-connect/botgo/event"
	"github.com/tencent-connect/botgo/openapi"
	"github.com/tencent-connect/botgo/token"
	"github.com/tencent-connect/botgo/websocket"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// QQChannel adapts the QQ guild "at me" bot protocol. It is intentionally
// minimal: only plain-text channel messages are handled, matching the
// scope the rest of the pack exercises for this platform.
type QQChannel struct {
	*BaseChannel
	config config.QQConfig
	api    openapi.OpenAPI
}

func NewQQChannel(cfg config.QQConfig, msgBus *bus.MessageBus) (*QQChannel, error) {
	base := NewBaseChannel("qq", cfg, msgBus, cfg.AllowFrom)

	return &QQChannel{
		BaseChannel: base,
		config:      cfg,
	}, nil
}

func (c *QQChannel) Start(ctx context.Context) error {
	logger.InfoC("qq", "Starting QQ bot session...")

	botToken := token.BotToken(c.config.AppID, c.config.Token)
	api := botgo.NewOpenAPI(c.config.AppID, botToken).WithTimeout(10 * time.Second)

	ws, err := api.WS(ctx, nil, "")
	if err != nil {
		return fmt.Errorf("failed to get qq websocket endpoint: %w", err)
	}

	intent := websocket.RegisterHandlers(event.ATMessageEventHandler(c.handleATMessage))

	if err := botgo.NewSessionManager().Start(ws, botToken, &intent); err != nil {
		return fmt.Errorf("failed to start qq session manager: %w", err)
	}

	c.api = api
	c.setRunning(true)
	logger.InfoC("qq", "QQ bot session connected")
	return nil
}

func (c *QQChannel) Stop(ctx context.Context) error {
	logger.InfoC("qq", "Stopping QQ bot session...")
	c.setRunning(false)
	return nil
}

func (c *QQChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() || c.api == nil {
		return fmt.Errorf("qq bot not running")
	}

	_, err := c.api.PostMessage(ctx, msg.ChatID, &dto.MessageToCreate{
		Content: msg.Content,
	})
	if err != nil {
		return fmt.Errorf("failed to send qq message: %w", err)
	}
	return nil
}

func (c *QQChannel) handleATMessage(payload *dto.WSPayload, data *dto.WSATMessageData) error {
	if data == nil {
		return nil
	}

	senderID := data.Author.ID
	if !c.IsAllowed(senderID) {
		logger.DebugCF("qq", "Message rejected by allowlist", map[string]interface{}{"user_id": senderID})
		return nil
	}

	c.HandleMessage(senderID, data.ChannelID, data.Content, nil, map[string]string{
		"guild_id": data.GuildID,
	})
	return nil
}
