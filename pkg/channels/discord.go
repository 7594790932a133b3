// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package channels

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/utils"
)

type DiscordChannel struct {
	*BaseChannel
	config  config.DiscordConfig
	session *discordgo.Session
}

func NewDiscordChannel(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	base := NewBaseChannel("discord", cfg, msgBus, cfg.AllowFrom)

	c := &DiscordChannel{
		BaseChannel: base,
		config:      cfg,
		session:     session,
	}
	session.AddHandler(c.handleMessageCreate)

	return c, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord session...")

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	c.setRunning(true)
	logger.InfoC("discord", "Discord session connected")
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord session...")
	c.setRunning(false)
	return c.session.Close()
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord session not running")
	}

	if _, err := c.session.ChannelMessageSend(msg.ChatID, msg.Content); err != nil {
		return fmt.Errorf("failed to send discord message: %w", err)
	}

	for _, mediaPath := range msg.Media {
		if _, err := c.session.ChannelFileSend(msg.ChatID, mediaPath, nil); err != nil {
			logger.ErrorCF("discord", "Failed to send media", map[string]interface{}{"path": mediaPath, "error": err.Error()})
		}
	}

	return nil
}

func (c *DiscordChannel) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	if !c.IsAllowed(senderID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]interface{}{"user_id": senderID})
		return
	}

	metadata := map[string]string{
		"username": m.Author.Username,
		"guild_id": m.GuildID,
	}

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"sender_id": senderID,
		"preview":   utils.Truncate(m.Content, 50),
	})

	c.HandleMessage(senderID, m.ChannelID, m.Content, nil, metadata)
}
