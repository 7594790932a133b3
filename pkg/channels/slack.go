// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package channels

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// SlackChannel runs in Socket Mode, so it needs no public webhook endpoint.
type SlackChannel struct {
	*BaseChannel
	config config.SlackConfig
	api    *slack.Client
	client *socketmode.Client
}

func NewSlackChannel(cfg config.SlackConfig, msgBus *bus.MessageBus) (*SlackChannel, error) {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	client := socketmode.New(api)

	base := NewBaseChannel("slack", cfg, msgBus, cfg.AllowFrom)

	return &SlackChannel{
		BaseChannel: base,
		config:      cfg,
		api:         api,
		client:      client,
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	logger.InfoC("slack", "Starting Slack socket-mode client...")

	go c.eventLoop(ctx)

	go func() {
		if err := c.client.RunContext(ctx); err != nil {
			logger.ErrorCF("slack", "Socket mode client stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.setRunning(true)
	logger.InfoC("slack", "Slack socket-mode client connected")
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	logger.InfoC("slack", "Stopping Slack socket-mode client...")
	c.setRunning(false)
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack client not running")
	}

	if _, _, err := c.api.PostMessageContext(ctx, msg.ChatID, slack.MsgOptionText(msg.Content, false)); err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}

	for _, mediaPath := range msg.Media {
		if _, err := c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:  msg.ChatID,
			File:     mediaPath,
			Filename: mediaPath,
		}); err != nil {
			logger.ErrorCF("slack", "Failed to upload media", map[string]interface{}{"path": mediaPath, "error": err.Error()})
		}
	}

	return nil
}

func (c *SlackChannel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.client.Events:
			if !ok {
				return
			}
			c.handleEvent(evt)
		}
	}
}

func (c *SlackChannel) handleEvent(evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}

	eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}

	c.client.Ack(*evt.Request)

	if eventsAPIEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		c.handleMessageEvent(ev)
	}
}

func (c *SlackChannel) handleMessageEvent(ev *slackevents.MessageEvent) {
	if ev.BotID != "" || ev.SubType != "" {
		return
	}

	senderID := ev.User
	if !c.IsAllowed(senderID) {
		logger.DebugCF("slack", "Message rejected by allowlist", map[string]interface{}{"user_id": senderID})
		return
	}

	metadata := map[string]string{
		"team": ev.Team,
	}

	logger.DebugCF("slack", "Received message", map[string]interface{}{
		"sender_id": senderID,
		"preview":   utils.Truncate(ev.Text, 50),
	})

	c.HandleMessage(senderID, ev.Channel, ev.Text, nil, metadata)
}
