// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package gateway is the composition root: it wires the bus, channel
// adapters, session queue, bus adapter, agent loop, heartbeat, and memory
// extractor into one process and owns their startup/shutdown order.
package gateway

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/busadapter"
	"github.com/sipeed/picoclaw/pkg/channels"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/queue"

	"github.com/sipeed/picoclaw/pkg/agent"
	"github.com/sipeed/picoclaw/pkg/heartbeat"
)

// Gateway owns every long-running service's lifetime and tears them down
// in reverse construction order on Stop.
type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	agent      *agent.AgentLoop
	channels   *channels.Manager
	heart      *heartbeat.HeartbeatService
	extractor  *memory.Extractor
	queue      *queue.SessionQueue
	busAdapter *busadapter.BusAdapter

	inboundSub bus.Subscription

	mu        sync.Mutex
	lastRoute struct {
		channel string
		chatID  string
	}
	cachedTimezone string
}

// New wires every component from cfg but starts nothing; call Start to
// bring the process up.
func New(cfg *config.Config) (*Gateway, error) {
	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("gateway: creating LLM provider: %w", err)
	}

	msgBus := bus.NewMessageBus()
	agentLoop := agent.NewAgentLoop(cfg, msgBus, provider)

	gw := &Gateway{
		cfg:   cfg,
		bus:   msgBus,
		agent: agentLoop,
	}
	gw.cachedTimezone = cfg.Cron.TimeZone
	gw.refreshTimezone()

	if cfg.Memory.ExtractionEnabled {
		extractIdle := time.Duration(cfg.Dispatch.ExtractIdleMin) * time.Minute
		gw.extractor = memory.NewExtractor(extractIdle, agentLoop.ExtractMemoriesForSession)
	}

	sub, err := msgBus.Subscribe(bus.KindMessageInbound, gw.trackInbound)
	if err != nil {
		return nil, fmt.Errorf("gateway: subscribing to message:inbound: %w", err)
	}
	gw.inboundSub = sub

	debounce := time.Duration(cfg.Dispatch.DebounceMs) * time.Millisecond
	gw.queue = queue.NewSessionQueue(agentLoop.ProcessForQueue, debounce)
	gw.busAdapter = busadapter.NewBusAdapter(msgBus, gw.queue.ProcessMessage)

	if cfg.Heartbeat.Enabled {
		gw.heart = heartbeat.NewHeartbeatService(
			cfg.WorkspacePath(),
			gw.heartbeatCallback,
			cfg.Heartbeat.IntervalMinutes,
			cfg.Heartbeat.Immediate,
		)
	}

	gw.channels = channels.NewManager(msgBus)
	if err := wireChannels(gw.channels, cfg, msgBus); err != nil {
		return nil, err
	}

	return gw, nil
}

// trackInbound is the single handler subscribed to message:inbound: it
// updates the last-active route (heartbeat fallback routing), refreshes the
// cached user timezone, and schedules a memory extraction (urgent if the
// message looks like a correction) — all ahead of and independent from
// whatever the Session Queue/Bus Adapter pipeline does with the same event.
func (gw *Gateway) trackInbound(event interface{}) error {
	msg, ok := event.(bus.InboundMessage)
	if !ok {
		return nil
	}

	gw.mu.Lock()
	gw.lastRoute.channel = msg.Channel
	gw.lastRoute.chatID = msg.ChatID
	gw.mu.Unlock()

	gw.refreshTimezone()

	if msg.SessionKey != "" && gw.extractor != nil {
		if memory.IsCorrectionSignal(msg.Content) {
			gw.extractor.ScheduleUrgentExtraction(msg.SessionKey)
		} else {
			gw.extractor.ScheduleExtraction(msg.SessionKey)
		}
	}

	return nil
}

// refreshTimezone re-reads a "Timezone: <IANA name>" line from the
// workspace's USER.md, if present, caching the most recent value so the
// heartbeat callback and scheduler fallback routing can use it without
// re-reading the file on every tick.
func (gw *Gateway) refreshTimezone() {
	path := filepath.Join(gw.cfg.WorkspacePath(), "USER.md")
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		const prefix = "Timezone:"
		if strings.HasPrefix(line, prefix) {
			tz := strings.TrimSpace(strings.TrimPrefix(line, prefix))
			if tz != "" {
				gw.mu.Lock()
				gw.cachedTimezone = tz
				gw.mu.Unlock()
			}
			return
		}
	}
}

// heartbeatCallback routes a heartbeat prompt through the agent loop at
// the last-active route, falling back to a CLI-local session if no route
// has been observed yet.
func (gw *Gateway) heartbeatCallback(prompt string) (string, error) {
	gw.mu.Lock()
	channel, chatID := gw.lastRoute.channel, gw.lastRoute.chatID
	tz := gw.cachedTimezone
	gw.mu.Unlock()

	if channel == "" {
		channel, chatID = "cli", "heartbeat"
	}

	if loc, err := time.LoadLocation(tz); err == nil {
		prompt = fmt.Sprintf("%s\n\nCurrent local time for the user: %s (%s).", prompt, time.Now().In(loc).Format(time.RFC1123), tz)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	return gw.agent.ProcessDirectWithChannel(ctx, prompt, fmt.Sprintf("%s:%s", channel, chatID), channel, chatID)
}

// wireChannels registers every channel adapter enabled in cfg.
func wireChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) error {
	if cfg.Channels.Telegram.Enabled {
		ch, err := channels.NewTelegramChannel(cfg.Channels.Telegram, msgBus)
		if err != nil {
			return fmt.Errorf("gateway: telegram channel: %w", err)
		}
		mgr.RegisterChannel("telegram", ch)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := channels.NewDiscordChannel(cfg.Channels.Discord, msgBus)
		if err != nil {
			return fmt.Errorf("gateway: discord channel: %w", err)
		}
		mgr.RegisterChannel("discord", ch)
	}
	if cfg.Channels.Slack.Enabled {
		ch, err := channels.NewSlackChannel(cfg.Channels.Slack, msgBus)
		if err != nil {
			return fmt.Errorf("gateway: slack channel: %w", err)
		}
		mgr.RegisterChannel("slack", ch)
	}
	if cfg.Channels.Lark.Enabled {
		ch, err := channels.NewLarkChannel(cfg.Channels.Lark, msgBus)
		if err != nil {
			return fmt.Errorf("gateway: lark channel: %w", err)
		}
		mgr.RegisterChannel("lark", ch)
	}
	if cfg.Channels.DingTalk.Enabled {
		ch, err := channels.NewDingTalkChannel(cfg.Channels.DingTalk, msgBus)
		if err != nil {
			return fmt.Errorf("gateway: dingtalk channel: %w", err)
		}
		mgr.RegisterChannel("dingtalk", ch)
	}
	if cfg.Channels.QQ.Enabled {
		ch, err := channels.NewQQChannel(cfg.Channels.QQ, msgBus)
		if err != nil {
			return fmt.Errorf("gateway: qq channel: %w", err)
		}
		mgr.RegisterChannel("qq", ch)
	}
	if cfg.Channels.WhatsApp.Enabled {
		ch, err := channels.NewWhatsAppChannel(cfg.Channels.WhatsApp, msgBus)
		if err != nil {
			return fmt.Errorf("gateway: whatsapp channel: %w", err)
		}
		mgr.RegisterChannel("whatsapp", ch)
	}
	return nil
}

// Start brings every service up: background services inside the agent
// loop (cron), the heartbeat, the bus adapter, and finally the channel
// adapters so they don't start delivering before the pipeline behind them
// is live.
func (gw *Gateway) Start(ctx context.Context) error {
	if err := gw.agent.StartBackgroundServices(); err != nil {
		return fmt.Errorf("gateway: starting agent background services: %w", err)
	}

	if gw.heart != nil {
		if err := gw.heart.Start(); err != nil {
			logger.WarnCF("gateway", "Heartbeat failed to start", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := gw.busAdapter.Start(ctx); err != nil {
		return fmt.Errorf("gateway: starting bus adapter: %w", err)
	}

	if err := gw.channels.StartAll(ctx); err != nil {
		return fmt.Errorf("gateway: starting channels: %w", err)
	}

	logger.InfoCF("gateway", "Gateway started", map[string]interface{}{"channels": gw.channels.GetEnabledChannels()})
	return nil
}

// Stop tears everything down in the reverse order of Start: channels,
// heartbeat, agent background services, memory extractor (awaiting any
// in-flight extraction), session queue (rejecting pending callers), the
// agent loop itself (closing its history backend), then the bus.
func (gw *Gateway) Stop(ctx context.Context) {
	if err := gw.channels.StopAll(ctx); err != nil {
		logger.ErrorCF("gateway", "Error stopping channels", map[string]interface{}{"error": err.Error()})
	}

	gw.busAdapter.Stop()
	gw.bus.Unsubscribe(gw.inboundSub)

	if gw.heart != nil {
		gw.heart.Stop()
	}

	gw.agent.StopBackgroundServices()

	if gw.extractor != nil {
		gw.extractor.Dispose()
	}
	gw.queue.Dispose()

	if err := gw.agent.Close(); err != nil {
		logger.ErrorCF("gateway", "Error closing agent loop", map[string]interface{}{"error": err.Error()})
	}

	gw.bus.Close()

	logger.InfoCF("gateway", "Gateway stopped", nil)
}

// Agent exposes the underlying agent loop for direct single-shot queries
// (the CLI's "agent" subcommand bypasses the bus entirely).
func (gw *Gateway) Agent() *agent.AgentLoop {
	return gw.agent
}
