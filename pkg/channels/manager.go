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

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// Manager owns every registered channel adapter and the single dispatcher
// goroutine that routes outbound bus messages to the right one.
type Manager struct {
	mu       sync.Mutex
	channels map[string]Channel
	bus      *bus.MessageBus

	started      bool
	dispatchStop context.CancelFunc
	dispatchDone chan struct{}
}

// NewManager creates an empty Manager bound to msgBus.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      msgBus,
	}
}

func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// GetEnabledChannels returns the names of every registered channel.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// SendToChannel delivers content directly to a named channel, bypassing the
// outbound bus dispatcher.
func (m *Manager) SendToChannel(ctx context.Context, name, chatID, content string) error {
	ch, ok := m.GetChannel(name)
	if !ok {
		return fmt.Errorf("unknown channel: %s", name)
	}
	return ch.Send(ctx, bus.OutboundMessage{Channel: name, ChatID: chatID, Content: content})
}

// StartAll starts every registered channel and begins dispatching outbound
// bus messages to them. Idempotent: a second call while already started is
// a no-op.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}

	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to start channel %s: %w", name, err)
		}
	}

	dispatchCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.started = true
	m.dispatchStop = cancel
	m.dispatchDone = done
	m.mu.Unlock()

	go m.dispatchLoop(dispatchCtx, done)
	return nil
}

// StopAll stops the dispatcher and every registered channel. Idempotent.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	cancel := m.dispatchStop
	done := m.dispatchDone
	channelsCopy := make(map[string]Channel, len(m.channels))
	for name, ch := range m.channels {
		channelsCopy[name] = ch
	}
	m.mu.Unlock()

	cancel()
	<-done

	var firstErr error
	for name, ch := range channelsCopy {
		if err := ch.Stop(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to stop channel", map[string]interface{}{"channel": name, "error": err.Error()})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (m *Manager) dispatchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}

		ch, ok := m.GetChannel(msg.Channel)
		if !ok {
			logger.WarnCF("channels", "Outbound message for unregistered channel", map[string]interface{}{"channel": msg.Channel})
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Failed to send outbound message", map[string]interface{}{"channel": msg.Channel, "error": err.Error()})
		}
	}
}

// GetStatus reports per-channel running/enabled state for diagnostics.
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]interface{}, len(m.channels))
	for name, ch := range m.channels {
		status[name] = map[string]interface{}{
			"running": ch.IsRunning(),
			"enabled": true,
		}
	}
	return status
}
