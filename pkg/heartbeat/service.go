// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package heartbeat runs a periodic "are you there" prompt through the
// agent so it can take initiative during idle periods (check in, review
// pending reminders, notice things worth surfacing) without waiting for
// user input.
package heartbeat

import (
	"fmt"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

const defaultHeartbeatPrompt = "This is a periodic heartbeat check-in. Review anything pending (reminders, unfinished tasks, notable changes) and act or report only if there is something worth surfacing. If there is nothing to do, respond with exactly: NOTHING."

// Callback runs one heartbeat cycle with the given prompt and returns the
// agent's response (or an error).
type Callback func(prompt string) (string, error)

// HeartbeatService fires Callback on a fixed interval for as long as it is
// running. workspace is carried for parity with other services that persist
// state, though the heartbeat itself keeps no state across restarts.
type HeartbeatService struct {
	workspace       string
	callback        Callback
	intervalMinutes int
	immediate       bool

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHeartbeatService creates a HeartbeatService that invokes callback every
// intervalMinutes minutes. If immediate is true, the first beat fires as
// soon as Start is called instead of waiting a full interval.
func NewHeartbeatService(workspace string, callback Callback, intervalMinutes int, immediate bool) *HeartbeatService {
	return &HeartbeatService{
		workspace:       workspace,
		callback:        callback,
		intervalMinutes: intervalMinutes,
		immediate:       immediate,
	}
}

// Start begins the heartbeat ticker. It is idempotent: calling Start while
// already running is a no-op. Returns an error if intervalMinutes is not
// positive.
func (hs *HeartbeatService) Start() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hs.running {
		return nil
	}
	if hs.intervalMinutes <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %d", hs.intervalMinutes)
	}

	hs.stopCh = make(chan struct{})
	hs.doneCh = make(chan struct{})
	hs.running = true

	go hs.run(hs.stopCh, hs.doneCh)
	return nil
}

// Stop halts the ticker. It is idempotent and safe to call even if Start
// was never called.
func (hs *HeartbeatService) Stop() {
	hs.mu.Lock()
	if !hs.running {
		hs.mu.Unlock()
		return
	}
	hs.running = false
	stopCh := hs.stopCh
	doneCh := hs.doneCh
	hs.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (hs *HeartbeatService) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	interval := time.Duration(hs.intervalMinutes) * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if hs.immediate {
		hs.beat()
	}

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			hs.beat()
		}
	}
}

func (hs *HeartbeatService) beat() {
	response, err := hs.callback(defaultHeartbeatPrompt)
	if err != nil {
		logger.WarnCF("heartbeat", "Heartbeat callback failed", map[string]interface{}{"error": err.Error()})
		return
	}
	logger.DebugCF("heartbeat", "Heartbeat completed", map[string]interface{}{"response": response})
}

// Status reports whether the service is currently running.
func (hs *HeartbeatService) Status() map[string]interface{} {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return map[string]interface{}{
		"running":          hs.running,
		"interval_minutes": hs.intervalMinutes,
		"immediate":        hs.immediate,
	}
}
