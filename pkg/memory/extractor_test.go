// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestExtractor_ScheduleExtraction_FiresAfterIdle(t *testing.T) {
	var calls int32
	e := NewExtractor(10*time.Millisecond, func(ctx context.Context, sessionKey string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	defer e.Dispose()

	e.ScheduleExtraction("s1")

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected 1 extraction, got %d", calls)
	}
}

func TestExtractor_ScheduleExtraction_ResetsTimer(t *testing.T) {
	var calls int32
	e := NewExtractor(30*time.Millisecond, func(ctx context.Context, sessionKey string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	defer e.Dispose()

	e.ScheduleExtraction("s1")
	time.Sleep(15 * time.Millisecond)
	e.ScheduleExtraction("s1") // should push the deadline out again

	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("expected reset timer to delay extraction, got %d calls", calls)
	}

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly 1 extraction eventually, got %d", calls)
	}
}

func TestExtractor_UrgentBypassesDebounce(t *testing.T) {
	var calls int32
	e := NewExtractor(time.Hour, func(ctx context.Context, sessionKey string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	defer e.Dispose()

	e.ScheduleUrgentExtraction("s1")
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected urgent extraction to fire immediately, got %d", calls)
	}
}

func TestExtractor_AtMostOneInFlightPerSession(t *testing.T) {
	var concurrent, maxConcurrent int32
	e := NewExtractor(time.Millisecond, func(ctx context.Context, sessionKey string) error {
		n := atomic.AddInt32(&concurrent, 1)
		if n > atomic.LoadInt32(&maxConcurrent) {
			atomic.StoreInt32(&maxConcurrent, n)
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&concurrent, -1)
		return nil
	})
	defer e.Dispose()

	for i := 0; i < 5; i++ {
		e.ScheduleUrgentExtraction("s1")
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	if atomic.LoadInt32(&maxConcurrent) > 1 {
		t.Errorf("expected at most 1 concurrent extraction per session, saw %d", maxConcurrent)
	}
}

func TestExtractor_DisposeAwaitsInFlight(t *testing.T) {
	started := make(chan struct{})
	finished := make(chan struct{})
	e := NewExtractor(time.Millisecond, func(ctx context.Context, sessionKey string) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		close(finished)
		return nil
	})

	e.ScheduleUrgentExtraction("s1")
	<-started
	e.Dispose()

	select {
	case <-finished:
	default:
		t.Error("expected Dispose to block until in-flight extraction finished")
	}
}

func TestIsCorrectionSignal(t *testing.T) {
	cases := map[string]bool{
		"actually I meant Tuesday":       true,
		"no, my name is Sam":             true,
		"that's wrong, try again":        true,
		"sounds good, thanks":            false,
		"what's the weather today":       false,
	}
	for input, want := range cases {
		if got := IsCorrectionSignal(input); got != want {
			t.Errorf("IsCorrectionSignal(%q) = %v, want %v", input, got, want)
		}
	}
}
