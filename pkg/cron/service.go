// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package cron schedules one-off and recurring jobs ("at", "every", and
// crontab-expression schedules) that run through an executor callback and
// persist across restarts as JSON.
package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// CronSchedule describes when a job should run. Kind is one of "every"
// (fixed interval), "at" (one-shot timestamp), or "cron" (crontab
// expression).
type CronSchedule struct {
	Kind    string `json:"kind"`
	EveryMS *int64 `json:"every_ms,omitempty"`
	AtMS    *int64 `json:"at_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
}

// CronPayload is what a job actually does when it fires: either deliver a
// message directly to a channel/chat, or route it through the agent as if
// the user had sent it.
type CronPayload struct {
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// CronJobState tracks a job's run history.
type CronJobState struct {
	NextRunAtMS *int64 `json:"next_run_at_ms,omitempty"`
	LastRunAtMS *int64 `json:"last_run_at_ms,omitempty"`
	LastResult  string `json:"last_result,omitempty"`
}

// CronJob is a single scheduled job.
type CronJob struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Schedule       CronSchedule `json:"schedule"`
	Payload        CronPayload  `json:"payload"`
	Enabled        bool         `json:"enabled"`
	DeleteAfterRun bool         `json:"delete_after_run"`
	State          CronJobState `json:"state"`
}

type cronStore struct {
	Jobs []*CronJob `json:"jobs"`
}

// Executor runs a job and returns a short result string, or an error.
type Executor func(job *CronJob) (string, error)

// CronService owns the job store and a background loop that fires due
// jobs. The store is persisted to storePath as JSON after every mutation.
type CronService struct {
	storePath string
	executor  Executor

	mu    sync.Mutex
	store *cronStore

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCronService creates a CronService backed by storePath, loading any
// previously persisted jobs. executor may be nil; ExecuteJob-style callers
// (e.g. pkg/tools.CronTool) handle dispatch themselves in that case.
func NewCronService(storePath string, executor Executor) *CronService {
	cs := &CronService{
		storePath: storePath,
		executor:  executor,
		store:     &cronStore{Jobs: []*CronJob{}},
	}
	cs.load()
	return cs
}

func (cs *CronService) load() {
	data, err := os.ReadFile(cs.storePath)
	if err != nil {
		return
	}
	var store cronStore
	if err := json.Unmarshal(data, &store); err != nil {
		logger.WarnCF("cron", "Failed to parse cron store, starting empty", map[string]interface{}{"error": err.Error()})
		return
	}
	if store.Jobs == nil {
		store.Jobs = []*CronJob{}
	}
	cs.store = &store
}

// save persists the store. Caller must hold cs.mu.
func (cs *CronService) save() {
	if cs.storePath == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(cs.storePath), 0755); err != nil {
		logger.WarnCF("cron", "Failed to create cron store directory", map[string]interface{}{"error": err.Error()})
		return
	}
	data, err := json.MarshalIndent(cs.store, "", "  ")
	if err != nil {
		logger.WarnCF("cron", "Failed to marshal cron store", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := os.WriteFile(cs.storePath, data, 0644); err != nil {
		logger.WarnCF("cron", "Failed to write cron store", map[string]interface{}{"error": err.Error()})
	}
}

// AddJob creates and persists a new job.
func (cs *CronService) AddJob(name string, schedule CronSchedule, message string, deliver bool, channel, to string) (*CronJob, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	job := &CronJob{
		ID:       uuid.NewString(),
		Name:     name,
		Schedule: schedule,
		Payload: CronPayload{
			Message: message,
			Deliver: deliver,
			Channel: channel,
			To:      to,
		},
		Enabled:        true,
		DeleteAfterRun: schedule.Kind == "at",
	}

	job.State.NextRunAtMS = cs.computeNextRun(&schedule, time.Now().UnixMilli())

	cs.store.Jobs = append(cs.store.Jobs, job)
	cs.save()
	return job, nil
}

// RemoveJob deletes a job by ID, returning whether it was found.
func (cs *CronService) RemoveJob(id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for i, j := range cs.store.Jobs {
		if j.ID == id {
			cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
			cs.save()
			return true
		}
	}
	return false
}

// EnableJob toggles a job's Enabled flag, recomputing NextRunAtMS (nil when
// disabling). Returns nil if the job isn't found.
func (cs *CronService) EnableJob(id string, enabled bool) *CronJob {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	job := cs.findJob(id)
	if job == nil {
		return nil
	}

	job.Enabled = enabled
	if enabled {
		job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, time.Now().UnixMilli())
	} else {
		job.State.NextRunAtMS = nil
	}
	cs.save()
	return job
}

func (cs *CronService) findJob(id string) *CronJob {
	for _, j := range cs.store.Jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// ListJobs returns all jobs if includeDisabled is true, or only enabled
// jobs otherwise.
func (cs *CronService) ListJobs(includeDisabled bool) []*CronJob {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if includeDisabled {
		result := make([]*CronJob, len(cs.store.Jobs))
		copy(result, cs.store.Jobs)
		return result
	}

	result := make([]*CronJob, 0, len(cs.store.Jobs))
	for _, j := range cs.store.Jobs {
		if j.Enabled {
			result = append(result, j)
		}
	}
	return result
}

// Status reports job counts and whether the background loop is running.
func (cs *CronService) Status() map[string]interface{} {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return map[string]interface{}{
		"jobs":    len(cs.store.Jobs),
		"enabled": cs.running,
	}
}

// computeNextRun returns the next fire time in epoch milliseconds for the
// given schedule and reference time, or nil if the schedule cannot fire
// again (invalid config, past one-shot time, unknown kind).
func (cs *CronService) computeNextRun(schedule *CronSchedule, fromMS int64) *int64 {
	switch schedule.Kind {
	case "every":
		if schedule.EveryMS == nil || *schedule.EveryMS <= 0 {
			return nil
		}
		next := fromMS + *schedule.EveryMS
		return &next

	case "at":
		if schedule.AtMS == nil || *schedule.AtMS <= fromMS {
			return nil
		}
		at := *schedule.AtMS
		return &at

	case "cron":
		if schedule.Expr == "" {
			return nil
		}
		ref := time.UnixMilli(fromMS)
		next, err := gronx.NextTickAfter(schedule.Expr, ref, false)
		if err != nil {
			return nil
		}
		ms := next.UnixMilli()
		return &ms

	default:
		return nil
	}
}

// Start begins the background polling loop. It is idempotent.
func (cs *CronService) Start() error {
	cs.mu.Lock()
	if cs.running {
		cs.mu.Unlock()
		return nil
	}
	cs.running = true
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	cs.stopCh = stopCh
	cs.doneCh = doneCh
	cs.mu.Unlock()

	go cs.loop(stopCh, doneCh)
	return nil
}

// Stop halts the polling loop. It is idempotent and safe even if Start was
// never called.
func (cs *CronService) Stop() {
	cs.mu.Lock()
	if !cs.running {
		cs.mu.Unlock()
		return
	}
	cs.running = false
	stopCh := cs.stopCh
	doneCh := cs.doneCh
	cs.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (cs *CronService) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			cs.tick()
		}
	}
}

// tick fires every due, enabled job and reschedules or removes it.
func (cs *CronService) tick() {
	now := time.Now().UnixMilli()

	cs.mu.Lock()
	var due []*CronJob
	for _, job := range cs.store.Jobs {
		if job.Enabled && job.State.NextRunAtMS != nil && *job.State.NextRunAtMS <= now {
			due = append(due, job)
		}
	}
	cs.mu.Unlock()

	for _, job := range due {
		cs.runJob(job)
	}
}

func (cs *CronService) runJob(job *CronJob) {
	var result string
	var err error
	if cs.executor != nil {
		result, err = cs.executor(job)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	runAt := time.Now().UnixMilli()
	job.State.LastRunAtMS = &runAt
	if err != nil {
		job.State.LastResult = fmt.Sprintf("Error: %v", err)
		logger.WarnCF("cron", "Job execution failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	} else {
		job.State.LastResult = result
	}

	if job.DeleteAfterRun {
		for i, j := range cs.store.Jobs {
			if j.ID == job.ID {
				cs.store.Jobs = append(cs.store.Jobs[:i], cs.store.Jobs[i+1:]...)
				break
			}
		}
	} else {
		job.State.NextRunAtMS = cs.computeNextRun(&job.Schedule, runAt)
	}

	cs.save()
}
