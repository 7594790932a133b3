package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/cron"
)

// CronExecutor is the subset of *agent.AgentLoop that CronTool needs to run
// a job's message through the agent. Declared locally to avoid an import
// cycle between pkg/tools and pkg/agent.
type CronExecutor interface {
	ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error)
}

// CronTool lets the agent schedule, list, enable/disable, and remove
// one-off and recurring jobs, backed by a cron.CronService.
type CronTool struct {
	service  *cron.CronService
	executor CronExecutor
	bus      *bus.MessageBus
}

func NewCronTool(service *cron.CronService, executor CronExecutor, msgBus *bus.MessageBus) *CronTool {
	return &CronTool{
		service:  service,
		executor: executor,
		bus:      msgBus,
	}
}

// SetService attaches the CronService after construction, for callers that
// must create the service's executor callback from the CronTool itself
// (avoiding a construction-order cycle).
func (t *CronTool) SetService(service *cron.CronService) {
	t.service = service
}

func (t *CronTool) Name() string {
	return "cron"
}

func (t *CronTool) Description() string {
	return "Schedule, list, enable/disable, or remove reminders and recurring tasks. " +
		"Use at_seconds for a one-shot reminder, every_seconds for a recurring interval, " +
		"or cron_expr for a crontab-style schedule."
}

func (t *CronTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"action": map[string]interface{}{
				"type":        "string",
				"description": "One of: add, list, enable, disable, remove",
				"enum":        []string{"add", "list", "enable", "disable", "remove"},
			},
			"message": map[string]interface{}{
				"type":        "string",
				"description": "The message/prompt to run or deliver when the job fires (required for add)",
			},
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Optional human-readable name for the job",
			},
			"at_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Fire once, this many seconds from now. Takes priority over every_seconds.",
			},
			"every_seconds": map[string]interface{}{
				"type":        "number",
				"description": "Fire repeatedly every this many seconds.",
			},
			"cron_expr": map[string]interface{}{
				"type":        "string",
				"description": "Fire on a crontab-style schedule, e.g. '0 9 * * *'.",
			},
			"deliver": map[string]interface{}{
				"type":        "boolean",
				"description": "If true, deliver the message text directly instead of running it through the agent.",
			},
			"channel": map[string]interface{}{
				"type":        "string",
				"description": "Optional: target channel. Defaults to the current conversation's channel.",
			},
			"chat_id": map[string]interface{}{
				"type":        "string",
				"description": "Optional: target chat/user ID. Defaults to the current conversation's chat.",
			},
			"job_id": map[string]interface{}{
				"type":        "string",
				"description": "Job ID, required for enable/disable/remove",
			},
		},
		"required": []string{"action"},
	}
}

func (t *CronTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	action, _ := args["action"].(string)

	switch action {
	case "add":
		return t.addJob(args)
	case "list":
		return t.listJobs(), nil
	case "disable":
		return t.setEnabled(args, false)
	case "enable":
		return t.setEnabled(args, true)
	case "remove":
		return t.removeJob(args)
	default:
		return "", fmt.Errorf("unknown cron action: %s", action)
	}
}

func (t *CronTool) addJob(args map[string]interface{}) (string, error) {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return "Error: message is required", nil
	}

	channel, _ := args["channel"].(string)
	chatID, _ := args["chat_id"].(string)
	ctxChannel, ctxChatID := getExecutionContext(args)
	if channel == "" {
		channel = ctxChannel
	}
	if chatID == "" {
		chatID = ctxChatID
	}
	if channel == "" || chatID == "" {
		return "Error: no session context to schedule this job against", nil
	}

	name, _ := args["name"].(string)
	deliver, _ := args["deliver"].(bool)

	schedule := cron.CronSchedule{}
	now := time.Now().UnixMilli()

	if atSeconds, ok := args["at_seconds"].(float64); ok {
		atMS := now + int64(atSeconds*1000)
		schedule.Kind = "at"
		schedule.AtMS = &atMS
	} else if everySeconds, ok := args["every_seconds"].(float64); ok {
		everyMS := int64(everySeconds * 1000)
		schedule.Kind = "every"
		schedule.EveryMS = &everyMS
	} else if expr, ok := args["cron_expr"].(string); ok && expr != "" {
		schedule.Kind = "cron"
		schedule.Expr = expr
	} else {
		return "Error: one of at_seconds, every_seconds, or cron_expr is required", nil
	}

	job, err := t.service.AddJob(name, schedule, message, deliver, channel, chatID)
	if err != nil {
		return fmt.Sprintf("Error creating job: %v", err), nil
	}

	return fmt.Sprintf("Created job %s (%s)", job.ID, job.Schedule.Kind), nil
}

func (t *CronTool) listJobs() string {
	jobs := t.service.ListJobs(true)
	if len(jobs) == 0 {
		return "No scheduled jobs."
	}

	var sb strings.Builder
	sb.WriteString("Scheduled jobs:\n")
	for _, job := range jobs {
		status := "enabled"
		if !job.Enabled {
			status = "disabled"
		}
		name := job.Name
		if name == "" {
			name = job.ID
		}
		sb.WriteString(fmt.Sprintf("- %s [%s] (%s, %s): %s\n", job.ID, name, job.Schedule.Kind, status, job.Payload.Message))
	}
	return sb.String()
}

func (t *CronTool) setEnabled(args map[string]interface{}, enabled bool) (string, error) {
	jobID, _ := args["job_id"].(string)
	if jobID == "" {
		return "Error: job_id is required", nil
	}

	job := t.service.EnableJob(jobID, enabled)
	if job == nil {
		return fmt.Sprintf("Error: job %s not found", jobID), nil
	}

	if enabled {
		return fmt.Sprintf("Job %s enabled", jobID), nil
	}
	return fmt.Sprintf("Job %s disabled", jobID), nil
}

func (t *CronTool) removeJob(args map[string]interface{}) (string, error) {
	jobID, _ := args["job_id"].(string)
	if jobID == "" {
		return "Error: job_id is required", nil
	}

	if !t.service.RemoveJob(jobID) {
		return fmt.Sprintf("Error: job %s not found", jobID), nil
	}
	return fmt.Sprintf("Removed job %s", jobID), nil
}

// ExecuteJob runs a due job: either delivering its message directly to a
// channel/chat, or routing it through the agent as a session of its own.
// Meant to be wrapped as the executor callback passed to
// cron.NewCronService.
func (t *CronTool) ExecuteJob(ctx context.Context, job *cron.CronJob) string {
	if job.Payload.Deliver {
		t.bus.PublishOutbound(bus.OutboundMessage{
			Channel: job.Payload.Channel,
			ChatID:  job.Payload.To,
			Content: job.Payload.Message,
		})
		return "ok"
	}

	if t.executor == nil {
		return "Error: no executor configured for this job"
	}

	sessionKey := "cron-" + job.ID
	response, err := t.executor.ProcessDirectWithChannel(ctx, job.Payload.Message, sessionKey, job.Payload.Channel, job.Payload.To)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return response
}
