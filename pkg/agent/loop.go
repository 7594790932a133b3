// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/cron"
	"github.com/sipeed/picoclaw/pkg/llmloop"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/memory"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/queue"
	"github.com/sipeed/picoclaw/pkg/session"
	"github.com/sipeed/picoclaw/pkg/tools"
	"github.com/sipeed/picoclaw/pkg/utils"
)

type AgentLoop struct {
	bus              *bus.MessageBus
	provider         providers.LLMProvider
	workspace        string
	model            string
	contextWindow    int // Maximum context window size in tokens
	maxIterations    int
	llmTimeout       time.Duration // Per-LLM-call timeout (0 = disabled)
	toolTimeout      time.Duration // Per-tool-call timeout (0 = disabled)
	maxParallelTools int           // Max concurrent tools per iteration (<=0 = unlimited)
	sessions         *session.SessionManager
	contextBuilder   *ContextBuilder
	tools            *tools.ToolRegistry
	running          atomic.Bool
	summarizing      sync.Map            // Tracks which sessions are currently being summarized
	statusDelay      time.Duration       // Delay before sending "still working" status updates (0 = disabled)
	memoryStore      *memory.MemoryStore // Searchable memory DB (nil = disabled)
	memoryMaxAge     time.Duration       // Prune memories older than this (<=0 disabled)
	memoryCompactAt  int                 // Compact once the store exceeds this many rows (<=0 disabled)
	cronService      *cron.CronService
	evictor          *tools.ResultEvictor // Spills oversized tool results to scratch files
}

// processOptions configures how a message is processed
type processOptions struct {
	SessionKey      string // Session identifier for history/context
	Channel         string // Target channel for tool execution
	ChatID          string // Target chat ID for tool execution
	UserMessage     string // User message content (may include prefix)
	DefaultResponse string // Response when LLM returns empty
	EnableSummary   bool   // Whether to trigger summarization
	SendResponse    bool   // Whether to send response via bus
}

func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, provider providers.LLMProvider) *AgentLoop {
	workspace := cfg.WorkspacePath()
	os.MkdirAll(workspace, 0755)

	toolsRegistry := tools.NewToolRegistry()
	tools.RegisterCoreTools(toolsRegistry, workspace, cfg.Tools.Web.Search.APIKey, cfg.Tools.Web.Search.MaxResults)
	if cfg.Tools.Policy.Enabled {
		toolsRegistry.SetExecutionPolicy(tools.NewToolExecutionPolicy(true, cfg.Tools.Policy.Allow, cfg.Tools.Policy.Deny))
	}

	// Register message tool
	messageTool := tools.NewMessageTool()
	messageTool.SetSendCallback(func(channel, chatID, content string, media []string) error {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: content,
			Media:   media,
		})
		return nil
	})
	toolsRegistry.Register(messageTool)

	// Register spawn tool
	subagentManager := tools.NewSubagentManager(provider, cfg.Agents.Defaults.Model, workspace, msgBus)
	spawnTool := tools.NewSpawnTool(subagentManager)
	toolsRegistry.Register(spawnTool)

	// Register memory tools (graceful degradation if SQLite init fails)
	memoryDBPath := filepath.Join(workspace, "memory", "memory.db")
	memoryDB, err := memory.NewMemoryStore(memoryDBPath, workspace)
	if err != nil {
		logger.WarnCF("agent", "Memory DB unavailable, memory tools disabled", map[string]interface{}{"error": err.Error()})
	} else {
		// Reindex existing markdown files into the search index
		if reindexErr := memoryDB.Reindex(); reindexErr != nil {
			logger.WarnCF("agent", "Memory reindex failed", map[string]interface{}{"error": reindexErr.Error()})
		}
		toolsRegistry.Register(tools.NewMemorySearchTool(memoryDB))
		toolsRegistry.Register(tools.NewMemoryStoreTool(memoryDB))
	}

	// memoryDB may be nil — that's fine, extractAndStoreMemories handles it

	sessionsManager := session.NewSessionManager(filepath.Join(workspace, "sessions"))

	// Create context builder and set tools registry
	contextBuilder := NewContextBuilder(workspace)
	contextBuilder.SetToolsRegistry(toolsRegistry)

	al := &AgentLoop{
		bus:              msgBus,
		provider:         provider,
		workspace:        workspace,
		model:            cfg.Agents.Defaults.Model,
		contextWindow:    cfg.Agents.Defaults.MaxTokens, // Restore context window for summarization
		maxIterations:    cfg.Agents.Defaults.MaxToolIterations,
		llmTimeout:       time.Duration(cfg.Agents.Defaults.LLMTimeoutSeconds) * time.Second,
		toolTimeout:      time.Duration(cfg.Agents.Defaults.ToolTimeoutSeconds) * time.Second,
		maxParallelTools: cfg.Agents.Defaults.MaxParallelToolCalls,
		sessions:         sessionsManager,
		contextBuilder:   contextBuilder,
		tools:            toolsRegistry,
		summarizing:      sync.Map{},
		statusDelay:      30 * time.Second,
		memoryStore:      memoryDB,
		memoryMaxAge:     time.Duration(cfg.Memory.MaxAgeMs) * time.Millisecond,
		memoryCompactAt:  cfg.Memory.CompactionThreshold,
		evictor:          tools.NewResultEvictor(workspace, cfg.Tools.ResultEviction.ThresholdChars, cfg.Tools.ResultEviction.PreviewChars),
	}

	// Register cron tool. The executor callback closes over cronTool, which
	// is built with al, so this wiring happens after al is constructed.
	cronStorePath := filepath.Join(workspace, "cron", "jobs.json")
	cronTool := tools.NewCronTool(nil, al, msgBus)
	cronService := cron.NewCronService(cronStorePath, func(job *cron.CronJob) (string, error) {
		ctx := context.Background()
		return cronTool.ExecuteJob(ctx, job), nil
	})
	cronTool.SetService(cronService)
	toolsRegistry.Register(cronTool)
	al.cronService = cronService

	return al
}

func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)

	if al.cronService != nil {
		if err := al.cronService.Start(); err != nil {
			logger.WarnCF("agent", "Cron service failed to start", map[string]interface{}{"error": err.Error()})
		}
	}

	for al.running.Load() {
		select {
		case <-ctx.Done():
			return nil
		default:
			msg, ok := al.bus.ConsumeInbound(ctx)
			if !ok {
				continue
			}

			response, err := al.processMessage(ctx, msg)
			if err != nil {
				response = fmt.Sprintf("Error processing message: %v", err)
			}

			if response != "" {
				al.bus.PublishOutbound(bus.OutboundMessage{
					Channel: msg.Channel,
					ChatID:  msg.ChatID,
					Content: response,
				})
			}
		}
	}

	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
	if al.cronService != nil {
		al.cronService.Stop()
	}
}

// StartBackgroundServices starts the agent loop's own background services
// (currently just the cron scheduler) without taking over bus consumption.
// A composition root that drives inbound messages itself (via a Bus
// Adapter + Session Queue in front of ProcessForQueue) calls this instead
// of Run.
func (al *AgentLoop) StartBackgroundServices() error {
	if al.cronService == nil {
		return nil
	}
	return al.cronService.Start()
}

// StopBackgroundServices is the StartBackgroundServices counterpart.
func (al *AgentLoop) StopBackgroundServices() {
	if al.cronService != nil {
		al.cronService.Stop()
	}
}

// Close releases the agent loop's owned resources (currently just the
// memory store, when enabled). Conversation history itself lives in
// pkg/session snapshots and, when a gateway wires one in, a pkg/history
// backend the gateway owns directly.
func (al *AgentLoop) Close() error {
	if al.memoryStore != nil {
		return al.memoryStore.Close()
	}
	return nil
}

func (al *AgentLoop) RegisterTool(tool tools.Tool) {
	al.tools.Register(tool)
}

func (al *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	return al.ProcessDirectWithChannel(ctx, content, sessionKey, "cli", "direct")
}

func (al *AgentLoop) ProcessDirectWithChannel(ctx context.Context, content, sessionKey, channel, chatID string) (string, error) {
	msg := bus.InboundMessage{
		Channel:    channel,
		SenderID:   "cron",
		ChatID:     chatID,
		Content:    content,
		SessionKey: sessionKey,
	}

	return al.processMessage(ctx, msg)
}

// ProcessForQueue adapts processMessage to the queue.Processor shape, so a
// SessionQueue sitting in front of the agent loop (wired by the gateway) can
// drive it without depending on AgentLoop's internal return type.
func (al *AgentLoop) ProcessForQueue(ctx context.Context, msg bus.InboundMessage) (queue.AgentResult, error) {
	text, err := al.processMessage(ctx, msg)
	if err != nil {
		return queue.AgentResult{FinishReason: "error"}, err
	}
	return queue.AgentResult{Text: text, FinishReason: "stop"}, nil
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	// Add message preview to log
	preview := utils.Truncate(msg.Content, 80)
	logger.InfoCF("agent", fmt.Sprintf("Processing message from %s:%s: %s", msg.Channel, msg.SenderID, preview),
		map[string]interface{}{
			"channel":     msg.Channel,
			"chat_id":     msg.ChatID,
			"sender_id":   msg.SenderID,
			"session_key": msg.SessionKey,
		})

	// Route system messages to processSystemMessage
	if msg.Channel == "system" {
		return al.processSystemMessage(ctx, msg)
	}

	// Process as user message
	return al.runAgentLoop(ctx, processOptions{
		SessionKey:      msg.SessionKey,
		Channel:         msg.Channel,
		ChatID:          msg.ChatID,
		UserMessage:     msg.Content,
		DefaultResponse: "I've completed processing but have no response to give.",
		EnableSummary:   true,
		SendResponse:    false,
	})
}

func (al *AgentLoop) processSystemMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	// Verify this is a system message
	if msg.Channel != "system" {
		return "", fmt.Errorf("processSystemMessage called with non-system message channel: %s", msg.Channel)
	}

	logger.InfoCF("agent", "Processing system message",
		map[string]interface{}{
			"sender_id": msg.SenderID,
			"chat_id":   msg.ChatID,
		})

	// Parse origin from chat_id (format: "channel:chat_id")
	var originChannel, originChatID string
	if idx := strings.Index(msg.ChatID, ":"); idx > 0 {
		originChannel = msg.ChatID[:idx]
		originChatID = msg.ChatID[idx+1:]
	} else {
		// Fallback
		originChannel = "cli"
		originChatID = msg.ChatID
	}

	// Use the origin session for context
	sessionKey := fmt.Sprintf("%s:%s", originChannel, originChatID)

	// Subagent internal reports should not be forwarded to the end user.
	// They can be stored as internal notes for later integration.
	if strings.HasPrefix(msg.SenderID, "subagent:") {
		event := ""
		if msg.Metadata != nil {
			event = msg.Metadata["subagent_event"]
		}

		// Progress-like events are internal only: store and return no user response.
		switch event {
		case "progress", "note", "warning":
			internal := fmt.Sprintf("[Internal: %s] %s", msg.SenderID, msg.Content)
			al.sessions.AddMessage(sessionKey, "assistant", internal)
			_ = al.sessions.Save(al.sessions.GetOrCreate(sessionKey))
			logger.InfoCF("agent", "Stored subagent update (internal)",
				map[string]interface{}{
					"session_key": sessionKey,
					"event":       event,
					"sender_id":   msg.SenderID,
				})
			return "", nil
		}
	}

	// Process as system message with routing back to origin
	_, err := al.runAgentLoop(ctx, processOptions{
		SessionKey:      sessionKey,
		Channel:         originChannel,
		ChatID:          originChatID,
		UserMessage:     fmt.Sprintf("[System: %s] %s", msg.SenderID, msg.Content),
		DefaultResponse: "Background task completed.",
		EnableSummary:   false,
		SendResponse:    true, // Send response back to original channel
	})
	if err != nil {
		// Avoid routing errors to the non-existent "system" channel. Send a fallback
		// message directly to the origin channel/chat.
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: originChannel,
			ChatID:  originChatID,
			Content: fmt.Sprintf("Error processing background task: %v", err),
		})
	}
	return "", nil
}

// runAgentLoop is the core message processing logic.
// It handles context building, LLM calls, tool execution, and response handling.
func (al *AgentLoop) runAgentLoop(ctx context.Context, opts processOptions) (string, error) {
	// 1. Update tool contexts
	al.updateToolContexts(opts.Channel, opts.ChatID)

	// 2. Build messages
	history := al.sessions.GetHistory(opts.SessionKey)
	summary := al.sessions.GetSummary(opts.SessionKey)
	messages := al.contextBuilder.BuildMessages(
		history,
		summary,
		opts.UserMessage,
		nil,
		opts.Channel,
		opts.ChatID,
	)

	// 3. Save user message to session
	al.sessions.AddMessage(opts.SessionKey, "user", opts.UserMessage)

	// 4. Run LLM iteration loop
	finalContent, iteration, activity, err := al.runLLMIteration(ctx, messages, opts)
	if err != nil {
		// Provider errors are persisted to assistant history (unlike
		// timeouts) so the next turn can see what went wrong and recover.
		if !errors.Is(err, context.DeadlineExceeded) {
			errText := fmt.Sprintf("[LLM Error] %v", err)
			al.sessions.AddMessage(opts.SessionKey, "assistant", errText)
			al.sessions.Save(al.sessions.GetOrCreate(opts.SessionKey))
		}
		return "", err
	}

	// 5. Chain-of-verification: a cheap structural gate decides whether the
	// response needs cross-checking against observed tool activity; failure
	// anywhere in the pass is swallowed and the original text kept.
	if finalContent != "" {
		finalContent = al.verifyResponse(ctx, finalContent, activity)
	}

	// 6. Handle empty response
	if finalContent == "" {
		finalContent = opts.DefaultResponse
	}

	// 6. Save final assistant message to session
	al.sessions.AddMessage(opts.SessionKey, "assistant", finalContent)
	al.sessions.Save(al.sessions.GetOrCreate(opts.SessionKey))

	// 7. Optional: summarization
	if opts.EnableSummary {
		al.maybeSummarize(opts.SessionKey)
	}

	// 8. Optional: send response via bus
	if opts.SendResponse {
		al.bus.PublishOutbound(bus.OutboundMessage{
			Channel: opts.Channel,
			ChatID:  opts.ChatID,
			Content: finalContent,
		})
	}

	// 9. Log response
	responsePreview := utils.Truncate(finalContent, 120)
	logger.InfoCF("agent", fmt.Sprintf("Response: %s", responsePreview),
		map[string]interface{}{
			"session_key":  opts.SessionKey,
			"iterations":   iteration,
			"final_length": len(finalContent),
		})

	return finalContent, nil
}

// runLLMIteration drives one turn's LLM/tool-call cycle on the shared
// llmloop.Run engine (the same one SubagentManager uses), persisting every
// assistant/tool message into session history as it happens via Run's
// hooks, then returns the final content, iteration count, and tool
// activity observed along the way.
func (al *AgentLoop) runLLMIteration(ctx context.Context, messages []providers.Message, opts processOptions) (string, int, *toolActivity, error) {
	activity := &toolActivity{}
	chatOptions := map[string]interface{}{
		"max_tokens":  8192,
		"temperature": 0.7,
	}

	runResult, err := llmloop.Run(ctx, llmloop.RunOptions{
		Provider:      al.provider,
		Model:         al.model,
		MaxIterations: al.maxIterations,
		LLMTimeout:    al.llmTimeout,
		ChatOptions:   chatOptions,
		Messages:      messages,
		BuildToolDefs: func(iteration int, msgs []providers.Message) []providers.ToolDefinition {
			return al.tools.GetProviderDefinitions()
		},
		ExecuteTools: func(ctx context.Context, toolCalls []providers.ToolCall, iteration int) []providers.Message {
			results := al.executeToolsConcurrently(ctx, toolCalls, iteration, opts)
			activity.record(toolCalls, results)
			return results
		},
		Hooks: llmloop.Hooks{
			BeforeLLMCall: func(iteration int, msgs []providers.Message, toolDefs []providers.ToolDefinition) {
				logger.DebugCF("agent", "LLM iteration", map[string]interface{}{"iteration": iteration, "max": al.maxIterations})
				logger.DebugCF("agent", "LLM request", map[string]interface{}{
					"iteration":         iteration,
					"model":             al.model,
					"messages_count":    len(msgs),
					"tools_count":       len(toolDefs),
					"max_tokens":        chatOptions["max_tokens"],
					"temperature":       chatOptions["temperature"],
					"system_prompt_len": len(msgs[0].Content),
				})
				logger.DebugCF("agent", "Full LLM request", map[string]interface{}{
					"iteration":     iteration,
					"messages_json": formatMessagesForLog(msgs),
					"tools_json":    formatToolsForLog(toolDefs),
				})
				logger.InfoCF("agent", "Calling LLM", map[string]interface{}{
					"iteration":      iteration,
					"model":          al.model,
					"messages_count": len(msgs),
					"tools_count":    len(toolDefs),
				})
			},
			LLMCallFailed: func(iteration int, err error) {
				logger.ErrorCF("agent", "LLM call failed", map[string]interface{}{"iteration": iteration, "error": err.Error()})
			},
			DirectResponse: func(iteration int, content string) {
				logger.InfoCF("agent", "LLM response without tool calls (direct answer)", map[string]interface{}{
					"iteration": iteration, "content_chars": len(content),
				})
			},
			ToolCallsRequested: func(iteration int, toolCalls []providers.ToolCall) {
				toolNames := make([]string, 0, len(toolCalls))
				for _, tc := range toolCalls {
					toolNames = append(toolNames, tc.Name)
				}
				logger.InfoCF("agent", "LLM requested tool calls", map[string]interface{}{
					"tools": toolNames, "count": len(toolNames), "iteration": iteration,
				})
			},
			AssistantMessage: func(iteration int, msg providers.Message) {
				al.sessions.AddFullMessage(opts.SessionKey, msg)
			},
			ToolResultMessage: func(iteration int, msg providers.Message) {
				if tools.IsEvictedPointer(msg.Content) {
					msg.Content = tools.PointerLine(msg.Content)
				}
				al.sessions.AddFullMessage(opts.SessionKey, msg)
			},
		},
	})
	if err != nil {
		return "", runResult.Iterations, activity, fmt.Errorf("LLM call failed: %w", err)
	}

	finalContent := runResult.FinalContent

	// If the loop exhausted all iterations without a direct answer, make
	// one final LLM call with no tools to get a progress summary. The user
	// can then say "continue" to resume.
	if runResult.Exhausted {
		logger.WarnCF("agent", "Tool iteration limit reached, requesting summary", map[string]interface{}{
			"iterations": runResult.Iterations,
			"max":        al.maxIterations,
		})

		summaryMessages := append(append([]providers.Message(nil), runResult.Messages...), providers.Message{
			Role:    "user",
			Content: "You've reached your tool call iteration limit. Please summarize what you've accomplished so far and what still needs to be done. The user can tell you to continue.",
		})

		response, err := al.chatWithTimeout(ctx, summaryMessages, nil, chatOptions)
		if err != nil {
			logger.ErrorCF("agent", "Summary call failed after iteration limit", map[string]interface{}{"error": err.Error()})
			finalContent = fmt.Sprintf("I reached my tool call limit (%d iterations) before finishing. Ask me to continue and I'll pick up where I left off.", al.maxIterations)
		} else {
			finalContent = response.Content
		}
	}

	return finalContent, runResult.Iterations, activity, nil
}

func (al *AgentLoop) chatWithTimeout(
	ctx context.Context,
	messages []providers.Message,
	toolDefs []providers.ToolDefinition,
	options map[string]interface{},
) (*providers.LLMResponse, error) {
	callCtx := ctx
	cancel := func() {}
	if al.llmTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, al.llmTimeout)
	}
	defer cancel()

	return al.provider.Chat(callCtx, messages, toolDefs, al.model, options)
}

// updateToolContexts updates the context for tools that need channel/chatID info.
func (al *AgentLoop) updateToolContexts(channel, chatID string) {
	if tool, ok := al.tools.Get("message"); ok {
		if mt, ok := tool.(*tools.MessageTool); ok {
			mt.SetContext(channel, chatID)
		}
	}
	if tool, ok := al.tools.Get("spawn"); ok {
		if st, ok := tool.(*tools.SpawnTool); ok {
			st.SetContext(channel, chatID)
		}
	}
}

// maybeSummarize triggers summarization if the session history exceeds thresholds.
// When contextWindow is configured, compaction triggers at 75% token usage.
// Otherwise, falls back to a message count heuristic.
func (al *AgentLoop) maybeSummarize(sessionKey string) {
	newHistory := al.sessions.GetHistory(sessionKey)

	var shouldSummarize bool
	if al.contextWindow > 0 {
		tokenEstimate := al.estimateTokens(newHistory)
		threshold := al.contextWindow * 75 / 100
		shouldSummarize = tokenEstimate > threshold
	} else {
		shouldSummarize = len(newHistory) > 20
	}

	if shouldSummarize {
		if _, loading := al.summarizing.LoadOrStore(sessionKey, true); !loading {
			go func() {
				defer al.summarizing.Delete(sessionKey)
				al.summarizeSession(sessionKey)
			}()
		}
	}
}

// GetStartupInfo returns information about loaded tools and skills for logging.
func (al *AgentLoop) GetStartupInfo() map[string]interface{} {
	info := make(map[string]interface{})

	// Tools info
	tools := al.tools.List()
	info["tools"] = map[string]interface{}{
		"count": len(tools),
		"names": tools,
	}

	// Skills info
	info["skills"] = al.contextBuilder.GetSkillsInfo()

	return info
}

// formatMessagesForLog formats messages for logging
func formatMessagesForLog(messages []providers.Message) string {
	if len(messages) == 0 {
		return "[]"
	}

	var result string
	result += "[\n"
	for i, msg := range messages {
		result += fmt.Sprintf("  [%d] Role: %s\n", i, msg.Role)
		if msg.ToolCalls != nil && len(msg.ToolCalls) > 0 {
			result += "  ToolCalls:\n"
			for _, tc := range msg.ToolCalls {
				result += fmt.Sprintf("    - ID: %s, Type: %s, Name: %s\n", tc.ID, tc.Type, tc.Name)
				if tc.Function != nil {
					result += fmt.Sprintf("      Arguments: %s\n", utils.Truncate(tc.Function.Arguments, 200))
				}
			}
		}
		if msg.Content != "" {
			content := utils.Truncate(msg.Content, 200)
			result += fmt.Sprintf("  Content: %s\n", content)
		}
		if msg.ToolCallID != "" {
			result += fmt.Sprintf("  ToolCallID: %s\n", msg.ToolCallID)
		}
		result += "\n"
	}
	result += "]"
	return result
}

// formatToolsForLog formats tool definitions for logging
func formatToolsForLog(tools []providers.ToolDefinition) string {
	if len(tools) == 0 {
		return "[]"
	}

	var result string
	result += "[\n"
	for i, tool := range tools {
		result += fmt.Sprintf("  [%d] Type: %s, Name: %s\n", i, tool.Type, tool.Function.Name)
		result += fmt.Sprintf("      Description: %s\n", tool.Function.Description)
		if len(tool.Function.Parameters) > 0 {
			result += fmt.Sprintf("      Parameters: %s\n", utils.Truncate(fmt.Sprintf("%v", tool.Function.Parameters), 200))
		}
	}
	result += "]"
	return result
}

// summarizeSession summarizes the conversation history for a session.
func (al *AgentLoop) summarizeSession(sessionKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	history := al.sessions.GetHistory(sessionKey)
	summary := al.sessions.GetSummary(sessionKey)

	// Keep last 4 messages for continuity
	if len(history) <= 4 {
		return
	}

	toSummarize := history[:len(history)-4]

	// Oversized Message Guard
	// Skip messages larger than 50% of context window to prevent summarizer overflow
	maxMessageTokens := al.contextWindow / 2
	validMessages := make([]providers.Message, 0)
	omitted := false

	for _, m := range toSummarize {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		// Estimate tokens for this message
		msgTokens := len(m.Content) / 4
		if msgTokens > maxMessageTokens {
			omitted = true
			continue
		}
		validMessages = append(validMessages, m)
	}

	if len(validMessages) == 0 {
		return
	}

	// Multi-Part Summarization
	// Split into two parts if history is significant
	var finalSummary string
	if len(validMessages) > 10 {
		mid := len(validMessages) / 2
		part1 := validMessages[:mid]
		part2 := validMessages[mid:]

		s1, _ := al.summarizeBatch(ctx, part1, "")
		s2, _ := al.summarizeBatch(ctx, part2, "")

		// Merge them
		mergePrompt := fmt.Sprintf("Merge these two conversation summaries into one cohesive summary:\n\n1: %s\n\n2: %s", s1, s2)
		resp, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: mergePrompt}}, nil, al.model, map[string]interface{}{
			"max_tokens":  1024,
			"temperature": 0.3,
		})
		if err == nil {
			finalSummary = resp.Content
		} else {
			finalSummary = s1 + " " + s2
		}
	} else {
		finalSummary, _ = al.summarizeBatch(ctx, validMessages, summary)
	}

	if omitted && finalSummary != "" {
		finalSummary += "\n[Note: Some oversized messages were omitted from this summary for efficiency.]"
	}

	if finalSummary != "" {
		al.sessions.SetSummary(sessionKey, finalSummary)
		al.sessions.TruncateHistory(sessionKey, 4)
		al.sessions.Save(al.sessions.GetOrCreate(sessionKey))

		// Extract and store notable memories from the compacted messages
		al.extractAndStoreMemories(ctx, toSummarize)
	}
}

// summarizeBatch summarizes a batch of messages.
func (al *AgentLoop) summarizeBatch(ctx context.Context, batch []providers.Message, existingSummary string) (string, error) {
	prompt := "Provide a concise summary of this conversation segment, preserving core context and key points.\n"
	if existingSummary != "" {
		prompt += "Existing context: " + existingSummary + "\n"
	}
	prompt += "\nCONVERSATION:\n"
	for _, m := range batch {
		prompt += fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}

	response, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: prompt}}, nil, al.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		return "", err
	}
	return response.Content, nil
}

// estimateTokens estimates the number of tokens in a message list.
func (al *AgentLoop) estimateTokens(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4 // Simple heuristic: 4 chars per token
	}
	return total
}
