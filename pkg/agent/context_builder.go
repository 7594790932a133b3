// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/skills"
	"github.com/sipeed/picoclaw/pkg/tools"
)

// ContextBuilder assembles the message list sent to the LLM provider on
// every agent-loop iteration: system identity (which carries the tool
// summaries), bootstrap files, skills summary, current-session info,
// rolling conversation summary, then history and the current user message.
type ContextBuilder struct {
	workspace    string
	skillsLoader *skills.SkillsLoader
	tools        *tools.ToolRegistry
}

func getGlobalConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".picoclaw")
}

// NewContextBuilder creates a ContextBuilder rooted at workspace, with a
// skills loader that checks workspace/skills, ~/.picoclaw/skills, and
// ./skills (relative to the process's working directory) in that priority
// order.
func NewContextBuilder(workspace string) *ContextBuilder {
	wd, _ := os.Getwd()
	builtinSkillsDir := filepath.Join(wd, "skills")
	globalSkillsDir := filepath.Join(getGlobalConfigDir(), "skills")

	return &ContextBuilder{
		workspace:    workspace,
		skillsLoader: skills.NewSkillsLoader(workspace, globalSkillsDir, builtinSkillsDir),
	}
}

// SetToolsRegistry sets the tools registry used to render the tools
// section of the system prompt.
func (cb *ContextBuilder) SetToolsRegistry(registry *tools.ToolRegistry) {
	cb.tools = registry
}

func (cb *ContextBuilder) getIdentity() string {
	now := time.Now().Format("2006-01-02 15:04 (Monday)")
	workspacePath, _ := filepath.Abs(filepath.Join(cb.workspace))
	runtimeInfo := fmt.Sprintf("%s %s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())

	toolsSection := cb.buildToolsSection()

	return fmt.Sprintf(`# picoclaw

You are picoclaw, a personal AI assistant with its own persistent workspace,
memory, and tools.

## Current Time
%s

## Runtime
%s

## Workspace
Your workspace is at: %s
- Memory: %s/memory/MEMORY.md
- Skills: %s/skills/{skill-name}/SKILL.md

%s

## Important Rules

1. **Always use tools** — when you need to perform an action, call the
   appropriate tool. Do not claim to have done something you haven't.
2. **Be proactive** — if asked to set something up, carry out every step
   yourself rather than describing what should be done.
3. **Memory** — when something is worth remembering long-term, store it
   with the memory tools so it survives conversation compaction.
4. **Background work** — use the spawn tool for long multi-step or
   skill-based work instead of blocking the conversation.`,
		now, runtimeInfo, workspacePath, workspacePath, workspacePath, toolsSection)
}

func (cb *ContextBuilder) buildToolsSection() string {
	if cb.tools == nil {
		return ""
	}

	summaries := cb.tools.GetSummaries()
	if len(summaries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Available Tools\n\n")
	sb.WriteString("**CRITICAL**: You MUST use tools to perform actions. Do NOT pretend to execute commands.\n\n")
	sb.WriteString("You have access to the following tools:\n\n")
	for _, s := range summaries {
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	return sb.String()
}

// BuildSystemPrompt assembles the full system prompt: identity, bootstrap
// files, and skills summary, each section separated by a horizontal rule.
func (cb *ContextBuilder) BuildSystemPrompt() string {
	parts := []string{cb.getIdentity()}

	if bootstrap := cb.loadBootstrapFiles(); bootstrap != "" {
		parts = append(parts, bootstrap)
	}

	if skillsSummary := cb.skillsLoader.BuildSkillsSummary(); skillsSummary != "" {
		parts = append(parts, fmt.Sprintf(`# Skills

The following skills extend your capabilities. Each skill lists its available
actions below. Run scripts via the exec tool. For full details, read the
skill's SKILL.md file.

%s`, skillsSummary))
	}

	return strings.Join(parts, "\n\n---\n\n")
}

// loadBootstrapFiles concatenates any of a fixed set of workspace-root
// markdown files that exist, so operators can extend the system prompt
// without touching code.
func (cb *ContextBuilder) loadBootstrapFiles() string {
	bootstrapFiles := []string{"AGENTS.md", "SOUL.md", "USER.md", "IDENTITY.md"}

	var result string
	for _, filename := range bootstrapFiles {
		filePath := filepath.Join(cb.workspace, filename)
		if data, err := os.ReadFile(filePath); err == nil {
			result += fmt.Sprintf("## %s\n\n%s\n\n", filename, string(data))
		}
	}
	return result
}

// BuildMessages assembles the full message list for an LLM call: system
// prompt (with rolling summary appended), then history, then the current
// user message. media holds file paths attached to the current message,
// recorded in the prompt but not otherwise interpreted here.
func (cb *ContextBuilder) BuildMessages(history []providers.Message, summary string, currentMessage string, media []string, channel, chatID string) []providers.Message {
	messages := []providers.Message{}

	systemPrompt := cb.BuildSystemPrompt()

	if channel != "" && chatID != "" {
		systemPrompt += fmt.Sprintf("\n\n## Current Session\nChannel: %s\nChat ID: %s", channel, chatID)
	}

	if summary != "" {
		systemPrompt += "\n\n## Summary of Previous Conversation\n\n" + summary
	}

	logger.DebugCF("agent", "System prompt built",
		map[string]interface{}{
			"total_chars": len(systemPrompt),
			"total_lines": strings.Count(systemPrompt, "\n") + 1,
		})

	// A session can be truncated such that it starts mid tool-call
	// sequence; providers reject a leading "tool" message with no matching
	// assistant tool_call, so drop any orphaned leading tool messages.
	for len(history) > 0 && history[0].Role == "tool" {
		logger.DebugCF("agent", "Dropping orphaned leading tool message from history", nil)
		history = history[1:]
	}

	messages = append(messages, providers.Message{
		Role:    "system",
		Content: systemPrompt,
	})
	messages = append(messages, history...)

	userContent := currentMessage
	if len(media) > 0 {
		userContent += "\n\n[Attachments: " + strings.Join(media, ", ") + "]"
	}
	messages = append(messages, providers.Message{
		Role:    "user",
		Content: userContent,
	})

	return messages
}

// GetSkillsInfo returns a small summary of discovered skills, for
// diagnostic/startup logging.
func (cb *ContextBuilder) GetSkillsInfo() map[string]interface{} {
	all := cb.skillsLoader.ListSkills()
	names := make([]string, 0, len(all))
	for _, s := range all {
		names = append(names, s.Name)
	}
	return map[string]interface{}{
		"total": len(all),
		"names": names,
	}
}
