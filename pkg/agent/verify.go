// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// toolActivity is the record of a turn's tool calls and their results,
// built up across every iteration of runLLMIteration so the hallucination
// guard can cross-check claims against what actually ran.
type toolActivity struct {
	calls   []providers.ToolCall
	results map[string]string // toolCallID -> result content
}

func (a *toolActivity) record(calls []providers.ToolCall, results []providers.Message) {
	a.calls = append(a.calls, calls...)
	if a.results == nil {
		a.results = make(map[string]string)
	}
	for _, r := range results {
		a.results[r.ToolCallID] = r.Content
	}
}

// succeededKind reports whether any recorded tool call of the given kind
// (matched against tool name) produced a result that doesn't look like an
// error.
func (a *toolActivity) succeededKind(nameMatch func(name string) bool) bool {
	for _, c := range a.calls {
		if !nameMatch(c.Name) {
			continue
		}
		result, ok := a.results[c.ID]
		if !ok {
			continue
		}
		if !looksLikeToolError(result) {
			return true
		}
	}
	return false
}

func looksLikeToolError(result string) bool {
	return strings.HasPrefix(result, "Error:") || strings.HasPrefix(result, "Error ")
}

var (
	actionVerbPattern  = regexp.MustCompile(`(?i)\b(wrote|updated|edited|installed|scheduled|deleted|created|sent|ran|executed)\b`)
	writeClaimPattern  = regexp.MustCompile(`(?i)\b(wrote|updated|edited|saved|created)\b[^.]{0,80}\bfile\b`)
	execClaimPattern   = regexp.MustCompile(`(?i)\b(ran|executed|installed)\b`)
	scheduleClaimRegex = regexp.MustCompile(`(?i)\bscheduled\b`)
)

func isWriteTool(name string) bool {
	switch name {
	case "write_file", "edit_file":
		return true
	default:
		return false
	}
}

func isExecTool(name string) bool {
	return name == "exec"
}

func isCronTool(name string) bool {
	return name == "cron"
}

func isWebSearchTool(name string) bool {
	return name == "web_search" || name == "web_fetch"
}

// needsFullVerification is the cheap structural gate: it flags a response
// for the expensive full verification pass without calling the LLM again.
func needsFullVerification(text string, activity *toolActivity) bool {
	if actionVerbPattern.MatchString(text) {
		if writeClaimPattern.MatchString(text) && !activity.succeededKind(isWriteTool) {
			return true
		}
		if execClaimPattern.MatchString(text) && !activity.succeededKind(isExecTool) {
			return true
		}
		if scheduleClaimRegex.MatchString(text) && !activity.succeededKind(isCronTool) {
			return true
		}
	}
	if len(text) >= 50 && !activity.succeededKind(isWebSearchTool) {
		return true
	}
	return false
}

// unverifiedClaims cross-checks structural claims against observed tool
// activity and returns a human-readable list of claims it could not
// substantiate. An empty result means every claim it recognized checked out
// (which does not by itself mean the response is fully verified — the LLM
// self-check in verifyResponse covers the rest).
func unverifiedClaims(text string, activity *toolActivity) []string {
	var claims []string
	if writeClaimPattern.MatchString(text) && !activity.succeededKind(isWriteTool) {
		claims = append(claims, "a file write/edit with no corresponding successful write_file/edit_file call")
	}
	if execClaimPattern.MatchString(text) && !activity.succeededKind(isExecTool) {
		claims = append(claims, "command execution with no corresponding successful exec call")
	}
	if scheduleClaimRegex.MatchString(text) && !activity.succeededKind(isCronTool) {
		claims = append(claims, "a scheduled job with no corresponding successful cron call")
	}
	return claims
}

// verifyResponse implements the Chain-of-Verification hallucination guard.
// It returns the text that should be delivered to the user: either the
// original text (nothing flagged, or the LLM found no unverified factual
// claims, or verification itself failed) or a corrected replacement.
// Failures anywhere in this pass are swallowed — the original text is
// always a safe fallback.
func (al *AgentLoop) verifyResponse(ctx context.Context, text string, activity *toolActivity) (result string) {
	defer func() {
		if r := recover(); r != nil {
			logger.WarnCF("agent", "Chain-of-verification panicked, keeping original text", map[string]interface{}{"panic": fmt.Sprintf("%v", r)})
			result = text
		}
	}()

	if !needsFullVerification(text, activity) {
		return text
	}

	structural := unverifiedClaims(text, activity)

	selfCheckPrompt := buildSelfCheckPrompt(text, activity, structural)
	resp, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: selfCheckPrompt}}, nil, al.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0,
	})
	if err != nil {
		logger.WarnCF("agent", "Chain-of-verification self-check call failed, keeping original text", map[string]interface{}{"error": err.Error()})
		return text
	}

	verdict := strings.TrimSpace(resp.Content)
	if strings.HasPrefix(strings.ToUpper(verdict), "VERIFIED") && len(structural) == 0 {
		return text
	}

	correctionPrompt := fmt.Sprintf(
		"Your previous response may contain claims about actions you did not actually perform, based on this review:\n%s\n\nOriginal response:\n%s\n\nRewrite the response so it only states what the tool activity actually supports. Keep it concise and in the same voice.",
		verdict, text,
	)
	corrected, err := al.provider.Chat(ctx, []providers.Message{{Role: "user", Content: correctionPrompt}}, nil, al.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.2,
	})
	if err != nil || strings.TrimSpace(corrected.Content) == "" {
		logger.WarnCF("agent", "Chain-of-verification correction call failed, keeping original text", nil)
		return text
	}

	return corrected.Content
}

func buildSelfCheckPrompt(text string, activity *toolActivity, structural []string) string {
	var b strings.Builder
	b.WriteString("Review the following assistant response for factual claims about real-world actions (files changed, commands run, jobs scheduled, messages sent) that are not supported by the tool calls actually made.\n\n")
	b.WriteString("Response:\n")
	b.WriteString(text)
	b.WriteString("\n\nTool calls made this turn: ")
	if len(activity.calls) == 0 {
		b.WriteString("none")
	} else {
		names := make([]string, len(activity.calls))
		for i, c := range activity.calls {
			names[i] = c.Name
		}
		b.WriteString(strings.Join(names, ", "))
	}
	if len(structural) > 0 {
		b.WriteString("\n\nStructural checks already flagged: ")
		b.WriteString(strings.Join(structural, "; "))
	}
	b.WriteString("\n\nIf every claim is supported, reply with exactly: VERIFIED. Otherwise, describe which claims are unverified.")
	return b.String()
}
