package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/providers"
)

// parsedMemory is a single memory extracted from LLM output.
type parsedMemory struct {
	Category string
	Content  string
}

// memoryLineRe matches lines like "MEMORY(category): content"
var memoryLineRe = regexp.MustCompile(`^MEMORY\((\w+)\):\s*(.+)$`)

// parseMemoryLines extracts structured memories from LLM output.
// Expected format: one MEMORY(category): content per line.
// Non-matching lines (commentary, blank, "NONE") are ignored.
func parseMemoryLines(text string) []parsedMemory {
	var result []parsedMemory
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		m := memoryLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		category := strings.ToLower(m[1])
		content := strings.TrimSpace(m[2])
		if content == "" {
			continue
		}
		result = append(result, parsedMemory{Category: category, Content: content})
	}
	return result
}

const memoryExtractionPrompt = `Review this conversation and extract any notable information worth remembering long-term. Focus on:
- User preferences (likes, dislikes, settings)
- Personal facts (name, location, occupation, relationships)
- Important events or decisions
- Project-specific knowledge

Output each memory on its own line using this exact format:
MEMORY(category): content

Categories: preference, fact, event, note

If there is nothing worth remembering, output only: NONE

CONVERSATION:
%s`

// ExtractMemoriesForSession runs one on-demand distillation pass over a
// session's recent history. It is the AgentLoop-side half of the memory
// extractor: the composition root wires this as a memory.ExtractFunc so
// idle debounce and correction-signal triggers reuse the same extraction
// path summarization already relies on.
func (al *AgentLoop) ExtractMemoriesForSession(ctx context.Context, sessionKey string) error {
	if al.memoryStore == nil {
		return nil
	}
	history := al.sessions.GetHistory(sessionKey)
	if len(history) == 0 {
		return nil
	}
	recent := history
	if len(recent) > 20 {
		recent = recent[len(recent)-20:]
	}
	al.extractAndStoreMemories(ctx, recent)
	return nil
}

// extractAndStoreMemories asks the LLM to extract notable memories from
// a set of messages and stores them in the memory DB. This is called
// during session summarization so that important information survives
// history compaction.
func (al *AgentLoop) extractAndStoreMemories(ctx context.Context, messages []providers.Message) {
	if al.memoryStore == nil {
		return
	}

	// Build conversation text from messages
	var sb strings.Builder
	for _, m := range messages {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", m.Role, m.Content))
	}
	conversation := sb.String()
	if strings.TrimSpace(conversation) == "" {
		return
	}

	extractCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	prompt := fmt.Sprintf(memoryExtractionPrompt, conversation)
	response, err := al.provider.Chat(extractCtx, []providers.Message{
		{Role: "user", Content: prompt},
	}, nil, al.model, map[string]interface{}{
		"max_tokens":  1024,
		"temperature": 0.3,
	})
	if err != nil {
		logger.WarnCF("agent", "Memory extraction failed",
			map[string]interface{}{"error": err.Error()})
		return
	}

	memories := parseMemoryLines(response.Content)
	if len(memories) == 0 {
		logger.DebugCF("agent", "No memories extracted from conversation", nil)
		return
	}

	stored := 0
	for _, mem := range memories {
		_, err := al.memoryStore.Store(mem.Content, mem.Category, "summarization", nil)
		if err != nil {
			logger.WarnCF("agent", "Failed to store extracted memory",
				map[string]interface{}{
					"category": mem.Category,
					"error":    err.Error(),
				})
			continue
		}
		stored++
	}

	logger.InfoCF("agent", "Memories extracted during summarization",
		map[string]interface{}{
			"extracted": len(memories),
			"stored":    stored,
		})

	al.maintainMemoryStore()
}

// maintainMemoryStore prunes/compacts the memory store against the
// configured bounds. Run after every extraction rather than on a separate
// timer, since that's the only point new rows are added and the cheapest
// place to check whether the store has grown past either bound.
func (al *AgentLoop) maintainMemoryStore() {
	if al.memoryStore == nil {
		return
	}
	if al.memoryMaxAge <= 0 && al.memoryCompactAt <= 0 {
		return
	}

	result, err := al.memoryStore.Maintain(al.memoryMaxAge, al.memoryCompactAt)
	if err != nil {
		logger.WarnCF("agent", "Memory maintenance failed", map[string]interface{}{"error": err.Error()})
		return
	}
	if result.PrunedByAge > 0 || result.Compacted > 0 {
		logger.InfoCF("agent", "Memory store maintained", map[string]interface{}{
			"pruned_by_age": result.PrunedByAge,
			"compacted":     result.Compacted,
		})
	}
}
