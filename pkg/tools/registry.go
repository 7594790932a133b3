package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/sipeed/picoclaw/pkg/providers"
)

// Tool is a single callable capability exposed to the agent loop and to
// sub-agents.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolRegistry owns the set of tools available to an agent loop (or a
// restricted subset handed to a sub-agent), plus an optional execution
// policy gating which of them may actually run.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	policy ToolExecutionPolicy
}

// NewToolRegistry creates an empty registry with no execution policy.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds or replaces a tool by name.
func (r *ToolRegistry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name, if any.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool's name, sorted for deterministic
// output.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetExecutionPolicy installs the allow/deny policy checked before every
// Execute call.
func (r *ToolRegistry) SetExecutionPolicy(policy ToolExecutionPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = policy
}

// Execute runs the named tool with args, enforcing the current execution
// policy first.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	policy := r.policy
	r.mu.RUnlock()

	if err := policy.check(name); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	if err := validateArgs(t.Parameters(), args); err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return t.Execute(ctx, args)
}

// ExecuteWithContext runs the named tool, injecting channel/chatID into args
// so tools that need to address a specific conversation (message, spawn,
// subagent_report) can read it via getExecutionContext even when not
// explicitly passed by the model.
func (r *ToolRegistry) ExecuteWithContext(ctx context.Context, name string, args map[string]interface{}, channel, chatID string) (string, error) {
	traceID := TraceIDFromContext(ctx)
	return r.Execute(ctx, name, withExecutionContext(args, channel, chatID, traceID))
}

// GetProviderDefinitions translates every registered tool into the
// OpenAI-compatible tool-list shape sent to LLM providers.
func (r *ToolRegistry) GetProviderDefinitions() []providers.ToolDefinition {
	return r.GetDefinitions()
}

// GetDefinitions translates every registered tool into the
// OpenAI-compatible tool-list shape.
func (r *ToolRegistry) GetDefinitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// GetSummaries returns a short "name: description" line per registered
// tool, sorted by name, for embedding into system prompts.
func (r *ToolRegistry) GetSummaries() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	summaries := make([]string, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		summaries = append(summaries, fmt.Sprintf("%s: %s", t.Name(), t.Description()))
	}
	return summaries
}
