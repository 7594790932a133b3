// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

// Package config loads the runtime configuration tree from environment
// variables via caarlos0/env, with an optional JSON file overlay read
// before env binding so operators can keep a checked-in base config and
// override secrets through the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// AgentDefaults controls the agent loop's default tool-calling budget.
type AgentDefaults struct {
	Model                string `json:"model" env:"PICOCLAW_MODEL" envDefault:"openrouter/anthropic/claude-3.5-sonnet"`
	MaxTokens            int    `json:"max_tokens" env:"PICOCLAW_MAX_TOKENS" envDefault:"4096"`
	MaxToolIterations    int    `json:"max_tool_iterations" env:"PICOCLAW_MAX_TOOL_ITERATIONS" envDefault:"25"`
	LLMTimeoutSeconds    int    `json:"llm_timeout_seconds" env:"PICOCLAW_LLM_TIMEOUT_SECONDS" envDefault:"120"`
	ToolTimeoutSeconds   int    `json:"tool_timeout_seconds" env:"PICOCLAW_TOOL_TIMEOUT_SECONDS" envDefault:"60"`
	MaxParallelToolCalls int    `json:"max_parallel_tool_calls" env:"PICOCLAW_MAX_PARALLEL_TOOL_CALLS" envDefault:"4"`
}

// AgentsConfig groups agent-loop tuning knobs.
type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

// ProviderConfig is the common shape for an OpenAI-compatible backend.
type ProviderConfig struct {
	APIKey     string                 `json:"api_key" env:"API_KEY"`
	APIBase    string                 `json:"api_base" env:"API_BASE"`
	AuthMethod string                 `json:"auth_method" env:"AUTH_METHOD"`
	Routing    map[string]interface{} `json:"routing,omitempty"`
}

// ProvidersConfig lists every LLM backend CreateProvider knows how to route
// to, keyed by model-name pattern in pkg/providers.
type ProvidersConfig struct {
	OpenRouter ProviderConfig `json:"openrouter" envPrefix:"PICOCLAW_OPENROUTER_"`
	Anthropic  ProviderConfig `json:"anthropic" envPrefix:"PICOCLAW_ANTHROPIC_"`
	OpenAI     ProviderConfig `json:"openai" envPrefix:"PICOCLAW_OPENAI_"`
	Gemini     ProviderConfig `json:"gemini" envPrefix:"PICOCLAW_GEMINI_"`
	Zhipu      ProviderConfig `json:"zhipu" envPrefix:"PICOCLAW_ZHIPU_"`
	Groq       ProviderConfig `json:"groq" envPrefix:"PICOCLAW_GROQ_"`
	Modal      ProviderConfig `json:"modal" envPrefix:"PICOCLAW_MODAL_"`
	VLLM       ProviderConfig `json:"vllm" envPrefix:"PICOCLAW_VLLM_"`
}

// WebSearchConfig configures the web_search tool's backing API.
type WebSearchConfig struct {
	APIKey     string `json:"api_key" env:"PICOCLAW_WEB_SEARCH_API_KEY"`
	MaxResults int    `json:"max_results" env:"PICOCLAW_WEB_SEARCH_MAX_RESULTS" envDefault:"5"`
}

// WebToolsConfig groups tools that reach out to the public internet.
type WebToolsConfig struct {
	Search WebSearchConfig `json:"search"`
}

// ToolsConfig groups tool-wide configuration.
type ToolsConfig struct {
	Web            WebToolsConfig `json:"web"`
	ResultEviction EvictionConfig `json:"result_eviction"`
	Policy         PolicyConfig   `json:"policy"`
}

// PolicyConfig gates which registered tool names the top-level Tool
// Registry will execute, independent of whichever tools a sub-agent's
// registry chooses to register at all. Deny always wins over Allow; an
// empty Allow means "every non-denied tool".
type PolicyConfig struct {
	Enabled bool     `json:"enabled" env:"PICOCLAW_TOOL_POLICY_ENABLED" envDefault:"false"`
	Allow   []string `json:"allow" env:"PICOCLAW_TOOL_POLICY_ALLOW" envSeparator:","`
	Deny    []string `json:"deny" env:"PICOCLAW_TOOL_POLICY_DENY" envSeparator:","`
}

// EvictionConfig tunes when an oversized tool result gets spilled to a
// scratch file instead of staying inline in conversation history.
type EvictionConfig struct {
	ThresholdChars int `json:"threshold_chars" env:"PICOCLAW_EVICT_THRESHOLD_CHARS" envDefault:"8000"`
	PreviewChars   int `json:"preview_chars" env:"PICOCLAW_EVICT_PREVIEW_CHARS" envDefault:"1500"`
}

// DispatchConfig tunes the Session Queue's debounce window and the Memory
// Extractor's idle-before-extraction window.
type DispatchConfig struct {
	DebounceMs     int `json:"debounce_ms" env:"PICOCLAW_DEBOUNCE_MS" envDefault:"1500"`
	ExtractIdleMin int `json:"extract_idle_minutes" env:"PICOCLAW_EXTRACT_IDLE_MINUTES" envDefault:"5"`
}

// MemoryConfig governs the Memory Store's lifecycle: whether the extractor
// may run at all, and the age/size bounds past which stored memories get
// pruned or compacted. MaxAgeMs <= 0 disables age-based pruning;
// CompactionThreshold <= 0 disables size-based compaction.
type MemoryConfig struct {
	ExtractionEnabled   bool  `json:"extraction_enabled" env:"PICOCLAW_MEMORY_EXTRACTION_ENABLED" envDefault:"true"`
	MaxAgeMs            int64 `json:"max_age_ms" env:"PICOCLAW_MEMORY_MAX_AGE_MS" envDefault:"0"`
	CompactionThreshold int   `json:"compaction_threshold" env:"PICOCLAW_MEMORY_COMPACTION_THRESHOLD" envDefault:"0"`
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" env:"PICOCLAW_TELEGRAM_ENABLED"`
	Token     string   `json:"token" env:"PICOCLAW_TELEGRAM_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"PICOCLAW_TELEGRAM_ALLOW_FROM" envSeparator:","`
}

// WhatsAppConfig configures the WhatsApp bridge channel adapter.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled" env:"PICOCLAW_WHATSAPP_ENABLED"`
	BridgeURL string   `json:"bridge_url" env:"PICOCLAW_WHATSAPP_BRIDGE_URL"`
	AllowFrom []string `json:"allow_from" env:"PICOCLAW_WHATSAPP_ALLOW_FROM" envSeparator:","`
}

// DiscordConfig configures the Discord channel adapter.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled" env:"PICOCLAW_DISCORD_ENABLED"`
	Token     string   `json:"token" env:"PICOCLAW_DISCORD_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"PICOCLAW_DISCORD_ALLOW_FROM" envSeparator:","`
}

// SlackConfig configures the Slack channel adapter.
type SlackConfig struct {
	Enabled   bool     `json:"enabled" env:"PICOCLAW_SLACK_ENABLED"`
	BotToken  string   `json:"bot_token" env:"PICOCLAW_SLACK_BOT_TOKEN"`
	AppToken  string   `json:"app_token" env:"PICOCLAW_SLACK_APP_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"PICOCLAW_SLACK_ALLOW_FROM" envSeparator:","`
}

// LarkConfig configures the Lark/Feishu channel adapter.
type LarkConfig struct {
	Enabled      bool     `json:"enabled" env:"PICOCLAW_LARK_ENABLED"`
	AppID        string   `json:"app_id" env:"PICOCLAW_LARK_APP_ID"`
	AppSecret    string   `json:"app_secret" env:"PICOCLAW_LARK_APP_SECRET"`
	AllowFrom    []string `json:"allow_from" env:"PICOCLAW_LARK_ALLOW_FROM" envSeparator:","`
}

// DingTalkConfig configures the DingTalk stream-mode channel adapter.
type DingTalkConfig struct {
	Enabled      bool     `json:"enabled" env:"PICOCLAW_DINGTALK_ENABLED"`
	ClientID     string   `json:"client_id" env:"PICOCLAW_DINGTALK_CLIENT_ID"`
	ClientSecret string   `json:"client_secret" env:"PICOCLAW_DINGTALK_CLIENT_SECRET"`
	AllowFrom    []string `json:"allow_from" env:"PICOCLAW_DINGTALK_ALLOW_FROM" envSeparator:","`
}

// QQConfig configures the QQ guild bot channel adapter.
type QQConfig struct {
	Enabled   bool     `json:"enabled" env:"PICOCLAW_QQ_ENABLED"`
	AppID     string   `json:"app_id" env:"PICOCLAW_QQ_APP_ID"`
	Token     string   `json:"token" env:"PICOCLAW_QQ_TOKEN"`
	AllowFrom []string `json:"allow_from" env:"PICOCLAW_QQ_ALLOW_FROM" envSeparator:","`
}

// ChannelsConfig groups every channel adapter's settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
	Lark     LarkConfig     `json:"lark"`
	DingTalk DingTalkConfig `json:"dingtalk"`
	QQ       QQConfig       `json:"qq"`
}

// CronConfig configures the cron/scheduler service.
type CronConfig struct {
	Enabled  bool   `json:"enabled" env:"PICOCLAW_CRON_ENABLED" envDefault:"true"`
	TimeZone string `json:"timezone" env:"PICOCLAW_CRON_TZ" envDefault:"UTC"`
}

// HeartbeatConfig configures the idle heartbeat service.
type HeartbeatConfig struct {
	Enabled         bool `json:"enabled" env:"PICOCLAW_HEARTBEAT_ENABLED"`
	IntervalMinutes int  `json:"interval_minutes" env:"PICOCLAW_HEARTBEAT_INTERVAL_MINUTES" envDefault:"60"`
	Immediate       bool `json:"immediate" env:"PICOCLAW_HEARTBEAT_IMMEDIATE"`
}

// Config is the full runtime configuration tree.
type Config struct {
	Workspace string          `json:"workspace" env:"PICOCLAW_WORKSPACE"`
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Tools     ToolsConfig     `json:"tools"`
	Channels  ChannelsConfig  `json:"channels"`
	Cron      CronConfig      `json:"cron"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Memory    MemoryConfig    `json:"memory"`
}

// DefaultConfig returns a Config populated with every envDefault tag applied
// and no provider credentials set.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		// envDefault-only parsing against a zero-value struct cannot fail for
		// the field set above; a failure here means a tag was malformed.
		panic(fmt.Sprintf("config: invalid default tags: %v", err))
	}
	return cfg
}

// Load builds a Config by first applying an optional JSON overlay file (if
// path is non-empty and exists) and then environment variables, which take
// precedence over the file so secrets never need to touch disk.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, jsonErr)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}

	return cfg, nil
}

// WorkspacePath returns the directory the agent loop, memory store, and
// session manager should read/write under, defaulting to ~/.picoclaw if
// unset.
func (c *Config) WorkspacePath() string {
	if c.Workspace != "" {
		return c.Workspace
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".picoclaw"
	}
	return filepath.Join(home, ".picoclaw")
}
