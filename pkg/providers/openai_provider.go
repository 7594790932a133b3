// PicoClaw - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 PicoClaw contributors

package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/sipeed/picoclaw/pkg/auth"
)

// CodexProvider talks to OpenAI's native API via the openai-go client, used
// when a ChatGPT/Codex subscription (OAuth) credential is configured
// instead of a bare API key.
type CodexProvider struct {
	client    openai.Client
	accountID string
}

// NewCodexProviderWithTokenSource builds a CodexProvider authenticating via
// OAuth Bearer token. tokenSource is consulted on every call so a refreshed
// token is always used; accountID is sent as the ChatGPT account header
// Codex-compatible backends expect.
func NewCodexProviderWithTokenSource(token, accountID string, tokenSource func() (string, error)) *CodexProvider {
	client := openai.NewClient(
		option.WithBaseURL("https://chatgpt.com/backend-api/codex"),
		option.WithMiddleware(codexBearerMiddleware(tokenSource, accountID)),
	)
	return &CodexProvider{client: client, accountID: accountID}
}

func codexBearerMiddleware(tokenSource func() (string, error), accountID string) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		token, err := tokenSource()
		if err != nil {
			return nil, fmt.Errorf("refreshing OAuth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if accountID != "" {
			req.Header.Set("ChatGPT-Account-Id", accountID)
		}
		return next(req)
	}
}

func (p *CodexProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: translateMessagesForOpenAI(messages),
	}

	if mt, ok := options["max_tokens"].(int); ok && mt > 0 {
		params.MaxTokens = openai.Int(int64(mt))
	}
	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = openai.Float(temp)
	}
	if len(tools) > 0 {
		params.Tools = translateToolsForOpenAI(tools)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("codex API call: %w", err)
	}

	return parseOpenAIResponse(resp), nil
}

func (p *CodexProvider) GetDefaultModel() string {
	return "gpt-5-codex"
}

func translateMessagesForOpenAI(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) > 0 {
				msg := openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: openai.String(m.Content),
					},
				}
				for _, tc := range m.ToolCalls {
					name := tc.Name
					args := ""
					if tc.Function != nil {
						if name == "" {
							name = tc.Function.Name
						}
						args = tc.Function.Arguments
					}
					if args == "" && tc.Arguments != nil {
						if b, err := json.Marshal(tc.Arguments); err == nil {
							args = string(b)
						}
					}
					msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      name,
							Arguments: args,
						},
					})
				}
				out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
			} else {
				out = append(out, openai.AssistantMessage(m.Content))
			}
		case "tool":
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func translateToolsForOpenAI(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Function.Name,
				Description: openai.String(t.Function.Description),
				Parameters:  shared.FunctionParameters(t.Function.Parameters),
			},
		})
	}
	return out
}

func parseOpenAIResponse(resp *openai.ChatCompletion) *LLMResponse {
	if resp == nil || len(resp.Choices) == 0 {
		return &LLMResponse{FinishReason: "stop"}
	}

	choice := resp.Choices[0]
	toolCalls := make([]ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args["raw"] = tc.Function.Arguments
			}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:   tc.ID,
			Type: "function",
			Name: tc.Function.Name,
			Function: &FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
			Arguments: args,
		})
	}

	var usage *UsageInfo
	if resp.Usage.TotalTokens > 0 {
		usage = &UsageInfo{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		}
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: string(choice.FinishReason),
		Usage:        usage,
	}
}

// createCodexTokenSource returns a function that always hands back a
// current Codex/ChatGPT access token, refreshing through golang.org/x/oauth2
// when the stored token has expired.
func createCodexTokenSource() func() (string, error) {
	return func() (string, error) {
		cred, err := auth.GetCredential("openai")
		if err != nil {
			return "", fmt.Errorf("loading auth credentials: %w", err)
		}
		if cred == nil {
			return "", fmt.Errorf("no credentials for openai in the auth credential store")
		}
		tok, err := auth.TokenSource(cred, auth.OpenAIOAuthEndpoint, auth.OpenAIClientID).Token()
		if err != nil {
			return "", err
		}
		return tok.AccessToken, nil
	}
}
