package tools

import "context"

// Tool execution has no first-class "who is this running for" parameter:
// Execute(ctx, args) only carries whatever the LLM supplied as arguments.
// Tools that need to address a specific conversation (message, cron,
// spawn) or correlate their output with the turn that triggered them
// (subagent_report) read that routing/correlation data back out of args,
// stashed there by ExecuteWithContext under keys the model never sees or
// sets itself.

const (
	execContextChannelKey = "__context_channel"
	execContextChatIDKey  = "__context_chat_id"
	execContextTraceIDKey = "__context_trace_id"
)

// withExecutionContext returns a copy of args with the calling turn's
// channel, chat ID, and trace ID stashed under reserved keys, so a tool's
// own Execute can recover them via getExecutionContext/getExecutionTraceID
// even when the model didn't pass them explicitly.
func withExecutionContext(args map[string]interface{}, channel, chatID, traceID string) map[string]interface{} {
	copyArgs := make(map[string]interface{}, len(args)+3)
	for k, v := range args {
		copyArgs[k] = v
	}

	if channel != "" {
		copyArgs[execContextChannelKey] = channel
	}
	if chatID != "" {
		copyArgs[execContextChatIDKey] = chatID
	}
	if traceID != "" {
		copyArgs[execContextTraceIDKey] = traceID
	}

	return copyArgs
}

// getExecutionContext recovers the channel/chatID stashed by
// withExecutionContext, used as a fallback by tools that address a
// conversation but weren't given explicit channel/chat_id arguments.
func getExecutionContext(args map[string]interface{}) (string, string) {
	channel, _ := args[execContextChannelKey].(string)
	chatID, _ := args[execContextChatIDKey].(string)
	return channel, chatID
}

// getExecutionTraceID recovers the trace ID stashed by withExecutionContext,
// used by tools that need to tag their own output (e.g. a sub-agent's
// progress reports) with the dispatch turn that spawned them.
func getExecutionTraceID(args map[string]interface{}) string {
	traceID, _ := args[execContextTraceIDKey].(string)
	return traceID
}

type traceContextKey struct{}

// WithTraceID attaches a dispatch-turn correlation ID to ctx, read back
// out by TraceIDFromContext at the point a tool call is dispatched.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceContextKey{}, traceID)
}

// TraceIDFromContext extracts the correlation ID attached by WithTraceID,
// or "" if none was attached.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(traceContextKey{}).(string)
	return v
}
