package agent

import (
	"context"
	"fmt"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/tools"
)

// executeToolsConcurrently drives a batch of tool calls through the Tool
// Registry's bounded-parallelism executor, adds per-tool progress pings to
// the bus, and evicts any oversized result before it re-enters history. A
// toolProgressNotifier provides periodic "still working" pings as a
// fallback for very long tools.
func (al *AgentLoop) executeToolsConcurrently(
	ctx context.Context,
	toolCalls []providers.ToolCall,
	iteration int,
	opts processOptions,
) []providers.Message {
	n := len(toolCalls)
	sendProgress := opts.Channel != "system"

	var notifier *toolProgressNotifier
	if al.statusDelay > 0 && sendProgress && n > 0 {
		notifier = newToolProgressNotifier(al.bus, opts.Channel, opts.ChatID, al.statusDelay)
		notifier.start(fmt.Sprintf("%d tools", n))
	}

	results := al.tools.ExecuteToolCalls(ctx, toolCalls, tools.ExecuteToolCallsOptions{
		Channel:      opts.Channel,
		ChatID:       opts.ChatID,
		Timeout:      al.toolTimeout,
		MaxParallel:  al.maxParallelTools,
		LogComponent: "agent",
		Iteration:    iteration,
		OnToolComplete: func(completed, total, idx int, call providers.ToolCall, result providers.Message) {
			if !sendProgress || total <= 1 {
				return
			}
			al.bus.PublishOutbound(bus.OutboundMessage{
				Channel: opts.Channel,
				ChatID:  opts.ChatID,
				Content: fmt.Sprintf("%s done (%d/%d)", call.Name, completed, total),
			})
			if notifier != nil && completed < total {
				notifier.reset(fmt.Sprintf("%d/%d tools", completed, total))
			}
		},
	})

	if notifier != nil {
		notifier.stop()
	}

	if al.evictor != nil {
		for i := range results {
			results[i].Content = al.evictor.Process(results[i].Content)
		}
	}

	return results
}
