package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

// ErrMaxTurns is returned when the model keeps calling tools past the turn limit.
var ErrMaxTurns = errors.New("max turns reached")

// defaultMaxTurns caps API calls per invocation.
const defaultMaxTurns = 50

// maxResponseTokens is the per-call output limit.
const maxResponseTokens = 8192

// systemPrompt frames every invocation.
const systemPrompt = `You are an autonomous coding agent working on one task in a git repository.
Use the tools to inspect and change files in the working directory. Run the
project's tests before finishing. Reply without tool calls when the task is done,
summarizing what you changed.`

// StreamEvent is one step of an agent loop, surfaced as harness output.
type StreamEvent struct {
	Type    string // "text", "tool_use", "tool_result", "done", "error"
	Content string
	Tool    string
	Input   json.RawMessage
}

// LoopResult contains the results of an agent loop execution.
type LoopResult struct {
	Output    string
	ToolCalls int
	Turns     int
	Mutated   bool
}

// AgentLoop manages the API call and tool execution cycle.
type AgentLoop struct {
	messages messagesAPI
	model    anthropic.Model
	executor *ToolExecutor
	tracker  *TokenTracker
	onEvent  func(StreamEvent)
	maxTurns int
}

// AgentLoopConfig contains configuration for the agent loop.
type AgentLoopConfig struct {
	Client   *Client
	Model    string
	Executor *ToolExecutor
	Tracker  *TokenTracker
	OnEvent  func(StreamEvent)
	MaxTurns int // 0 = defaultMaxTurns
}

// NewAgentLoop creates a new agent loop with the given configuration.
func NewAgentLoop(cfg AgentLoopConfig) *AgentLoop {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = NewTokenTracker(cfg.Model)
	}
	return &AgentLoop{
		messages: cfg.Client.messages,
		model:    cfg.Client.Model(cfg.Model),
		executor: cfg.Executor,
		tracker:  tracker,
		onEvent:  cfg.OnEvent,
		maxTurns: maxTurns,
	}
}

func (l *AgentLoop) emit(event StreamEvent) {
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

// Run drives the conversation until the model ends its turn without tool
// calls, ctx is cancelled, or the turn limit is hit.
func (l *AgentLoop) Run(ctx context.Context, prompt string) (*LoopResult, error) {
	result := &LoopResult{}
	messages := []anthropic.MessageParam{
		anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
	}

	for result.Turns < l.maxTurns {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Turns++

		resp, err := l.messages.New(ctx, anthropic.MessageNewParams{
			Model:     l.model,
			MaxTokens: maxResponseTokens,
			System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
			Messages:  messages,
			Tools:     ToolDefinitions(),
		})
		if err != nil {
			l.emit(StreamEvent{Type: "error", Content: err.Error()})
			return result, fmt.Errorf("API call failed: %w", err)
		}
		l.tracker.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

		var assistantBlocks []anthropic.ContentBlockParamUnion
		var toolResultBlocks []anthropic.ContentBlockParamUnion
		var text strings.Builder

		for _, block := range resp.Content {
			switch variant := block.AsAny().(type) {
			case anthropic.TextBlock:
				text.WriteString(variant.Text)
				l.emit(StreamEvent{Type: "text", Content: variant.Text})
				assistantBlocks = append(assistantBlocks, anthropic.NewTextBlock(variant.Text))

			case anthropic.ToolUseBlock:
				result.ToolCalls++
				l.emit(StreamEvent{Type: "tool_use", Tool: variant.Name, Input: variant.Input})
				assistantBlocks = append(assistantBlocks,
					anthropic.NewToolUseBlock(variant.ID, variant.Input, variant.Name))

				toolResult := l.executor.Execute(ctx, variant.Name, variant.Input)
				result.Mutated = result.Mutated || toolResult.Mutated
				l.emit(StreamEvent{Type: "tool_result", Tool: variant.Name, Content: truncateForDisplay(toolResult.Content)})
				toolResultBlocks = append(toolResultBlocks,
					anthropic.NewToolResultBlock(variant.ID, toolResult.Content, toolResult.IsError))
			}
		}

		if len(toolResultBlocks) == 0 || resp.StopReason == anthropic.StopReasonEndTurn {
			result.Output = text.String()
			l.emit(StreamEvent{Type: "done"})
			return result, nil
		}

		messages = append(messages, anthropic.NewAssistantMessage(assistantBlocks...))
		messages = append(messages, anthropic.NewUserMessage(toolResultBlocks...))
	}

	return result, fmt.Errorf("%w (%d)", ErrMaxTurns, l.maxTurns)
}

func truncateForDisplay(s string) string {
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
