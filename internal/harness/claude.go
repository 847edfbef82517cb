package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/lavallee/cub/pkg/models"
)

// ClaudeBackend drives the claude CLI in stream-json mode.
type ClaudeBackend struct {
	// Binary defaults to "claude".
	Binary string
	// AllowedTools is passed to --allowedTools.
	AllowedTools string
	// ExtraArgs are inserted before the prompt.
	ExtraArgs []string
}

// NewClaudeBackend returns a backend with the default binary and tool set.
func NewClaudeBackend() *ClaudeBackend {
	return &ClaudeBackend{
		Binary:       "claude",
		AllowedTools: "Read,Write,Edit,Bash,Glob,Grep,WebFetch",
	}
}

// Name implements Backend.
func (b *ClaudeBackend) Name() string { return "claude" }

// Available implements Backend.
func (b *ClaudeBackend) Available() bool {
	_, err := exec.LookPath(b.binary())
	return err == nil
}

func (b *ClaudeBackend) binary() string {
	if b.Binary == "" {
		return "claude"
	}
	return b.Binary
}

// Args returns the command line for a prompt. The prompt is passed last.
func (b *ClaudeBackend) Args(prompt, model string) []string {
	args := []string{
		"--output-format", "stream-json",
		"--print",
		"--verbose",
	}
	if b.AllowedTools != "" {
		args = append(args, "--allowedTools", b.AllowedTools)
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, b.ExtraArgs...)
	return append(args, "-p", prompt)
}

// Start implements Backend.
func (b *ClaudeBackend) Start(ctx context.Context, prompt string, opts StartOptions) (Handle, error) {
	cmd := exec.Command(b.binary(), b.Args(prompt, opts.Model)...)
	return startProcess(ctx, cmd, "", newClaudeParser(opts.Model), opts)
}

// claudeParser reads claude's stream-json events.
type claudeParser struct {
	model string
	// per-message usage; assistant events repeat the same message id for
	// every content block.
	usage       map[string]int64
	final       *claudeResult
	finalTokens int64
}

type claudeResult struct {
	Subtype string  `json:"subtype"`
	IsError bool    `json:"is_error"`
	Result  string  `json:"result"`
	CostUSD float64 `json:"total_cost_usd"`
	Usage   struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

func newClaudeParser(model string) *claudeParser {
	return &claudeParser{model: model, usage: make(map[string]int64)}
}

type claudeEvent struct {
	Type    string          `json:"type"`
	Subtype string          `json:"subtype"`
	Message json.RawMessage `json:"message"`
	Error   string          `json:"error"`
}

type claudeMessage struct {
	ID      string `json:"id"`
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// ParseLine implements outputParser.
func (p *claudeParser) ParseLine(line []byte) string {
	var ev claudeEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		// Non-JSON output is passed through as-is.
		return string(line)
	}

	switch ev.Type {
	case "assistant":
		var msg claudeMessage
		if err := json.Unmarshal(ev.Message, &msg); err != nil {
			return ""
		}
		if msg.ID != "" {
			p.usage[msg.ID] = msg.Usage.InputTokens + msg.Usage.OutputTokens
		}
		var parts []string
		for _, block := range msg.Content {
			switch block.Type {
			case "text":
				if t := strings.TrimSpace(block.Text); t != "" {
					parts = append(parts, t)
				}
			case "tool_use":
				parts = append(parts, formatToolAction(block.Name, block.Input))
			}
		}
		return strings.Join(parts, "\n")
	case "result":
		var res claudeResult
		if err := json.Unmarshal(line, &res); err != nil {
			return ""
		}
		p.final = &res
		p.finalTokens = res.Usage.InputTokens + res.Usage.OutputTokens + res.Usage.CacheCreationTokens
		return ""
	case "error":
		return "error: " + ev.Error
	default:
		return ""
	}
}

// Usage implements outputParser.
func (p *claudeParser) Usage() (int64, float64) {
	if p.final != nil {
		cost := p.final.CostUSD
		if cost == 0 {
			cost = EstimateCost(p.model, p.final.Usage.InputTokens, p.final.Usage.OutputTokens)
		}
		return p.finalTokens, cost
	}
	var total int64
	for _, n := range p.usage {
		total += n
	}
	return total, EstimateCost(p.model, total, 0)
}

// Outcome implements outputParser. A result event with subtype success and
// no error flag is claude's completion signal.
func (p *claudeParser) Outcome(exitErr error, stderr string) (models.Outcome, string, string) {
	if p.final != nil {
		summary := truncate(strings.TrimSpace(p.final.Result), 500)
		if p.final.Subtype == "success" && !p.final.IsError {
			return models.OutcomeSuccess, summary, ""
		}
		if summary == "" {
			summary = "claude reported " + p.final.Subtype
		}
		return models.OutcomeFailure, summary, models.ReasonHarnessError
	}
	if exitErr != nil {
		return models.OutcomeFailure, fmt.Sprintf("claude exited: %v: %s", exitErr, lastLines(stderr, 5)), models.ReasonHarnessError
	}
	return models.OutcomeFailure, "claude exited without a result event", models.ReasonHarnessError
}

// formatToolAction formats a tool_use block into a human-readable string.
func formatToolAction(name string, input map[string]any) string {
	str := func(key string) string {
		v, _ := input[key].(string)
		return v
	}
	switch name {
	case "Read":
		return "Reading " + shortPath(str("file_path"))
	case "Edit":
		return "Editing " + shortPath(str("file_path"))
	case "Write":
		return "Writing " + shortPath(str("file_path"))
	case "Bash":
		return "Running " + truncate(firstLine(str("command")), 60)
	case "Glob":
		return "Searching " + str("pattern")
	case "Grep":
		return "Grep " + truncate(str("pattern"), 30)
	case "Task":
		return "Running subagent"
	default:
		return name
	}
}

func shortPath(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	if path == "" {
		return "file"
	}
	return truncate(path, 40)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
