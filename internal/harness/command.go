package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/lavallee/cub/pkg/models"
)

// CommandBackend runs an agent CLI described by a catalog Definition.
type CommandBackend struct {
	def    Definition
	getenv func(string) string
}

// NewCommandBackend creates a backend for def.
func NewCommandBackend(def Definition) *CommandBackend {
	return &CommandBackend{def: def, getenv: os.Getenv}
}

// Name implements Backend.
func (b *CommandBackend) Name() string { return b.def.Name }

// Available implements Backend. The binary must be on PATH and every
// required credential set.
func (b *CommandBackend) Available() bool {
	if _, err := exec.LookPath(b.def.Binary); err != nil {
		return false
	}
	for _, env := range b.def.RequiredCredentials {
		if strings.TrimSpace(b.getenv(env)) == "" {
			return false
		}
	}
	return true
}

// Args expands the definition's argument template.
func (b *CommandBackend) Args(prompt, model string) []string {
	var args []string
	for _, arg := range b.def.Args {
		switch arg {
		case "{{model_args}}":
			if model != "" && b.def.ModelFlag != "" {
				args = append(args, b.def.ModelFlag, model)
			}
			continue
		case "{{prompt}}":
			if b.def.PromptMode == "stdin" {
				continue
			}
			args = append(args, prompt)
			continue
		}
		arg = strings.ReplaceAll(arg, "{{model}}", model)
		args = append(args, arg)
	}
	return args
}

// Start implements Backend.
func (b *CommandBackend) Start(ctx context.Context, prompt string, opts StartOptions) (Handle, error) {
	cmd := exec.Command(b.def.Binary, b.Args(prompt, opts.Model)...)
	stdin := ""
	if b.def.PromptMode == "stdin" {
		stdin = prompt
	}
	return startProcess(ctx, cmd, stdin, newCommandParser(b.def, opts.Model), opts)
}

// commandParser passes output through, folding any JSON usage lines into
// token totals and watching for the definition's markers.
type commandParser struct {
	def       Definition
	model     string
	input     int64
	output    int64
	cost      float64
	sawDone   bool
	sawFailed bool
	tail      []string
}

func newCommandParser(def Definition, model string) *commandParser {
	return &commandParser{def: def, model: model}
}

type usageLine struct {
	Usage *struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Cost         float64 `json:"cost"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// ParseLine implements outputParser.
func (p *commandParser) ParseLine(line []byte) string {
	text := string(line)
	if p.def.CompletionMarker != "" && strings.Contains(text, p.def.CompletionMarker) {
		p.sawDone = true
	}
	if p.def.FailureMarker != "" && strings.Contains(text, p.def.FailureMarker) {
		p.sawFailed = true
	}

	var u usageLine
	if len(line) > 0 && line[0] == '{' && json.Unmarshal(line, &u) == nil {
		if u.Usage != nil {
			p.input += u.Usage.InputTokens
			p.output += u.Usage.OutputTokens
		}
		if c := u.TotalCostUSD + u.Cost; c > 0 {
			p.cost += c
		}
	}

	p.tail = append(p.tail, text)
	if len(p.tail) > 20 {
		p.tail = p.tail[len(p.tail)-20:]
	}
	return text
}

// Usage implements outputParser.
func (p *commandParser) Usage() (int64, float64) {
	cost := p.cost
	if cost == 0 {
		cost = EstimateCost(p.model, p.input, p.output)
	}
	return p.input + p.output, cost
}

// Outcome implements outputParser.
func (p *commandParser) Outcome(exitErr error, stderr string) (models.Outcome, string, string) {
	summary := truncate(lastLines(strings.Join(p.tail, "\n"), 5), 500)
	switch {
	case exitErr != nil:
		return models.OutcomeFailure, fmt.Sprintf("%s exited: %v: %s", p.def.Name, exitErr, lastLines(stderr, 5)), models.ReasonHarnessError
	case p.sawFailed:
		return models.OutcomeFailure, summary, models.ReasonHarnessError
	case p.def.CompletionMarker != "" && !p.sawDone:
		return models.OutcomeFailure, fmt.Sprintf("%s finished without %q", p.def.Name, p.def.CompletionMarker), models.ReasonHarnessError
	default:
		return models.OutcomeSuccess, summary, ""
	}
}
