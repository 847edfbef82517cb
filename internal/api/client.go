// Package api runs tasks in-process against the Anthropic Messages API,
// either directly or through AWS Bedrock. It is the "api" harness backend
// for machines without an agent CLI.
package api

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/lavallee/cub/internal/harness"
)

// DefaultModel is used when neither the config nor the task names a model.
const DefaultModel = anthropic.ModelClaudeSonnet4_5_20250929

// messagesAPI is the slice of the SDK the agent loop calls.
type messagesAPI interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// Client wraps the Anthropic SDK client.
type Client struct {
	messages messagesAPI
	model    anthropic.Model
	bedrock  bool
}

// ClientConfig contains configuration for creating a new Client.
type ClientConfig struct {
	// Model is the Claude model to use. Empty means DefaultModel.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock routes requests through Bedrock with AWS credentials.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// configured reports whether credentials are present without contacting
// any service.
func (c ClientConfig) configured() bool {
	return c.UseAWSBedrock || c.APIKey != "" || os.Getenv("ANTHROPIC_API_KEY") != ""
}

// NewClient creates a new Anthropic API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(context.Background(), loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	inner := anthropic.NewClient(opts...)
	return &Client{
		messages: &inner.Messages,
		model:    anthropic.Model(cfg.Model),
		bedrock:  cfg.UseAWSBedrock,
	}, nil
}

// bedrockModels maps Anthropic model ids to Bedrock cross-region inference
// profiles.
var bedrockModels = map[anthropic.Model]string{
	anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
	anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
	anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
	anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
}

// Model resolves the model for one invocation: override, then the client
// default, then DefaultModel, translated for Bedrock when needed.
func (c *Client) Model(override string) anthropic.Model {
	model := c.model
	if override != "" {
		model = anthropic.Model(override)
	}
	if model == "" {
		model = DefaultModel
	}
	if c.bedrock {
		if m, ok := bedrockModels[model]; ok {
			return anthropic.Model(m)
		}
	}
	return model
}

// TokenTracker accumulates usage for one invocation.
type TokenTracker struct {
	mu        sync.Mutex
	model     string
	inputTok  int64
	outputTok int64
	calls     int
}

// NewTokenTracker creates a tracker that prices usage for model.
func NewTokenTracker(model string) *TokenTracker {
	return &TokenTracker{model: model}
}

// Add records token usage from an API call.
func (t *TokenTracker) Add(input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTok += input
	t.outputTok += output
	t.calls++
}

// Total returns the total input and output tokens tracked.
func (t *TokenTracker) Total() (input, output int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok, t.outputTok
}

// Calls returns the number of API calls made.
func (t *TokenTracker) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// Usage returns combined tokens and estimated cost.
func (t *TokenTracker) Usage() (int64, float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inputTok + t.outputTok, harness.EstimateCost(t.model, t.inputTok, t.outputTok)
}
