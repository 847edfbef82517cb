package api

import (
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

func TestNewClient_WithAPIKey(t *testing.T) {
	client, err := NewClient(ClientConfig{APIKey: "test-key-123", Model: string(anthropic.ModelClaudeSonnet4_20250514)})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	if got := client.Model(""); got != anthropic.ModelClaudeSonnet4_20250514 {
		t.Errorf("Model = %q, want %q", got, anthropic.ModelClaudeSonnet4_20250514)
	}
	if got := client.Model("claude-opus-4-5-20251101"); got != "claude-opus-4-5-20251101" {
		t.Errorf("override Model = %q", got)
	}
}

func TestNewClient_WithEnvVar(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-test-key")

	if _, err := NewClient(ClientConfig{}); err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
}

func TestNewClient_NoAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")

	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("Expected error when no API key is set")
	}
	if (ClientConfig{}).configured() {
		t.Error("empty config should not count as configured")
	}
	if !(ClientConfig{UseAWSBedrock: true}).configured() {
		t.Error("bedrock config should count as configured")
	}
}

func TestClient_DefaultModel(t *testing.T) {
	c := &Client{}
	if got := c.Model(""); got != DefaultModel {
		t.Errorf("Model = %q, want %q", got, DefaultModel)
	}
}

func TestClient_BedrockModelTranslation(t *testing.T) {
	c := &Client{bedrock: true, model: anthropic.ModelClaudeSonnet4_5_20250929}

	if got := c.Model(""); got != "us.anthropic.claude-sonnet-4-5-20250929-v1:0" {
		t.Errorf("Model = %q", got)
	}
	if got := c.Model("custom-profile"); got != "custom-profile" {
		t.Errorf("unknown models should pass through, got %q", got)
	}
}

func TestTokenTracker(t *testing.T) {
	tracker := NewTokenTracker("claude-sonnet-4-20250514")
	tracker.Add(1_000_000, 0)
	tracker.Add(0, 100_000)

	in, out := tracker.Total()
	if in != 1_000_000 || out != 100_000 {
		t.Errorf("Total = %d/%d", in, out)
	}
	if tracker.Calls() != 2 {
		t.Errorf("Calls = %d, want 2", tracker.Calls())
	}

	tokens, cost := tracker.Usage()
	if tokens != 1_100_000 {
		t.Errorf("tokens = %d", tokens)
	}
	// $3/M input + $15/M output
	if cost < 4.49 || cost > 4.51 {
		t.Errorf("cost = %v, want 4.5", cost)
	}
}
