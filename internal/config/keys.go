package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when the api harness has no credentials.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKey returns the Anthropic API key and where it came from.
// ANTHROPIC_API_KEY wins over the config file. Bedrock mode needs no key
// and reports KeySourceBedrock with an empty key.
func GetAPIKey(cfg *Config) (string, KeySource, error) {
	if cfg != nil && cfg.Anthropic.Bedrock {
		return "", KeySourceBedrock, nil
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		return key, KeySourceEnv, nil
	}
	if cfg != nil {
		// Unresolved ${VAR} references count as missing.
		key := os.ExpandEnv(cfg.Anthropic.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, KeySourceConfig, nil
		}
	}
	return "", KeySourceNone, ErrNoAPIKey
}

// MaskAPIKey shows the first 7 and last 4 characters of a key.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
