package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no Anthropic API key is configured.
var ErrNoAPIKey = errors.New("no Anthropic API key configured")

// apiKeyEnv lists the variables checked for a key, in order. The WEAVE_
// name matches the prefix used for every other override.
var apiKeyEnv = []string{"WEAVE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"}

// KeySource says where claude agents get their credentials from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// GetAPIKey returns the Anthropic API key: the environment first, then
// anthropic.api_key from the loaded configuration.
func GetAPIKey(cfg *Config) (string, error) {
	key, _ := resolveKey(cfg)
	if key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// GetAPIKeySource reports where claude agents would authenticate from.
// Bedrock wins over any key since the key is then unused.
func GetAPIKeySource(cfg *Config) KeySource {
	if cfg != nil && cfg.Anthropic.UseAWSBedrock {
		return KeySourceBedrock
	}
	_, src := resolveKey(cfg)
	return src
}

func resolveKey(cfg *Config) (string, KeySource) {
	for _, name := range apiKeyEnv {
		if key := os.Getenv(name); key != "" {
			return key, KeySourceEnv
		}
	}
	if cfg == nil || cfg.Anthropic.APIKey == "" {
		return "", KeySourceNone
	}
	// Unresolved ${VAR} references count as unset.
	key := os.ExpandEnv(cfg.Anthropic.APIKey)
	if key == "" || strings.HasPrefix(key, "${") {
		return "", KeySourceNone
	}
	return key, KeySourceConfig
}

// ValidateAPIKey checks the key format. It does not contact the API.
func ValidateAPIKey(key string) error {
	switch {
	case key == "":
		return ErrNoAPIKey
	case !strings.HasPrefix(key, "sk-ant-"):
		return errors.New("invalid API key format: expected 'sk-ant-' prefix")
	case len(key) < 20:
		return errors.New("invalid API key format: key too short")
	}
	return nil
}

// CheckClaudeCredentials reports whether claude agents can authenticate and
// returns a printable description of the credentials in use.
func CheckClaudeCredentials(cfg *Config) (string, error) {
	src := GetAPIKeySource(cfg)
	if src == KeySourceBedrock {
		region := cfg.Anthropic.AWSRegion
		if region == "" {
			region = "default region"
		}
		return fmt.Sprintf("aws bedrock (%s)", region), nil
	}
	key, _ := resolveKey(cfg)
	desc := fmt.Sprintf("%s (%s)", MaskAPIKey(key), src)
	if err := ValidateAPIKey(key); err != nil {
		return desc, err
	}
	return desc, nil
}

// MaskAPIKey returns the key with everything but the prefix and the last
// four characters hidden.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
