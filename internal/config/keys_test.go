package config

import (
	"errors"
	"testing"
)

func TestGetAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		cfgKey  string
		extra   map[string]string
		want    string
		source  KeySource
		wantErr error
	}{
		{name: "environment wins", env: "sk-ant-env-key", cfgKey: "sk-ant-config-key", want: "sk-ant-env-key", source: KeySourceEnv},
		{name: "from config", cfgKey: "sk-ant-config-key", want: "sk-ant-config-key", source: KeySourceConfig},
		{name: "config reference expanded", cfgKey: "${WEAVE_TEST_KEY}", extra: map[string]string{"WEAVE_TEST_KEY": "sk-ant-ref"}, want: "sk-ant-ref", source: KeySourceConfig},
		{name: "unresolved reference", cfgKey: "${WEAVE_TEST_KEY}", source: KeySourceNone, wantErr: ErrNoAPIKey},
		{name: "nothing configured", source: KeySourceNone, wantErr: ErrNoAPIKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ANTHROPIC_API_KEY", tt.env)
			t.Setenv("WEAVE_ANTHROPIC_API_KEY", "")
			t.Setenv("WEAVE_TEST_KEY", "")
			for k, v := range tt.extra {
				t.Setenv(k, v)
			}
			cfg := &Config{Anthropic: AnthropicConfig{APIKey: tt.cfgKey}}

			key, err := GetAPIKey(cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("GetAPIKey() error = %v, want %v", err, tt.wantErr)
			}
			if key != tt.want {
				t.Errorf("GetAPIKey() = %q, want %q", key, tt.want)
			}
			if got := GetAPIKeySource(cfg); got != tt.source {
				t.Errorf("GetAPIKeySource() = %v, want %v", got, tt.source)
			}
		})
	}
}

func TestGetAPIKeyNilConfig(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("WEAVE_ANTHROPIC_API_KEY", "")
	if _, err := GetAPIKey(nil); !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("GetAPIKey(nil) error = %v, want ErrNoAPIKey", err)
	}
}

func TestValidateAPIKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid key", "sk-ant-REDACTED", false},
		{"empty key", "", true},
		{"wrong prefix", "sk-openai-12345678901234567890", true},
		{"too short", "sk-ant-abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAPIKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAPIKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		expected string
	}{
		{"valid key", "sk-ant-REDACTED", "sk-ant-...wxyz"},
		{"empty key", "", "(not set)"},
		{"short key", "short", "***"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskAPIKey(tt.key); got != tt.expected {
				t.Errorf("MaskAPIKey() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGetAPIKeyPrefersWeaveVariable(t *testing.T) {
	t.Setenv("WEAVE_ANTHROPIC_API_KEY", "sk-ant-weave-key")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-plain-key")
	key, err := GetAPIKey(nil)
	if err != nil || key != "sk-ant-weave-key" {
		t.Errorf("GetAPIKey() = %q, %v", key, err)
	}
}

func TestCheckClaudeCredentials(t *testing.T) {
	t.Setenv("WEAVE_ANTHROPIC_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	desc, err := CheckClaudeCredentials(&Config{})
	if !errors.Is(err, ErrNoAPIKey) {
		t.Errorf("no key: error = %v, want ErrNoAPIKey", err)
	}
	if desc != "(not set) (none)" {
		t.Errorf("no key: desc = %q", desc)
	}

	cfg := &Config{Anthropic: AnthropicConfig{APIKey: "sk-ant-REDACTED"}}
	desc, err = CheckClaudeCredentials(cfg)
	if err != nil || desc != "sk-ant-...wxyz (config_file)" {
		t.Errorf("config key: %q, %v", desc, err)
	}

	cfg.Anthropic.APIKey = "not-a-key-at-all-really"
	if _, err := CheckClaudeCredentials(cfg); err == nil {
		t.Error("malformed key accepted")
	}

	cfg = &Config{Anthropic: AnthropicConfig{UseAWSBedrock: true, AWSRegion: "us-west-2"}}
	desc, err = CheckClaudeCredentials(cfg)
	if err != nil || desc != "aws bedrock (us-west-2)" {
		t.Errorf("bedrock: %q, %v", desc, err)
	}
	if got := GetAPIKeySource(cfg); got != KeySourceBedrock {
		t.Errorf("GetAPIKeySource() = %v, want %v", got, KeySourceBedrock)
	}
}
