package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/pkg/models"
)

// ClaudeConfig configures the claude agent kind.
type ClaudeConfig struct {
	// Model is the default model; descriptors may override it with
	// config "model".
	Model string `mapstructure:"model"`
	// APIKey falls back to ANTHROPIC_API_KEY.
	APIKey        string `mapstructure:"api_key"`
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
	MaxTokens     int64  `mapstructure:"max_tokens"`
}

// messageClient is the part of the SDK the agent uses.
type messageClient interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// RegisterClaude registers the claude kind. The SDK client is created on
// the first construction so pipelines without claude agents need no
// credentials.
func RegisterClaude(r *Registry, cfg ClaudeConfig) error {
	var (
		mu     sync.Mutex
		client messageClient
	)
	return r.Register(KindClaude, func(d models.AgentDescriptor) (Agent, error) {
		mu.Lock()
		if client == nil {
			c, err := newClaudeClient(cfg)
			if err != nil {
				mu.Unlock()
				return nil, failure.Wrap(failure.KindConfiguration, err)
			}
			client = c
		}
		mc := client
		mu.Unlock()
		a, err := newClaude(d, cfg, mc)
		if err != nil {
			return nil, err
		}
		return a, nil
	})
}

func newClaudeClient(cfg ClaudeConfig) (messageClient, error) {
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

	client := anthropic.NewClient(opts...)
	return &client.Messages, nil
}

// bedrockModels maps API model names to Bedrock cross-region inference
// profiles.
var bedrockModels = map[anthropic.Model]string{
	anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
	anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
	anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
	anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
}

func resolveModel(name string, bedrockMode bool) anthropic.Model {
	model := anthropic.Model(name)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5_20250929
	}
	if bedrockMode {
		if m, ok := bedrockModels[model]; ok {
			return anthropic.Model(m)
		}
	}
	return model
}

// ClaudeOutput is written by claude agents.
type ClaudeOutput struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

// claude sends one prompt built from the run query and upstream outputs.
// Config: "prompt" (instructions), "system", "model", "max_tokens".
type claude struct {
	desc      models.AgentDescriptor
	client    messageClient
	model     anthropic.Model
	system    string
	prompt    string
	maxTokens int64
}

func newClaude(d models.AgentDescriptor, cfg ClaudeConfig, client messageClient) (*claude, error) {
	c := &claude{desc: d, client: client, maxTokens: cfg.MaxTokens}
	if c.maxTokens <= 0 {
		c.maxTokens = 4096
	}
	model := cfg.Model
	if m, ok := d.Config["model"].(string); ok && m != "" {
		model = m
	}
	c.model = resolveModel(model, cfg.UseAWSBedrock)
	c.system, _ = d.Config["system"].(string)
	c.prompt, _ = d.Config["prompt"].(string)
	switch n := d.Config["max_tokens"].(type) {
	case int:
		c.maxTokens = int64(n)
	case float64:
		c.maxTokens = int64(n)
	}
	if c.prompt == "" {
		return nil, failure.Errorf(failure.KindConfiguration, "claude agent %s: prompt is required", d.ID)
	}
	return c, nil
}

func (c *claude) Name() string { return c.desc.ID }

func (c *claude) Priority() models.Priority { return c.desc.Priority }

func (c *claude) Resources() models.ResourceRequirements { return c.desc.Resources }

func (c *claude) userPrompt(v *shared.View) string {
	var b strings.Builder
	b.WriteString(c.prompt)
	if q := v.Query(); q != "" {
		b.WriteString("\n\n## Query\n")
		b.WriteString(q)
	}
	deps := append([]string(nil), c.desc.Dependencies...)
	sort.Strings(deps)
	for _, dep := range deps {
		raw, ok := v.Input(dep)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n\n## Output of %s", dep)
		if v.IsPlaceholder(dep) {
			b.WriteString(" (unavailable, degraded)")
		}
		b.WriteString("\n")
		var out ClaudeOutput
		if json.Unmarshal(raw, &out) == nil && out.Text != "" {
			b.WriteString(out.Text)
		} else {
			b.Write(raw)
		}
	}
	return b.String()
}

func (c *claude) Run(ctx context.Context, v *shared.View) error {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(c.userPrompt(v))),
		},
	}
	if c.system != "" {
		params.System = []anthropic.TextBlockParam{{Text: c.system}}
	}

	resp, err := c.client.New(ctx, params)
	if err != nil {
		return classifyAPIError(err)
	}
	v.AddTokens(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var text strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(variant.Text)
		}
	}
	if text.Len() == 0 {
		return failure.Errorf(failure.KindValidation, "claude agent %s: empty response", c.desc.ID)
	}
	v.Trace("claude", fmt.Sprintf("%d in / %d out tokens", resp.Usage.InputTokens, resp.Usage.OutputTokens))
	return v.SetOutput(ClaudeOutput{
		Text:         text.String(),
		Model:        string(c.model),
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	})
}

// classifyAPIError tags SDK errors with a failure kind by status code.
func classifyAPIError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	switch code := apiErr.StatusCode; {
	case code == 429 || code == 529:
		return failure.Wrap(failure.KindResourceExhaustion, err)
	case code == 401 || code == 403 || code == 404:
		return failure.Wrap(failure.KindConfiguration, err)
	case code == 400 || code == 413 || code == 422:
		return failure.Wrap(failure.KindValidation, err)
	case code >= 500:
		return failure.Wrap(failure.KindUpstream, err)
	}
	return failure.Wrap(failure.KindUpstream, err)
}
