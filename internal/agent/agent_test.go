package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ShayCichocki/weave/internal/failure"
	"github.com/ShayCichocki/weave/internal/shared"
	"github.com/ShayCichocki/weave/pkg/models"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	if err := r.Register(KindEcho, newEcho); !errors.Is(err, ErrKindExists) {
		t.Errorf("expected ErrKindExists, got %v", err)
	}

	_ = r.Declare(models.AgentDescriptor{ID: "b", Kind: KindEcho, Dependencies: []string{"a"}})
	_ = r.Declare(models.AgentDescriptor{ID: "a", Kind: KindEcho})
	_ = r.Declare(models.AgentDescriptor{ID: "b", Kind: KindEcho, Version: "v2", Dependencies: []string{"a"}})

	descs := r.Descriptors()
	if len(descs) != 2 || descs[0].ID != "b" || descs[0].Version != "v2" {
		t.Errorf("Descriptors() = %+v", descs)
	}
	if deps := r.Dependencies("b"); len(deps) != 1 || deps[0] != "a" {
		t.Errorf("Dependencies(b) = %v", deps)
	}

	if _, err := r.CreateByID("missing"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
	if _, err := r.Create(models.AgentDescriptor{ID: "x", Kind: "nope"}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("expected ErrUnknownKind, got %v", err)
	}
	a, err := r.CreateByID("b")
	if err != nil || a.Name() != "b" {
		t.Fatalf("CreateByID(b) = %v, %v", a, err)
	}
}

func TestEchoAgent(t *testing.T) {
	sc := shared.New("run", "what now")
	_ = sc.SetOutput("a", "hi")
	sc.SetPlaceholder("c", "down")

	a, err := newEcho(models.AgentDescriptor{
		ID:           "b",
		Dependencies: []string{"c", "a", "missing"},
		Config:       map[string]any{"message": "hello", "delay": "1ms"},
	})
	if err != nil {
		t.Fatalf("newEcho: %v", err)
	}
	if err := a.Run(context.Background(), sc.For("b")); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var out EchoOutput
	if err := sc.DecodeOutput("b", &out); err != nil {
		t.Fatal(err)
	}
	if out.Message != "hello" || out.Query != "what now" {
		t.Errorf("unexpected output %+v", out)
	}
	if len(out.Inputs) != 2 || out.Inputs[0] != "a" || !out.Degraded["c"] {
		t.Errorf("inputs = %v degraded = %v", out.Inputs, out.Degraded)
	}
}

func TestEchoHonoursCancellation(t *testing.T) {
	a, err := newEcho(models.AgentDescriptor{ID: "slow", Config: map[string]any{"delay": "1h"}})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.Run(ctx, shared.New("r", "").For("slow")); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRunAbandonsAgentIgnoringDeadline(t *testing.T) {
	sc := shared.New("run", "")
	late := make(chan error, 1)
	stubborn := NewFunc("stubborn", func(_ context.Context, v *shared.View) error {
		time.Sleep(100 * time.Millisecond)
		late <- v.SetOutput("too late")
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := Run(ctx, stubborn, sc.For("stubborn"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() = %v, want context.DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Errorf("Run returned after %v, want at the 10ms deadline", elapsed)
	}

	// Recovery writes a placeholder before the abandoned agent wakes up.
	sc.SetPlaceholder("stubborn", "timed out")
	select {
	case err := <-late:
		if !errors.Is(err, shared.ErrViewRevoked) {
			t.Errorf("late SetOutput = %v, want ErrViewRevoked", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("abandoned agent never finished")
	}
	if !sc.IsPlaceholder("stubborn") {
		t.Error("late write replaced the placeholder")
	}
}

func TestRunReturnsAgentResult(t *testing.T) {
	sc := shared.New("run", "")
	boom := errors.New("boom")
	a := NewFunc("quick", func(_ context.Context, v *shared.View) error {
		if err := v.SetOutput("ok"); err != nil {
			return err
		}
		return boom
	})
	if err := Run(context.Background(), a, sc.For("quick")); !errors.Is(err, boom) {
		t.Errorf("Run() = %v, want boom", err)
	}
	if _, ok := sc.RawOutput("quick"); !ok {
		t.Error("output of a finished agent was dropped")
	}
}

func TestFailingAgent(t *testing.T) {
	a, err := newFailing(models.AgentDescriptor{ID: "f", Config: map[string]any{"kind": "network", "times": 2}})
	if err != nil {
		t.Fatal(err)
	}
	sc := shared.New("run", "")
	for i := 0; i < 2; i++ {
		err := a.Run(context.Background(), sc.For("f"))
		if failure.Classify(err) != failure.KindNetwork {
			t.Fatalf("run %d: expected network failure, got %v", i+1, err)
		}
	}
	if err := a.Run(context.Background(), sc.For("f")); err != nil {
		t.Errorf("third run should succeed: %v", err)
	}
	if _, err := newFailing(models.AgentDescriptor{ID: "f", Config: map[string]any{"times": "x"}}); err == nil {
		t.Error("expected error for non-numeric times")
	}
}

func TestHints(t *testing.T) {
	a, _ := newEcho(models.AgentDescriptor{
		ID:        "e",
		Priority:  models.PriorityHigh,
		Resources: models.ResourceRequirements{models.ResourceCPU: 10},
	})
	if PriorityOf(a, models.PriorityLow) != models.PriorityHigh {
		t.Error("echo should hint its descriptor priority")
	}
	if ResourcesOf(a, nil)[models.ResourceCPU] != 10 {
		t.Error("echo should hint its descriptor resources")
	}
	plain := NewFunc("plain", func(context.Context, *shared.View) error { return nil })
	if PriorityOf(plain, models.PriorityLow) != models.PriorityLow {
		t.Error("Func has no priority hint")
	}
}

type fakeMessages struct {
	body anthropic.MessageNewParams
	resp string
	err  error
}

func (f *fakeMessages) New(_ context.Context, body anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.body = body
	if f.err != nil {
		return nil, f.err
	}
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(f.resp), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func TestClaudeAgent(t *testing.T) {
	fake := &fakeMessages{resp: `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-5-20250929",
		"content":[{"type":"text","text":"summary done"}],"stop_reason":"end_turn",
		"usage":{"input_tokens":12,"output_tokens":7}}`}
	c, err := newClaude(models.AgentDescriptor{
		ID:           "writer",
		Dependencies: []string{"research"},
		Config:       map[string]any{"prompt": "Summarize.", "system": "be brief"},
	}, ClaudeConfig{}, fake)
	if err != nil {
		t.Fatalf("newClaude: %v", err)
	}

	sc := shared.New("run", "topic")
	_ = sc.SetOutput("research", ClaudeOutput{Text: "facts"})
	if err := c.Run(context.Background(), sc.For("writer")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var out ClaudeOutput
	if err := sc.DecodeOutput("writer", &out); err != nil {
		t.Fatal(err)
	}
	if out.Text != "summary done" || out.InputTokens != 12 {
		t.Errorf("unexpected output %+v", out)
	}
	if sc.TokenUsage().Total() != 19 {
		t.Errorf("tokens = %d, want 19", sc.TokenUsage().Total())
	}
	if len(fake.body.System) != 1 || fake.body.Model != anthropic.ModelClaudeSonnet4_5_20250929 {
		t.Errorf("unexpected request %+v", fake.body)
	}
	prompt := c.userPrompt(sc.For("writer"))
	if !strings.Contains(prompt, "## Output of research\nfacts") || !strings.Contains(prompt, "topic") {
		t.Errorf("prompt missing inputs:\n%s", prompt)
	}
}

func TestClaudeRequiresPrompt(t *testing.T) {
	_, err := newClaude(models.AgentDescriptor{ID: "x"}, ClaudeConfig{}, &fakeMessages{})
	if failure.Classify(err) != failure.KindConfiguration {
		t.Errorf("expected configuration failure, got %v", err)
	}
}

func TestClassifyAPIError(t *testing.T) {
	tests := []struct {
		status int
		want   failure.Kind
	}{
		{429, failure.KindResourceExhaustion},
		{401, failure.KindConfiguration},
		{400, failure.KindValidation},
		{503, failure.KindUpstream},
	}
	for _, tt := range tests {
		apiErr := &anthropic.Error{
			StatusCode: tt.status,
			Request:    &http.Request{Method: http.MethodPost, URL: &url.URL{Scheme: "https", Host: "api.anthropic.com"}},
			Response:   &http.Response{StatusCode: tt.status},
		}
		if got := failure.Classify(classifyAPIError(apiErr)); got != tt.want {
			t.Errorf("status %d: kind = %s, want %s", tt.status, got, tt.want)
		}
	}
	plain := errors.New("dial tcp: connection refused")
	if got := classifyAPIError(plain); got != plain {
		t.Errorf("non-API errors should pass through, got %v", got)
	}
}

func TestResolveModelForBedrock(t *testing.T) {
	if got := resolveModel(string(anthropic.ModelClaudeSonnet4_20250514), true); got != "us.anthropic.claude-sonnet-4-20250514-v1:0" {
		t.Errorf("resolveModel = %s", got)
	}
	if got := resolveModel("custom-model", true); got != "custom-model" {
		t.Errorf("unknown models pass through, got %s", got)
	}
}
