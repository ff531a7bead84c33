// Package failure classifies agent failures and decides how a run recovers
// from them.
package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ShayCichocki/weave/internal/resource"
)

// Kind is the failure taxonomy.
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindUpstream           Kind = "upstream"
	KindValidation         Kind = "validation"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindDependency         Kind = "dependency"
	KindConfiguration      Kind = "configuration"
	KindNetwork            Kind = "network"
	KindUnknown            Kind = "unknown"
)

// Retryable reports whether retrying can change the outcome.
func (k Kind) Retryable() bool {
	return k != KindConfiguration && k != KindValidation
}

// Error is an agent failure with a known kind. Agents return it to skip
// message heuristics.
type Error struct {
	Kind  Kind
	Agent string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Agent != "" {
		b.WriteString("agent ")
		b.WriteString(e.Agent)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf builds a tagged error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// ErrCircuitOpen is matched by every CircuitOpenError.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitOpenError is returned when a breaker refuses execution.
type CircuitOpenError struct {
	Agent      string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("agent %s: %s (retry after %s)", e.Agent, ErrCircuitOpen, e.RetryAfter.Round(time.Millisecond))
}

func (e *CircuitOpenError) Unwrap() error { return ErrCircuitOpen }

// Classify maps err onto the taxonomy. Typed errors win; the message is
// only inspected for errors the engine knows nothing about.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var fe *Error
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, resource.ErrRequestExpired) || errors.Is(err, resource.ErrExceedsCapacity) {
		return KindResourceExhaustion
	}
	if errors.Is(err, resource.ErrUnknownPool) {
		return KindConfiguration
	}
	if errors.Is(err, ErrCircuitOpen) {
		return KindDependency
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return classifyMessage(err.Error())
}

var messageRules = []struct {
	kind     Kind
	patterns []string
}{
	{KindTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindResourceExhaustion, []string{"rate limit", "quota", "exhausted", "out of memory", "too many requests", "overloaded"}},
	{KindNetwork, []string{"connection refused", "connection reset", "no such host", "broken pipe", "network", "eof"}},
	{KindConfiguration, []string{"config", "api key", "not configured", "permission denied", "unauthorized"}},
	{KindValidation, []string{"invalid", "validation", "malformed", "schema", "unmarshal"}},
	{KindDependency, []string{"dependency", "upstream agent", "missing input"}},
	{KindUpstream, []string{"api error", "status 5", "internal server error", "bad gateway", "service unavailable", "model"}},
}

func classifyMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	for _, rule := range messageRules {
		for _, p := range rule.patterns {
			if strings.Contains(msg, p) {
				return rule.kind
			}
		}
	}
	return KindUnknown
}
