package models

import (
	"fmt"
	"strconv"
	"strings"
)

// Priority ranks an agent for scheduling. Lower values run first.
type Priority int

const (
	// PriorityCritical is for agents every other agent waits on.
	PriorityCritical Priority = 1
	// PriorityHigh is for agents on the hot path of a run.
	PriorityHigh Priority = 2
	// PriorityNormal is the default priority.
	PriorityNormal Priority = 3
	// PriorityLow is for agents whose output is nice to have.
	PriorityLow Priority = 4
	// PriorityBackground is for housekeeping agents.
	PriorityBackground Priority = 5
)

// Valid returns true if the priority is one of the five known levels.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// OrDefault returns p, or PriorityNormal when p is unset or out of range.
func (p Priority) OrDefault() Priority {
	if !p.Valid() {
		return PriorityNormal
	}
	return p
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts either a level name ("high") or its number ("2").
// An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "":
		return PriorityNormal, nil
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "medium":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "background":
		return PriorityBackground, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("unknown priority %q", s)
	}
	return Priority(n), nil
}

// MarshalText encodes the priority as its name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.OrDefault().String()), nil
}

// UnmarshalText accepts anything ParsePriority accepts.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
