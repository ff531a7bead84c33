package models

import "time"

// AgentStatus represents the state of one agent within a run.
type AgentStatus string

const (
	// AgentStatusPending indicates the agent has not started.
	AgentStatusPending AgentStatus = "pending"
	// AgentStatusWaiting indicates the agent is waiting for resources.
	AgentStatusWaiting AgentStatus = "waiting"
	// AgentStatusRunning indicates the agent is executing.
	AgentStatusRunning AgentStatus = "running"
	// AgentStatusRetrying indicates the agent failed and is backing off.
	AgentStatusRetrying AgentStatus = "retrying"
	// AgentStatusDone indicates the agent completed its work.
	AgentStatusDone AgentStatus = "done"
	// AgentStatusDegraded indicates the agent failed and a placeholder was used.
	AgentStatusDegraded AgentStatus = "degraded"
	// AgentStatusSkipped indicates the agent never ran because a dependency failed.
	AgentStatusSkipped AgentStatus = "skipped"
	// AgentStatusFailed indicates the agent failed permanently.
	AgentStatusFailed AgentStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusPending, AgentStatusWaiting, AgentStatusRunning, AgentStatusRetrying,
		AgentStatusDone, AgentStatusDegraded, AgentStatusSkipped, AgentStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the agent will not run again in this run.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentStatusDone, AgentStatusDegraded, AgentStatusSkipped, AgentStatusFailed:
		return true
	default:
		return false
	}
}

// AgentDescriptor describes one known agent implementation. Discoverers
// produce descriptors; the registry turns them into instances.
type AgentDescriptor struct {
	// ID is the unique identifier used as the graph node id.
	ID string `json:"id" yaml:"id"`
	// Kind selects the registered constructor.
	Kind string `json:"kind" yaml:"kind"`
	// Version is a semantic version ("1.2.0"); empty means "0.0.0".
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	// Capabilities lists what the agent can do; a swap target must cover them.
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	// Dependencies lists agent ids this agent consumes output from.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	// Priority is the scheduling priority hint.
	Priority Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	// Resources is the resource requirement hint.
	Resources ResourceRequirements `json:"resources,omitempty" yaml:"resources,omitempty"`
	// Config is passed verbatim to the constructor.
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	// Source names the discoverer that produced the descriptor.
	Source string `json:"source,omitempty" yaml:"-"`

	// LoadCount is the number of successful instantiations.
	LoadCount int `json:"load_count" yaml:"-"`
	// LoadErrors is the number of failed instantiations.
	LoadErrors int `json:"load_errors" yaml:"-"`
	// LastLoaded is when the descriptor was last instantiated.
	LastLoaded time.Time `json:"last_loaded,omitempty" yaml:"-"`
	// LastError holds the most recent load error message.
	LastError string `json:"last_error,omitempty" yaml:"-"`
}

// HasCapabilities returns true if d offers every capability in required.
func (d AgentDescriptor) HasCapabilities(required []string) bool {
	have := make(map[string]bool, len(d.Capabilities))
	for _, c := range d.Capabilities {
		have[c] = true
	}
	for _, c := range required {
		if !have[c] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the descriptor.
func (d AgentDescriptor) Clone() AgentDescriptor {
	out := d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	out.Dependencies = append([]string(nil), d.Dependencies...)
	out.Resources = d.Resources.Clone()
	if d.Config != nil {
		out.Config = make(map[string]any, len(d.Config))
		for k, v := range d.Config {
			out.Config[k] = v
		}
	}
	return out
}
