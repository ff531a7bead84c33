package models

import "sort"

// ResourceType names a resource pool.
type ResourceType string

const (
	// ResourceCPU is CPU share in percent of one host.
	ResourceCPU ResourceType = "cpu"
	// ResourceMemory is memory in megabytes.
	ResourceMemory ResourceType = "memory"
	// ResourceTokens is an LLM token budget.
	ResourceTokens ResourceType = "tokens"
	// ResourceAPICalls is a count of concurrent upstream API calls.
	ResourceAPICalls ResourceType = "api_calls"
)

// ResourceRequirements maps a resource type to the amount an agent needs
// while it runs.
type ResourceRequirements map[ResourceType]float64

// Types returns the resource types with a positive amount, sorted by name.
func (r ResourceRequirements) Types() []ResourceType {
	types := make([]ResourceType, 0, len(r))
	for t, amount := range r {
		if amount > 0 {
			types = append(types, t)
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Clone returns an independent copy.
func (r ResourceRequirements) Clone() ResourceRequirements {
	if r == nil {
		return nil
	}
	out := make(ResourceRequirements, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IsZero reports whether nothing is requested.
func (r ResourceRequirements) IsZero() bool {
	return len(r.Types()) == 0
}
