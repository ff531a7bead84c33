package agent

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/weave/pkg/models"
)

var (
	// ErrUnknownKind is returned when no constructor is registered for a kind.
	ErrUnknownKind = errors.New("unknown agent kind")
	// ErrKindExists is returned when a kind is registered twice.
	ErrKindExists = errors.New("agent kind already registered")
	// ErrUnknownAgent is returned for ids that were never declared.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Constructor builds an agent from its descriptor.
type Constructor func(d models.AgentDescriptor) (Agent, error)

// Registry maps agent kinds to constructors and holds the declared agent
// descriptors of a pipeline. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	kinds    map[string]Constructor
	declared map[string]models.AgentDescriptor
	order    []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kinds:    make(map[string]Constructor),
		declared: make(map[string]models.AgentDescriptor),
	}
}

// Register adds a constructor for kind.
func (r *Registry) Register(kind string, ctor Constructor) error {
	if kind == "" || ctor == nil {
		return fmt.Errorf("register agent kind %q: invalid", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.kinds[kind]; ok {
		return fmt.Errorf("register agent kind %q: %w", kind, ErrKindExists)
	}
	r.kinds[kind] = ctor
	return nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasKind reports whether kind can be constructed.
func (r *Registry) HasKind(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.kinds[kind]
	return ok
}

// Declare records a descriptor. Declaring an existing id replaces it and
// keeps its position.
func (r *Registry) Declare(d models.AgentDescriptor) error {
	if d.ID == "" {
		return fmt.Errorf("declare agent: empty id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.declared[d.ID]; !ok {
		r.order = append(r.order, d.ID)
	}
	r.declared[d.ID] = d.Clone()
	return nil
}

// Descriptor returns the declared descriptor of id.
func (r *Registry) Descriptor(id string) (models.AgentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.declared[id]
	if !ok {
		return models.AgentDescriptor{}, false
	}
	return d.Clone(), true
}

// Descriptors returns the declared descriptors in declaration order.
func (r *Registry) Descriptors() []models.AgentDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.declared[id].Clone())
	}
	return out
}

// Dependencies returns the declared dependencies of id.
func (r *Registry) Dependencies(id string) []string {
	d, ok := r.Descriptor(id)
	if !ok {
		return nil
	}
	return d.Dependencies
}

// Create builds an agent from d using the constructor of d.Kind.
func (r *Registry) Create(d models.AgentDescriptor) (Agent, error) {
	r.mu.RLock()
	ctor, ok := r.kinds[d.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("create agent %s: kind %q: %w", d.ID, d.Kind, ErrUnknownKind)
	}
	a, err := ctor(d.Clone())
	if err != nil {
		return nil, fmt.Errorf("create agent %s: %w", d.ID, err)
	}
	return a, nil
}

// CreateByID builds the declared agent id.
func (r *Registry) CreateByID(id string) (Agent, error) {
	d, ok := r.Descriptor(id)
	if !ok {
		return nil, fmt.Errorf("create agent %s: %w", id, ErrUnknownAgent)
	}
	return r.Create(d)
}
