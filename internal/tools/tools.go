package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrRegistered  = errors.New("tool already registered")
)

// Category groups tools for default permission levels.
type Category string

const (
	CategoryRead   Category = "read"   // no side effects
	CategoryEffect Category = "effect" // touches the outside world
)

// Handler executes one tool call. Args arrive exactly as the model
// produced them; the returned map becomes the result payload.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Descriptor describes a tool to the model. Parameters is an opaque
// JSON-schema-shaped map, passed through to the channel untouched.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]any
	Category    Category
}

type entry struct {
	desc    Descriptor
	handler Handler
}

// Registry holds every tool the model is allowed to invoke.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

func (r *Registry) Register(d Descriptor, h Handler) error {
	if d.Name == "" {
		return fmt.Errorf("tool name required")
	}
	if h == nil {
		return fmt.Errorf("tool %q: nil handler", d.Name)
	}
	if d.Category == "" {
		d.Category = CategoryEffect
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrRegistered, d.Name)
	}
	r.entries[d.Name] = entry{desc: d, handler: h}
	return nil
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

// Descriptors returns every registered descriptor, name-sorted, for
// handing to the channel at connect time.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
