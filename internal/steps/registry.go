package steps

import (
	"sort"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Info summarizes a registered step type.
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Registry resolves step type tags to implementations. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]Invocable
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Invocable)}
}

// Register adds an implementation. Duplicate type tags are rejected.
func (r *Registry) Register(inv Invocable) error {
	if inv == nil {
		return schema.NewError(schema.ErrCodeValidation, "invocable is nil")
	}
	t := inv.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "step type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "step type %q already registered", t)
	}
	r.steps[t] = inv
	return nil
}

// Get resolves a type tag.
func (r *Registry) Get(stepType string) (Invocable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.steps[stepType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "step type %q not registered", stepType)
	}
	return inv, nil
}

// List returns every registered type, sorted.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.steps))
	for _, inv := range r.steps {
		infos = append(infos, Info{Type: inv.Type(), Description: inv.Description()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

func (r *Registry) Has(stepType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[stepType]
	return ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}
