package actions

import (
	"sort"
	"sync"

	"github.com/rendis/hookflow/pkg/schema"
)

// Registry is the thread-safe set of action providers keyed by type.
type Registry struct {
	mu      sync.RWMutex
	actions map[schema.ActionType]Action
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		actions: make(map[schema.ActionType]Action),
	}
}

// Register adds an action to the registry. Returns error on duplicate type.
func (r *Registry) Register(action Action) error {
	if action == nil {
		return schema.NewError(schema.ErrCodeValidation, "action is nil")
	}
	typ := action.Type()
	if typ == "" {
		return schema.NewError(schema.ErrCodeValidation, "action type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.actions[typ]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "action %q already registered", typ)
	}

	r.actions[typ] = action
	return nil
}

// Get retrieves an action by type.
func (r *Registry) Get(typ schema.ActionType) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	action, ok := r.actions[typ]
	if !ok {
		return nil, schema.ConfigurationError("no provider registered for action type %q", typ)
	}
	return action, nil
}

// Has checks if an action type is registered.
func (r *Registry) Has(typ schema.ActionType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actions[typ]
	return ok
}

// List returns info for all registered actions, sorted by type.
func (r *Registry) List() []ActionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ActionInfo, 0, len(r.actions))
	for typ, a := range r.actions {
		info := ActionInfo{Type: typ}
		if d, ok := a.(Describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}
