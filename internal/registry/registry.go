// Package registry indexes the typed objects an application declares: rules,
// processes, connected systems and the rest. The engine consumes it through
// the Resolver interface; object discovery lives outside the core and feeds
// Register at startup.
package registry

import (
	"strings"
	"sync"

	apperrors "github.com/R3E-Network/appos/internal/errors"
)

// Object type tags.
const (
	TypeRule            = "rule"
	TypeProcess         = "process"
	TypeRecord          = "record"
	TypeConnectedSystem = "connected_system"
	TypeDocument        = "document"
	TypeInterface       = "interface"
)

// Registered is a resolved object: its type tag, its handler, and metadata.
// The handler is opaque here; the engine dispatcher knows how to call the
// supported shapes per object type.
type Registered struct {
	Ref        string
	ObjectType string
	AppName    string
	Metadata   map[string]any
	Handler    any
}

// Resolver is the read surface the engine depends on.
type Resolver interface {
	// Resolve returns the registered object for ref, or false.
	Resolve(ref string) (*Registered, bool)
}

// Registry is an in-memory object index. Writes take the lock; reads return
// snapshots. Mutations happen at startup and hot-reload only.
type Registry struct {
	mu      sync.RWMutex
	objects map[string]*Registered
	order   []string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{objects: make(map[string]*Registered)}
}

// Register adds or replaces an object. The app name defaults to the first
// dotted segment of the ref.
func (r *Registry) Register(obj *Registered) error {
	if obj == nil || obj.Ref == "" {
		return apperrors.Validation(apperrors.CodeInvalidInput, "object ref is required")
	}
	if obj.ObjectType == "" {
		return apperrors.Validation(apperrors.CodeInvalidInput, "object type is required: %s", obj.Ref)
	}
	if obj.AppName == "" {
		if i := strings.Index(obj.Ref, "."); i > 0 {
			obj.AppName = obj.Ref[:i]
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.objects[obj.Ref]; !exists {
		r.order = append(r.order, obj.Ref)
	}
	r.objects[obj.Ref] = obj
	return nil
}

// Resolve returns the registered object for ref.
func (r *Registry) Resolve(ref string) (*Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[ref]
	return obj, ok
}

// ResolveTyped resolves ref and checks the object type tag.
func (r *Registry) ResolveTyped(ref, objectType string) (*Registered, error) {
	obj, ok := r.Resolve(ref)
	if !ok {
		return nil, apperrors.Dispatch(apperrors.CodeUnknownRef, "object not registered").WithRef(ref)
	}
	if obj.ObjectType != objectType {
		return nil, apperrors.Dispatch(apperrors.CodeWrongType,
			"expected %s, got %q", objectType, obj.ObjectType).WithRef(ref)
	}
	return obj, nil
}

// All returns every registered object in registration order.
func (r *Registry) All() []*Registered {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Registered, 0, len(r.order))
	for _, ref := range r.order {
		out = append(out, r.objects[ref])
	}
	return out
}

// Unregister removes an object by ref.
func (r *Registry) Unregister(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.objects[ref]; !ok {
		return
	}
	delete(r.objects, ref)
	for i, o := range r.order {
		if o == ref {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Clear empties the registry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects = make(map[string]*Registered)
	r.order = nil
}
