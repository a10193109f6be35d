package codec

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/davdef/airlift-node-sub001/internal/errors"
)

// Registry owns the registered codec instances of one pipeline. It is an
// ordinary value passed to whoever needs it; there is no global registry.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
	instances map[string]*Instance
	order     []string
	active    string
}

// NewRegistry returns a registry that knows the built-in kinds.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[Kind]Factory, len(builtinFactories)),
		instances: make(map[string]*Instance),
	}
	for k, f := range builtinFactories {
		r.factories[k] = f
	}
	return r
}

// RegisterKind adds or replaces a codec implementation.
func (r *Registry) RegisterKind(kind Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Kinds lists the codec kinds that can be registered, sorted by name.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Register creates an idle instance of kind and returns its id.
func (r *Registry) Register(kind Kind, params Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}

	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		_, err := ParseKind(string(kind))
		return "", err
	}

	enc, err := factory(params)
	if err != nil {
		return "", errors.New(err).
			Component(componentCodec).
			Category(errors.CategoryCodec).
			Context("kind", string(kind)).
			Build()
	}

	id := uuid.NewString()
	r.mu.Lock()
	r.instances[id] = newInstance(id, kind, params, enc)
	r.order = append(r.order, id)
	r.mu.Unlock()
	return id, nil
}

// Get returns a registered instance.
func (r *Registry) Get(id string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(id)
}

// Bind marks id as the active instance. Only one instance can be active;
// binding a second one fails until the first is released.
func (r *Registry) Bind(id string) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, err := r.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if r.active != "" && r.active != id {
		return nil, errors.Newf("codec instance %s is already bound", r.active).
			Component(componentCodec).
			Category(errors.CategoryConflict).
			Context("requested", id).
			Build()
	}
	r.active = id
	in.state.Store(int32(StateActive))
	return in, nil
}

// Release unbinds id. Releasing an unbound instance is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	in, ok := r.instances[id]
	if !ok {
		return
	}
	if r.active == id {
		r.active = ""
		in.state.Store(int32(StateReleased))
	}
}

// Active returns the bound instance, if any.
func (r *Registry) Active() (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return nil, false
	}
	return r.instances[r.active], true
}

// Snapshot returns the snapshot of one instance.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	in, err := r.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return in.Snapshot(), nil
}

// ListSnapshots returns every instance in registration order.
func (r *Registry) ListSnapshots() []Snapshot {
	r.mu.RLock()
	instances := make([]*Instance, 0, len(r.order))
	for _, id := range r.order {
		instances = append(instances, r.instances[id])
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(instances))
	for _, in := range instances {
		out = append(out, in.Snapshot())
	}
	return out
}

func (r *Registry) lookupLocked(id string) (*Instance, error) {
	in, ok := r.instances[id]
	if !ok {
		return nil, errors.Newf("codec instance %q not found", id).
			Component(componentCodec).
			Category(errors.CategoryNotFound).
			Build()
	}
	return in, nil
}
