package persona

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Identity is the full configuration a persona instance is built from. Two
// equal identities share one instance.
type Identity struct {
	Kind       Kind
	Engine     string
	MaxHistory int
}

// Key stringifies the identity in field order, followed by the kind name.
func (id Identity) Key() string {
	return fmt.Sprintf("%s|%d|%s", id.Engine, id.MaxHistory, id.Kind)
}

// Factory builds a persona for an identity.
type Factory func(ctx context.Context, id Identity) (*Persona, error)

type pooled struct {
	p    *Persona
	refs int
}

// Registry deduplicates persona construction by identity. Each GetOrCreate
// takes a reference; Release drops one, and the mapping is removed when the
// last reference goes. Uses sync.Map for reads and singleflight so concurrent
// first lookups build one instance.
type Registry struct {
	factory Factory
	group   singleflight.Group
	mu      sync.Mutex // guards refs and removal
	entries sync.Map   // map[string]*pooled
}

// NewRegistry creates a registry that builds personas with factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{factory: factory}
}

// GetOrCreate returns the persona for id, building it on first use.
func (r *Registry) GetOrCreate(ctx context.Context, id Identity) (*Persona, error) {
	key := id.Key()

	// Fast path: already built
	if p, ok := r.acquire(key); ok {
		return p, nil
	}

	// Use singleflight to deduplicate concurrent construction
	_, err, _ := r.group.Do(key, func() (interface{}, error) {
		if _, ok := r.entries.Load(key); ok {
			return nil, nil
		}
		p, err := r.factory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("build persona %s: %w", key, err)
		}
		r.entries.Store(key, &pooled{p: p})
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	if p, ok := r.acquire(key); ok {
		return p, nil
	}
	// Released to zero between construction and acquire; build again.
	return r.GetOrCreate(ctx, id)
}

func (r *Registry) acquire(key string) (*Persona, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries.Load(key)
	if !ok {
		return nil, false
	}
	e := v.(*pooled)
	e.refs++
	return e.p, true
}

// Release drops one reference to id. The instance is forgotten when no
// references remain; callers still holding the pointer may keep using it.
func (r *Registry) Release(id Identity) {
	key := id.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries.Load(key)
	if !ok {
		return
	}
	e := v.(*pooled)
	e.refs--
	if e.refs <= 0 {
		r.entries.Delete(key)
	}
}

// All returns every live persona in no particular order.
func (r *Registry) All() []*Persona {
	var out []*Persona
	r.entries.Range(func(_, value interface{}) bool {
		out = append(out, value.(*pooled).p)
		return true
	})
	return out
}

// Len returns the number of live personas.
func (r *Registry) Len() int {
	n := 0
	r.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
