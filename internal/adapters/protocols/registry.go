package protocols

import (
	"sort"

	"atlas/internal/domain/lending"
	"atlas/pkg/errors"
)

// Registry holds the closed set of protocol adapters. It is assembled
// once at startup and read-only afterwards, so lookups need no locking.
type Registry struct {
	adapters map[lending.Protocol]Adapter
	ordered  []Adapter
}

// NewRegistry builds a registry from the given adapters. Registering
// two adapters for one protocol is a wiring bug, not a runtime
// condition, so it fails construction.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[lending.Protocol]Adapter, len(adapters))}
	for _, a := range adapters {
		p := a.Protocol()
		if !p.Valid() {
			return nil, errors.Wrapf(errors.ErrProtocolUnknown, "%q", p)
		}
		if _, dup := r.adapters[p]; dup {
			return nil, errors.Newf("adapter for %s registered twice", p)
		}
		r.adapters[p] = a
	}

	// deterministic fan-out order keeps logs and metrics comparable
	// across runs
	r.ordered = make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		r.ordered = append(r.ordered, a)
	}
	sort.Slice(r.ordered, func(i, j int) bool {
		return r.ordered[i].Protocol() < r.ordered[j].Protocol()
	})
	return r, nil
}

// Get returns the adapter for a protocol.
func (r *Registry) Get(p lending.Protocol) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, errors.Wrapf(errors.ErrProtocolUnknown, "%q", p)
	}
	return a, nil
}

// All returns every adapter in protocol-name order.
func (r *Registry) All() []Adapter {
	return r.ordered
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	return len(r.ordered)
}
