package detection

import (
	"fmt"
	"sort"
)

// Registry holds the engines available to runs. The three built-ins run
// first in their fixed order; anything registered beyond them runs in
// registration order.
type Registry struct {
	engines map[EngineKind]Engine
	extra   []EngineKind
}

func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[EngineKind]Engine),
	}
}

func (r *Registry) Register(engine Engine) error {
	kind := engine.Kind()
	if _, ok := r.engines[kind]; ok {
		return fmt.Errorf("engine %q already registered", kind)
	}

	r.engines[kind] = engine
	if !isBuiltin(kind) {
		r.extra = append(r.extra, kind)
	}
	return nil
}

// Kinds returns every registered engine kind in execution order.
func (r *Registry) Kinds() []EngineKind {
	kinds := make([]EngineKind, 0, len(r.engines))
	for _, kind := range builtinOrder {
		if _, ok := r.engines[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return append(kinds, r.extra...)
}

// Enabled resolves the requested subset to engines in execution order. An
// empty request means every registered engine. Unknown names are the
// caller's mistake, not ours.
func (r *Registry) Enabled(requested []string) ([]Engine, error) {
	if len(requested) == 0 {
		engines := make([]Engine, 0, len(r.engines))
		for _, kind := range r.Kinds() {
			engines = append(engines, r.engines[kind])
		}
		return engines, nil
	}

	want := make(map[EngineKind]bool, len(requested))
	for _, name := range requested {
		kind := EngineKind(name)
		if _, ok := r.engines[kind]; !ok {
			return nil, fmt.Errorf("%w: unknown engine %q", ErrInvalidInput, name)
		}
		want[kind] = true
	}

	engines := make([]Engine, 0, len(want))
	for _, kind := range r.Kinds() {
		if want[kind] {
			engines = append(engines, r.engines[kind])
		}
	}
	return engines, nil
}

// Names returns the registered kinds as strings, sorted, for API responses.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.engines))
	for kind := range r.engines {
		names = append(names, string(kind))
	}
	sort.Strings(names)
	return names
}

func isBuiltin(kind EngineKind) bool {
	for _, b := range builtinOrder {
		if b == kind {
			return true
		}
	}
	return false
}
