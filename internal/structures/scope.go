package structures

import (
	"context"
	"errors"
	"sync"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/core/observability"
)

// Scope is the cleanup list of one task. Every structure created through
// it is dropped on Close unless the task committed; structures reused
// from the cache are only released.
type Scope struct {
	m *Manager

	mu      sync.Mutex
	created []record
	used    []string
	closed  bool
}

func (m *Manager) NewScope() *Scope { return &Scope{m: m} }

func (sc *Scope) track(s model.IntermediateStructure, key string) {
	sc.mu.Lock()
	sc.created = append(sc.created, record{s: s, key: key})
	sc.mu.Unlock()
}

func (sc *Scope) ready(s model.IntermediateStructure) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i := range sc.created {
		if sc.created[i].s.Name == s.Name {
			sc.created[i].s = s
			return
		}
	}
}

func (sc *Scope) fail(name string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i := range sc.created {
		if sc.created[i].s.Name == name {
			sc.created[i].s.State = model.StructFailed
		}
	}
}

func (sc *Scope) use(s model.IntermediateStructure) {
	sc.mu.Lock()
	sc.used = append(sc.used, s.Name)
	sc.mu.Unlock()
}

// Created returns the names of structures created in this scope, in order.
func (sc *Scope) Created() []string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]string, 0, len(sc.created))
	for _, r := range sc.created {
		out = append(out, r.s.Name)
	}
	return out
}

// Close ends the scope. With commit the ready structures pass to the
// session and become reusable; otherwise every structure the scope
// created, including half-built ones, is dropped. Cleanup ignores
// cancellation of ctx. Close is idempotent.
func (sc *Scope) Close(ctx context.Context, commit bool) error {
	sc.mu.Lock()
	if sc.closed {
		sc.mu.Unlock()
		return nil
	}
	sc.closed = true
	created := sc.created
	sc.created = nil
	sc.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, r := range created {
		inUse := r.s.State == model.StructInUse
		if inUse {
			observability.AddStructures(string(model.StructInUse), -1)
		}
		if commit && inUse {
			sc.m.promote(ctx, r)
			continue
		}
		// failed creations are dropped too; the backend may have left a
		// partial table behind
		if err := sc.m.drop(ctx, r.s.Backend, "", r.s.Name, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
