package orchestrator

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/geofilter/internal/catalog"
	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/internal/history"
	"github.com/mohammed-shakir/geofilter/internal/logger"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive"
)

// Undo restores the state before the newest entry touching collection, or
// the newest entry overall when collection is empty.
func (o *Orchestrator) Undo(ctx context.Context, collection string) (history.Entry, error) {
	e, err := o.d.History.Undo(collection)
	if err != nil {
		return history.Entry{}, err
	}
	if err := o.restore(e, false); err != nil {
		o.d.History.Restore(e, true)
		return history.Entry{}, err
	}
	logger.FromContext(ctx, &o.log).Info().
		Uint64("entry", e.ID).
		Str("kind", string(e.Kind)).
		Strs("collections", e.Collections()).
		Msg("history_undo")
	o.sweep(ctx)
	return e, nil
}

func (o *Orchestrator) Redo(ctx context.Context, collection string) (history.Entry, error) {
	e, err := o.d.History.Redo(collection)
	if err != nil {
		return history.Entry{}, err
	}
	if err := o.restore(e, true); err != nil {
		o.d.History.Restore(e, false)
		return history.Entry{}, err
	}
	logger.FromContext(ctx, &o.log).Info().
		Uint64("entry", e.ID).
		Str("kind", string(e.Kind)).
		Strs("collections", e.Collections()).
		Msg("history_redo")
	o.sweep(ctx)
	return e, nil
}

// restore writes every snapshot of e under the collections' locks, all or
// nothing.
func (o *Orchestrator) restore(e history.Entry, after bool) error {
	unlock, err := o.d.Catalog.Lock(e.Collections()...)
	if err != nil {
		return err
	}
	defer unlock()
	prev := make([]history.Snapshot, 0, len(e.Snapshots))
	for _, s := range e.Snapshots {
		cur, err := o.d.Catalog.Filter(s.Collection)
		if err == nil {
			next := s.Before
			if after {
				next = s.After
			}
			if err = o.d.Catalog.SetFilter(s.Collection, next); err == nil {
				prev = append(prev, history.Snapshot{Collection: s.Collection, Before: cur})
				continue
			}
		}
		for i := len(prev) - 1; i >= 0; i-- {
			_ = o.d.Catalog.SetFilter(prev[i].Collection, prev[i].Before)
		}
		return fmt.Errorf("restore %s: %w", s.Collection, err)
	}
	return nil
}

// Clear removes the filter from every collection as one undoable entry.
// It returns false when no collection had a filter.
func (o *Orchestrator) Clear(ctx context.Context, description string) (bool, error) {
	var ids []string
	for _, c := range o.d.Catalog.List() {
		if c.Filter.Expression != "" {
			ids = append(ids, c.ID)
		}
	}
	if len(ids) == 0 {
		return false, nil
	}
	unlock, err := o.d.Catalog.Lock(ids...)
	if err != nil {
		return false, err
	}
	defer unlock()

	now := o.now()
	snaps := make([]history.Snapshot, 0, len(ids))
	for _, id := range ids {
		before, err := o.d.Catalog.Filter(id)
		if err != nil || before.Expression == "" {
			continue
		}
		after := catalog.FilterState{Description: description, UpdatedAt: now}
		if err := o.d.Catalog.SetFilter(id, after); err != nil {
			for i := len(snaps) - 1; i >= 0; i-- {
				_ = o.d.Catalog.SetFilter(snaps[i].Collection, snaps[i].Before)
			}
			return false, fmt.Errorf("clear %s: %w", id, err)
		}
		snaps = append(snaps, history.Snapshot{Collection: id, Before: before, After: after})
	}
	if len(snaps) == 0 {
		return false, nil
	}
	if _, err := o.d.History.Push("", description, snaps); err != nil {
		return false, err
	}
	logger.FromContext(ctx, &o.log).Info().Int("collections", len(snaps)).Msg("filters_cleared")
	o.sweep(ctx)
	return true, nil
}

// Optimize refreshes every estimate and reachability and re-runs the
// selector over the catalog.
func (o *Orchestrator) Optimize(ctx context.Context) adaptive.Summary {
	r := &run{o: o, avail: map[model.BackendKind]error{}}
	cols := o.d.Catalog.List()
	for _, c := range cols {
		b, err := r.available(ctx, c.Kind)
		if err != nil {
			continue
		}
		if n, exact, err := b.Estimate(ctx, c); err == nil {
			_ = o.d.Catalog.SetEstimate(c.ID, n, exact)
		}
	}
	cols = o.d.Catalog.List()
	ds := make([]model.BackendDescriptor, len(cols))
	for i, c := range cols {
		_, err := r.available(ctx, c.Kind)
		ds[i] = c.Descriptor(err == nil)
	}
	sum := adaptive.OptimizeAll(o.d.Selector, ds)
	logger.FromContext(ctx, &o.log).Info().
		Int("collections", len(ds)).
		Int("failed", sum.Failed).
		Msg("optimize_all")
	return sum
}

// Invalidate marks a collection's data as changed.
func (o *Orchestrator) Invalidate(id string) error {
	return o.d.Catalog.Edited(id)
}

func (o *Orchestrator) History() []history.Entry { return o.d.History.Entries() }
