// Package simple is the threshold based selector.
package simple

import (
	"fmt"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
	"github.com/mohammed-shakir/geofilter/pkg/adaptive"
)

type Config struct {
	// relational collections below this estimate are evaluated in memory
	RelationalMemoryMax int64
	// embedded collections at or above this estimate use a structure
	EmbeddedStructureMin int64
}

type Selector struct {
	cfg Config
}

func New(cfg Config) *Selector {
	return &Selector{cfg: cfg}
}

var _ adaptive.Selector = (*Selector)(nil)

func (s *Selector) Decide(d model.BackendDescriptor) (adaptive.Decision, adaptive.Reason, error) {
	if d.Override != "" && d.Override != d.Kind {
		return s.override(d)
	}
	available := d.Available || d.Kind == model.BackendMemory
	if !available {
		if d.HasFallback {
			return adaptive.Decision{Kind: model.BackendOGR, Path: model.PathIndexedDirect, UseFallback: true}, adaptive.ReasonFallback, nil
		}
		return adaptive.Decision{}, "", fmt.Errorf("%w: %s backend for %q is unreachable and no fallback is configured", model.ErrUnavailable, d.Kind, d.Collection)
	}
	dec, why := s.native(d)
	if d.Override == d.Kind {
		why = adaptive.ReasonOverride
	}
	return dec, why, nil
}

func (s *Selector) native(d model.BackendDescriptor) (adaptive.Decision, adaptive.Reason) {
	switch d.Kind {
	case model.BackendPostgres:
		if d.Estimate < s.cfg.RelationalMemoryMax {
			return adaptive.Decision{Kind: model.BackendMemory, Path: model.PathMemory}, adaptive.ReasonSmallRelational
		}
		return adaptive.Decision{Kind: model.BackendPostgres, Path: model.PathStructure}, adaptive.ReasonLargeRelational
	case model.BackendSpatialite:
		if d.Estimate >= s.cfg.EmbeddedStructureMin {
			return adaptive.Decision{Kind: model.BackendSpatialite, Path: model.PathStructure}, adaptive.ReasonLargeEmbedded
		}
		return adaptive.Decision{Kind: model.BackendSpatialite, Path: model.PathDirect}, adaptive.ReasonSmallEmbedded
	case model.BackendOGR:
		return adaptive.Decision{Kind: model.BackendOGR, Path: model.PathIndexedDirect}, adaptive.ReasonFileIndexed
	}
	return adaptive.Decision{Kind: model.BackendMemory, Path: model.PathIndexedDirect}, adaptive.ReasonInMemory
}

// override honours a manual choice of a backend other than the
// collection's own. Memory works for every source that can be read; the
// file backend needs the collection's fallback file. Other kinds cannot
// see data stored elsewhere.
func (s *Selector) override(d model.BackendDescriptor) (adaptive.Decision, adaptive.Reason, error) {
	switch d.Override {
	case model.BackendMemory:
		if !d.Available && d.Kind != model.BackendMemory {
			if d.HasFallback {
				return adaptive.Decision{Kind: model.BackendMemory, Path: model.PathMemory, UseFallback: true}, adaptive.ReasonOverride, nil
			}
			return adaptive.Decision{}, adaptive.ReasonOverride, fmt.Errorf("%w: %s backend for %q is unreachable", model.ErrUnavailable, d.Kind, d.Collection)
		}
		return adaptive.Decision{Kind: model.BackendMemory, Path: model.PathMemory}, adaptive.ReasonOverride, nil
	case model.BackendOGR:
		if d.HasFallback {
			return adaptive.Decision{Kind: model.BackendOGR, Path: model.PathIndexedDirect, UseFallback: true}, adaptive.ReasonOverride, nil
		}
	}
	return adaptive.Decision{}, adaptive.ReasonOverrideConflict,
		fmt.Errorf("%w: %q is stored in %s and cannot be evaluated by %s", model.ErrInput, d.Collection, d.Kind, d.Override)
}
