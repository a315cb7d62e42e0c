// Package adaptive chooses, per collection, the backend that evaluates a
// filter and how it does so.
package adaptive

import (
	"sort"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

type Reason string

const (
	ReasonOverride         Reason = "manual_override"
	ReasonSmallRelational  Reason = "relational_below_memory_threshold"
	ReasonLargeRelational  Reason = "relational_at_or_above_threshold"
	ReasonLargeEmbedded    Reason = "embedded_above_structure_threshold"
	ReasonSmallEmbedded    Reason = "embedded_direct"
	ReasonFileIndexed      Reason = "file_indexed_direct"
	ReasonInMemory         Reason = "in_memory_layer"
	ReasonFallback         Reason = "backend_unavailable_fallback"
	ReasonOverrideConflict Reason = "override_not_applicable"
)

// Decision names the backend that evaluates the filter and its path.
// UseFallback means the collection's fallback file is read instead of
// its primary source.
type Decision struct {
	Kind        model.BackendKind
	Path        model.OptimizationPath
	UseFallback bool
}

type Selector interface {
	Decide(d model.BackendDescriptor) (Decision, Reason, error)
}

// Choice is one collection's outcome inside a Summary.
type Choice struct {
	Collection string
	Decision   Decision
	Reason     Reason
	Err        error
}

type Summary struct {
	Choices   []Choice
	ByBackend map[model.BackendKind]int
	ByPath    map[model.OptimizationPath]int
	Failed    int
}

// OptimizeAll re-runs the selector over every descriptor.
func OptimizeAll(s Selector, ds []model.BackendDescriptor) Summary {
	sum := Summary{
		ByBackend: map[model.BackendKind]int{},
		ByPath:    map[model.OptimizationPath]int{},
	}
	for _, d := range ds {
		dec, why, err := s.Decide(d)
		sum.Choices = append(sum.Choices, Choice{Collection: d.Collection, Decision: dec, Reason: why, Err: err})
		if err != nil {
			sum.Failed++
			continue
		}
		sum.ByBackend[dec.Kind]++
		sum.ByPath[dec.Path]++
	}
	sort.Slice(sum.Choices, func(i, j int) bool { return sum.Choices[i].Collection < sum.Choices[j].Collection })
	return sum
}
