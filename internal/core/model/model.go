// Package model defines core domain types shared across the engine.
package model

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
)

type BackendKind string

const (
	BackendPostgres   BackendKind = "postgresql"
	BackendSpatialite BackendKind = "spatialite"
	BackendOGR        BackendKind = "ogr"
	BackendMemory     BackendKind = "memory"
)

func (k BackendKind) Valid() bool {
	switch k {
	case BackendPostgres, BackendSpatialite, BackendOGR, BackendMemory:
		return true
	}
	return false
}

func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "postgresql", "postgres", "postgis", "pg":
		return BackendPostgres, nil
	case "spatialite", "sqlite", "gpkg", "geopackage":
		return BackendSpatialite, nil
	case "ogr", "file", "geojson":
		return BackendOGR, nil
	case "memory", "mem":
		return BackendMemory, nil
	}
	return "", fmt.Errorf("%w: unknown backend %q", ErrInput, s)
}

type Predicate string

const (
	PredIntersects Predicate = "intersects"
	PredContains   Predicate = "contains"
	PredWithin     Predicate = "within"
	PredDisjoint   Predicate = "disjoint"
	PredTouches    Predicate = "touches"
	PredOverlaps   Predicate = "overlaps"
	PredCrosses    Predicate = "crosses"
	PredEquals     Predicate = "equals"
	PredDWithin    Predicate = "dwithin"
)

var predicates = map[Predicate]struct{}{
	PredIntersects: {}, PredContains: {}, PredWithin: {}, PredDisjoint: {},
	PredTouches: {}, PredOverlaps: {}, PredCrosses: {}, PredEquals: {}, PredDWithin: {},
}

func ParsePredicate(s string) (Predicate, error) {
	p := Predicate(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "within_distance", "within-distance", "dwithin":
		return PredDWithin, nil
	}
	if _, ok := predicates[p]; !ok {
		return "", fmt.Errorf("%w: unknown predicate %q", ErrInput, s)
	}
	return p, nil
}

// CombineOp merges a new filter with an existing one. The zero value replaces.
type CombineOp string

const (
	CombineReplace CombineOp = ""
	CombineAnd     CombineOp = "AND"
	CombineOr      CombineOp = "OR"
	CombineAndNot  CombineOp = "AND NOT"
)

func ParseCombine(s string) (CombineOp, error) {
	switch strings.ToUpper(strings.Join(strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(s)), " ")) {
	case "", "REPLACE":
		return CombineReplace, nil
	case "AND":
		return CombineAnd, nil
	case "OR":
		return CombineOr, nil
	case "AND NOT", "ANDNOT":
		return CombineAndNot, nil
	}
	return "", fmt.Errorf("%w: unknown combine operator %q", ErrInput, s)
}

func (c CombineOp) Valid() bool {
	switch c {
	case CombineReplace, CombineAnd, CombineOr, CombineAndNot:
		return true
	}
	return false
}

// OptimizationPath names how a backend evaluated a filter.
type OptimizationPath string

const (
	PathDirect        OptimizationPath = "direct"
	PathMemory        OptimizationPath = "memory"
	PathStructure     OptimizationPath = "structure"
	PathIndexedDirect OptimizationPath = "indexed_direct"
	PathEroded        OptimizationPath = "eroded"
)

type FilterRequest struct {
	Source           string
	Targets          []string
	Predicates       []Predicate
	PredicateCombine CombineOp // AND or OR across predicates
	Distance         float64   // dwithin distance in layer units
	Buffer           float64   // signed; negative erodes
	SourceCombine    CombineOp // replace means the source layer is left untouched
	TargetCombine    CombineOp
	PreExisting      map[string]string
	SourceFeatureIDs []string
	Overrides        map[string]BackendKind
	Description      string
}

func (r FilterRequest) Validate() error {
	if strings.TrimSpace(r.Source) == "" {
		return fmt.Errorf("%w: source collection is required", ErrInput)
	}
	if len(r.Targets) == 0 {
		return fmt.Errorf("%w: at least one target collection is required", ErrInput)
	}
	seen := make(map[string]struct{}, len(r.Targets))
	for _, t := range r.Targets {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: empty target collection", ErrInput)
		}
		if t == r.Source {
			return fmt.Errorf("%w: target %q is the source collection", ErrInput, t)
		}
		if _, dup := seen[t]; dup {
			return fmt.Errorf("%w: duplicate target %q", ErrInput, t)
		}
		seen[t] = struct{}{}
	}
	if len(r.Predicates) == 0 {
		return fmt.Errorf("%w: at least one predicate is required", ErrInput)
	}
	for _, p := range r.Predicates {
		if _, ok := predicates[p]; !ok {
			return fmt.Errorf("%w: unknown predicate %q", ErrInput, p)
		}
		if p == PredDWithin && !(r.Distance > 0) {
			return fmt.Errorf("%w: dwithin needs a positive distance", ErrInput)
		}
	}
	switch r.PredicateCombine {
	case CombineReplace, CombineAnd, CombineOr:
	default:
		return fmt.Errorf("%w: predicates combine with AND or OR, got %q", ErrInput, r.PredicateCombine)
	}
	if !r.SourceCombine.Valid() || !r.TargetCombine.Valid() {
		return fmt.Errorf("%w: invalid combine operator", ErrInput)
	}
	if math.IsNaN(r.Buffer) || math.IsInf(r.Buffer, 0) || math.IsNaN(r.Distance) || math.IsInf(r.Distance, 0) {
		return fmt.Errorf("%w: buffer and distance must be finite", ErrInput)
	}
	for c, k := range r.Overrides {
		if !k.Valid() {
			return fmt.Errorf("%w: override for %q names unknown backend %q", ErrInput, c, k)
		}
	}
	return nil
}

// PredicateSet returns the predicates deduplicated and sorted by name.
func (r FilterRequest) PredicateSet() []Predicate {
	m := make(map[Predicate]struct{}, len(r.Predicates))
	out := make([]Predicate, 0, len(r.Predicates))
	for _, p := range r.Predicates {
		if _, ok := m[p]; ok {
			continue
		}
		m[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r FilterRequest) PredicateOp() CombineOp {
	if r.PredicateCombine == CombineOr {
		return CombineOr
	}
	return CombineAnd
}

// PreparedGeometry is produced once per request and never mutated afterwards.
type PreparedGeometry struct {
	WKT              string
	SRID             int
	Size             int
	Precision        int // decimal places kept, -1 when untouched
	Simplified       bool
	PrecisionReduced bool
	Dissolved        bool
	Approximate      bool
	Overlapping      bool // polygon parts overlap and must be unioned before relating
	Buffer           float64
	Hash             uint64

	InputCount   int
	ValidCount   int
	ErodedCount  int
	InvalidCount int

	Geom orb.Geometry
}

// Eroded reports that every usable input was consumed by a negative buffer.
func (p *PreparedGeometry) Eroded() bool {
	return p != nil && p.ValidCount == 0 && p.ErodedCount > 0
}

func (p *PreparedGeometry) Lossy() bool {
	return p != nil && (p.Simplified || p.PrecisionReduced || p.Approximate)
}

type BackendDescriptor struct {
	Collection    string
	Kind          BackendKind
	Source        string
	Estimate      int64
	EstimateExact bool
	Geographic    bool
	Available     bool
	HasFallback   bool
	Override      BackendKind
}

type StructureState string

const (
	StructNotCreated StructureState = "not_created"
	StructCreating   StructureState = "creating"
	StructReady      StructureState = "ready"
	StructInUse      StructureState = "in_use"
	StructDropped    StructureState = "dropped"
	StructFailed     StructureState = "failed"
)

type IntermediateStructure struct {
	Name          string
	Collection    string
	Backend       BackendKind
	Session       string
	CreatedAt     time.Time
	EstimatedRows int64
	Durable       bool
	Indexed       bool
	Clustered     bool
	State         StructureState
	KeyHash       uint64
}

type FilterResult struct {
	Collection string
	Success    bool
	Expression string
	Reason     string
	Remedy     string
	Class      ErrorClass
	Count      int64
	CountKnown bool
	Duration   time.Duration
	Backend    BackendKind
	Path       OptimizationPath
	Structure  string
	CacheHit   bool
	Fallback   bool
	Eroded     bool
}

type Phase string

const (
	PhaseValidating         Phase = "validating"
	PhasePreparingGeometry  Phase = "preparing_geometry"
	PhaseSelectingBackends  Phase = "selecting_backends"
	PhaseBuildingExpression Phase = "building_expressions"
	PhaseApplying           Phase = "applying"
	PhaseRecordingHistory   Phase = "recording_history"
	PhaseCompleted          Phase = "completed"
	PhaseCancelled          Phase = "cancelled"
	PhaseFailed             Phase = "failed"
)

func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled || p == PhaseFailed
}

type GeometryReport struct {
	Input            int
	Valid            int
	Eroded           int
	Invalid          int
	Size             int
	Simplified       bool
	PrecisionReduced bool
	Dissolved        bool
	Approximate      bool
}

// RunResult aggregates the per-target results of one orchestrator run.
type RunResult struct {
	RunID           string
	Success         bool
	Phase           Phase
	Results         []FilterResult
	Geometry        GeometryReport
	Reason          string
	Remedy          string
	Class           ErrorClass
	Duration        time.Duration
	HistoryRecorded bool
}

func (r RunResult) Result(collection string) (FilterResult, bool) {
	for _, fr := range r.Results {
		if fr.Collection == collection {
			return fr, true
		}
	}
	return FilterResult{}, false
}
