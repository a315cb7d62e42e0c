package cache

import (
	"time"

	"github.com/mohammed-shakir/geofilter/internal/core/model"
)

const (
	NameGeometry   = "geometry"
	NameExpression = "expression"
	NameStructure  = "structure"
)

type Limits struct {
	Entries int
	Bytes   int64
	TTL     time.Duration
}

type Config struct {
	Geometry   Limits
	Expression Limits
	Structure  Limits
	Now        func() time.Time
}

// ExpressionEntry is a built expression and what it was built from.
type ExpressionEntry struct {
	Expression string
	Strategy   string
	Structure  string // set when the expression reads an intermediate structure
	Dropped    []string
}

// Set groups the three caches the orchestrator consults per target.
type Set struct {
	Geometry   *Cache[*model.PreparedGeometry]
	Expression *Cache[ExpressionEntry]
	Structure  *Cache[model.IntermediateStructure]
}

func NewSet(cfg Config) (*Set, error) {
	geom, err := New(Options[*model.PreparedGeometry]{
		Name: NameGeometry, MaxEntries: cfg.Geometry.Entries, MaxBytes: cfg.Geometry.Bytes,
		TTL: cfg.Geometry.TTL, Now: cfg.Now,
		SizeOf: func(pg *model.PreparedGeometry) int64 {
			if pg == nil {
				return 1
			}
			// the decoded geometry is kept alongside its text
			return int64(2*len(pg.WKT)) + 128
		},
	})
	if err != nil {
		return nil, err
	}
	expr, err := New(Options[ExpressionEntry]{
		Name: NameExpression, MaxEntries: cfg.Expression.Entries, MaxBytes: cfg.Expression.Bytes,
		TTL: cfg.Expression.TTL, Now: cfg.Now,
		SizeOf: func(e ExpressionEntry) int64 {
			n := int64(len(e.Expression) + len(e.Strategy) + 32)
			for _, d := range e.Dropped {
				n += int64(len(d))
			}
			return n
		},
	})
	if err != nil {
		return nil, err
	}
	st, err := New(Options[model.IntermediateStructure]{
		Name: NameStructure, MaxEntries: cfg.Structure.Entries, MaxBytes: cfg.Structure.Bytes,
		TTL: cfg.Structure.TTL, Now: cfg.Now,
		SizeOf: func(s model.IntermediateStructure) int64 {
			return int64(len(s.Name)+len(s.Collection)+len(s.Session)) + 96
		},
	})
	if err != nil {
		return nil, err
	}
	return &Set{Geometry: geom, Expression: expr, Structure: st}, nil
}

// InvalidateCollection drops every entry tagged with the collection from
// all three caches.
func (s *Set) InvalidateCollection(id string) int {
	tag := CollectionTag(id)
	return s.Geometry.InvalidateTag(tag) + s.Expression.InvalidateTag(tag) + s.Structure.InvalidateTag(tag)
}

func (s *Set) Purge() {
	s.Geometry.Purge()
	s.Expression.Purge()
	s.Structure.Purge()
}

func CollectionTag(id string) string { return "collection:" + id }
